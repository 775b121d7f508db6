// File: cmd/postoffice-probe/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// postoffice-probe exercises a running relay through the client library and
// exits non-zero on the first failed check.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/momentics/aemu-postoffice/client"
	"github.com/momentics/aemu-postoffice/control"
	"github.com/momentics/aemu-postoffice/internal/logging"
)

type runFlags struct {
	config    string
	relay     string
	only      string
	settle    time.Duration
	rounds    int
	dumpState bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "postoffice-probe",
		Short:         "Check a relay end to end",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run datagram and stream checks against the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := control.LoadConfig(f.config)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("relay") {
				cfg.Relay.Addr = f.relay
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, cfg, f)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "client config file (yaml, toml or json)")
	cmd.Flags().StringVar(&f.relay, "relay", "", "relay address, overrides the config")
	cmd.Flags().StringVar(&f.only, "only", "all", "checks to run: pdp, ptp or all")
	cmd.Flags().DurationVar(&f.settle, "settle", time.Second, "pause letting the relay register new sessions")
	cmd.Flags().IntVar(&f.rounds, "rounds", 5, "stream exchange rounds")
	cmd.Flags().BoolVar(&f.dumpState, "dump-state", false, "print session table state as JSON when done")
	return cmd
}

func loggingConfig(cfg *control.Config) logging.Config {
	lc := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(cfg.Logging.Level); ok {
		lc.Level = lvl
	}
	if cfg.Logging.Format != "" {
		lc.Format = cfg.Logging.Format
	}
	lc.File = cfg.Logging.File
	return lc
}

func run(ctx context.Context, cmd *cobra.Command, cfg *control.Config, f runFlags) error {
	log := logging.Install(loggingConfig(cfg))

	reg := prometheus.NewRegistry()
	metrics := control.NewMetrics(reg)
	if cfg.Metrics.Listen != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Listen, reg, log)
		defer stopMetrics()
	}

	c, err := client.NewFromConfig(cfg, client.WithLogger(log), client.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer c.Close()

	p := &probe{c: c, log: log, settle: f.settle, rounds: f.rounds}
	err = runChecks(ctx, p, f.only)

	if f.dumpState {
		dp := control.NewDebugProbes()
		control.RegisterPlatformProbes(dp)
		c.RegisterProbes(dp)
		if werr := dp.WriteJSON(cmd.OutOrStdout()); werr != nil {
			log.Warn().Err(werr).Msg("failed writing state")
		}
	}
	return err
}

func runChecks(ctx context.Context, p *probe, only string) error {
	switch only {
	case "pdp":
		return p.runPDP(ctx)
	case "ptp":
		return p.runPTP(ctx)
	case "all", "":
		if err := p.runPDP(ctx); err != nil {
			return err
		}
		return p.runPTP(ctx)
	}
	return fmt.Errorf("unknown check set %q", only)
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics endpoint failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
