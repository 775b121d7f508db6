// File: cmd/postoffice-relay/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// postoffice-relay serves relay sessions and the status endpoint.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/momentics/aemu-postoffice/internal/logging"
	"github.com/momentics/aemu-postoffice/server"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
)

type serveFlags struct {
	config       string
	listen       string
	statusListen string
	logLevel     string
	logFile      string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "postoffice-relay",
		Short:         "Relay for tunnelled adhoc sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("postoffice-relay %s (commit: %s)\n", version, commit)
		},
	}
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logCfg, err := resolveConfig(cmd, f)
			if err != nil {
				return err
			}
			log := logging.Install(logCfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.NewServer(cfg, server.WithLogger(log.With().Str("component", "relay").Logger()))
			log.Info().
				Str("listen", cfg.ListenAddr).
				Str("status", cfg.StatusAddr).
				Dur("accept_timeout", cfg.AcceptTimeout).
				Msg("starting relay")
			if err := srv.ListenAndServe(ctx); err != nil {
				return err
			}
			log.Info().Msg("relay stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "TOML config file")
	cmd.Flags().StringVar(&f.listen, "listen", "", "relay listen address (default :27313)")
	cmd.Flags().StringVar(&f.statusListen, "status-listen", "", "status HTTP listen address (default :27314, \"off\" disables)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "rotate the log into this file")
	return cmd
}

// resolveConfig layers defaults, the config file and explicit flags.
func resolveConfig(cmd *cobra.Command, f serveFlags) (*server.Config, logging.Config, error) {
	cfg := server.DefaultConfig()
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	if f.config != "" {
		if err := loadFileConfig(f.config, cfg, &logCfg); err != nil {
			return nil, logCfg, err
		}
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = f.listen
	}
	if cmd.Flags().Changed("status-listen") {
		cfg.StatusAddr = f.statusListen
		if f.statusListen == "off" {
			cfg.StatusAddr = ""
		}
	}
	if cmd.Flags().Changed("log-level") {
		lvl, ok := logging.ParseLevel(f.logLevel)
		if !ok {
			return nil, logCfg, fmt.Errorf("unknown log level %q", f.logLevel)
		}
		logCfg.Level = lvl
	}
	if cmd.Flags().Changed("log-file") {
		logCfg.File = f.logFile
	}
	return cfg, logCfg, nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
