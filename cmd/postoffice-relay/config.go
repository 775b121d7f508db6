// File: cmd/postoffice-relay/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/momentics/aemu-postoffice/internal/logging"
	"github.com/momentics/aemu-postoffice/server"
)

type fileConfig struct {
	Listen             string `toml:"listen"`
	StatusListen       string `toml:"status_listen"`
	MaxConnections     int    `toml:"max_connections"`
	InitTimeout        string `toml:"init_timeout"`
	AcceptTimeout      string `toml:"accept_timeout"`
	StatisticsInterval string `toml:"statistics_interval"`
	Log                struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		File   string `toml:"file"`
	} `toml:"log"`
}

// loadFileConfig overrides cfg and logCfg with the keys present in path.
func loadFileConfig(path string, cfg *server.Config, logCfg *logging.Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load relay config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load relay config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("status_listen") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusListen)
	}
	if meta.IsDefined("max_connections") {
		if raw.MaxConnections < 0 {
			return fmt.Errorf("max_connections must not be negative")
		}
		cfg.MaxConnections = raw.MaxConnections
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"init_timeout", raw.InitTimeout, &cfg.InitTimeout},
		{"accept_timeout", raw.AcceptTimeout, &cfg.AcceptTimeout},
		{"statistics_interval", raw.StatisticsInterval, &cfg.StatisticsInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return fmt.Errorf("parse log.level: unknown level %q", raw.Log.Level)
		}
		logCfg.Level = lvl
	}
	if meta.IsDefined("log", "format") {
		logCfg.Format = strings.ToLower(strings.TrimSpace(raw.Log.Format))
	}
	if meta.IsDefined("log", "file") {
		logCfg.File = strings.TrimSpace(raw.Log.File)
	}
	return nil
}
