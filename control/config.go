// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Client configuration loaded from file, environment and defaults.
//
// Precedence (highest first): AEMU_POSTOFFICE_* environment variables, the
// configuration file, built-in defaults.

package control

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/momentics/aemu-postoffice/internal/transport"
)

// EnvPrefix prefixes every environment override, e.g.
// AEMU_POSTOFFICE_RELAY_ADDR.
const EnvPrefix = "AEMU_POSTOFFICE"

// Config is the client-side configuration.
type Config struct {
	Relay     RelayConfig     `mapstructure:"relay"`
	Transport TransportConfig `mapstructure:"transport"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type RelayConfig struct {
	// Addr is the relay "host:port".
	Addr string `mapstructure:"addr"`
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type TransportConfig struct {
	// Backend is "native" or "conn".
	Backend string `mapstructure:"backend"`
}

type SessionsConfig struct {
	// PerKind sizes each session table; 0 probes the memory tier.
	PerKind int `mapstructure:"per_kind"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type MetricsConfig struct {
	// Listen enables a /metrics endpoint when non-empty.
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.addr", "127.0.0.1:27313")
	v.SetDefault("relay.dial_timeout", "10s")
	v.SetDefault("transport.backend", string(transport.BackendNative))
	v.SetDefault("sessions.per_kind", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("metrics.listen", "")
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("control: default config: %v", err))
	}
	return &cfg
}

// LoadConfig reads path (if non-empty) and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Relay.Addr); err != nil {
		return fmt.Errorf("relay.addr: %w", err)
	}
	if c.Relay.DialTimeout <= 0 {
		return fmt.Errorf("relay.dial_timeout must be positive")
	}
	if _, err := transport.ParseBackend(c.Transport.Backend); err != nil {
		return fmt.Errorf("transport.backend: %w", err)
	}
	if c.Sessions.PerKind < 0 {
		return fmt.Errorf("sessions.per_kind must not be negative")
	}
	return nil
}
