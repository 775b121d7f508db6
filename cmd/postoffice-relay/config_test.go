// File: cmd/postoffice-relay/config_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/aemu-postoffice/internal/logging"
	"github.com/momentics/aemu-postoffice/server"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileConfig(t *testing.T) {
	path := writeConfig(t, `
listen = "127.0.0.1:4000"
status_listen = ""
accept_timeout = "5s"

[log]
level = "warn"
format = "json"
`)
	cfg := server.DefaultConfig()
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	require.NoError(t, loadFileConfig(path, cfg, &logCfg))

	assert.Equal(t, "127.0.0.1:4000", cfg.ListenAddr)
	assert.Empty(t, cfg.StatusAddr)
	assert.Equal(t, 5*time.Second, cfg.AcceptTimeout)
	assert.Equal(t, 20*time.Second, cfg.InitTimeout, "absent keys keep defaults")
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, zerolog.WarnLevel, logCfg.Level)
	assert.Equal(t, "json", logCfg.Format)
}

func TestLoadFileConfigRejects(t *testing.T) {
	cases := map[string]string{
		"bad duration": `init_timeout = "soon"`,
		"unknown key":  `listne = ":1"`,
		"bad level":    "[log]\nlevel = \"loud\"",
		"negative":     `max_connections = -1`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := server.DefaultConfig()
			logCfg := logging.DefaultConfig(logging.ProfileRuntime)
			assert.Error(t, loadFileConfig(writeConfig(t, body), cfg, &logCfg))
		})
	}
}

func TestResolveConfigFlagsWin(t *testing.T) {
	path := writeConfig(t, `listen = "127.0.0.1:4000"`)
	cmd := newServeCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--listen", "127.0.0.1:5000", "--status-listen", "off"}))

	cfg, _, err := resolveConfig(cmd, serveFlags{config: path, listen: "127.0.0.1:5000", statusListen: "off"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", cfg.ListenAddr)
	assert.Empty(t, cfg.StatusAddr)
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "postoffice-relay dev")
}
