package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/dirsync/pkg/protocol"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"90d":  90 * 24 * time.Hour,
		"1d":   24 * time.Hour,
		"36h":  36 * time.Hour,
		"30s":  30 * time.Second,
		" 2m ": 2 * time.Minute,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseDuration("xd")
	require.Error(t, err)
	_, err = ParseDuration("d")
	require.Error(t, err)
}

func TestLoadAgentConfigWithEnvOverride(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
server:
  url: https://sync.corp.local:8443
identity:
  renew_before: 7d
agent:
  type: server
collector:
  encoding: cbor
`)
	t.Setenv("DIRSYNC_LOG_LEVEL", "debug")
	t.Setenv("DIRSYNC_IDENTITY_PATH", "/tmp/id.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "https://sync.corp.local:8443", cfg.Server.URL)
	require.Equal(t, 7*24*time.Hour, cfg.Identity.RenewBefore.Std())
	require.Equal(t, "/tmp/id.json", cfg.Identity.Path)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, protocol.EncodingCBOR, cfg.Collector.Encoding)
	require.Equal(t, protocol.CompressionZstd, cfg.Collector.Compression)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Server.URL, cfg.Server.URL)
}

func TestAgentValidateRejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.URL = "http://insecure"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Agent.Type = "laptop"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Collector.Compression = "gzip"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Server.URL = ""
	require.ErrorIs(t, cfg.Validate(), ErrMissingServerURL)
}

func TestLoadServerConfig(t *testing.T) {
	path := writeFile(t, "server.yaml", `
listen: ":9443"
policy:
  max_validity_days: 30
  default_validity_days: 14
agents:
  recency_window: 2d
  enabled_data_types: [Users, groups]
  latest_release:
    version: 2.1.0
events:
  backend: nats
  url: nats://127.0.0.1:4222
`)
	t.Setenv("DIRSYNC_ADMIN_TOKEN", "s3cret")

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":9443", cfg.Listen)
	require.Equal(t, "s3cret", cfg.Admin.Token)
	require.Equal(t, 14, cfg.Policy.DefaultValidityDays)
	require.Equal(t, 48*time.Hour, cfg.Agents.RecencyWindow.Std())
	require.Equal(t, "2.1.0", cfg.Agents.LatestRelease.Version)

	types, err := ParseDataTypes(cfg.Agents.EnabledDataTypes)
	require.NoError(t, err)
	require.Equal(t, []protocol.DataType{protocol.DataTypeUsers, protocol.DataTypeGroups}, types)
}

func TestServerAdminTokenFile(t *testing.T) {
	tokenPath := writeFile(t, "admin.token", "from-file\n")
	path := writeFile(t, "server.yaml", "admin:\n  token_file: "+tokenPath+"\n")

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Admin.Token)
}

func TestServerValidateRejects(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Agents.HeartbeatIntervalS = 1
	require.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.Agents.EnabledDataTypes = []string{"computers"}
	require.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.Events.Backend = "amqp"
	require.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.TLS.CertFile = "server.crt"
	require.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.Policy.DefaultValidityDays = 400
	require.Error(t, cfg.Validate())
}
