// ABOUTME: Tests for configuration loading, env expansion, and duration parsing
// ABOUTME: Covers defaults, validation failures, and backoff table overrides

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultRegistrySweepInterval, cfg.Agents.SweepInterval)
	assert.Equal(t, DefaultStaleAfter, cfg.Agents.StaleAfter)
	assert.Equal(t, DefaultCommandTimeout, cfg.Agents.CommandTimeout)
	assert.Equal(t, DefaultDeliveryBatchSize, cfg.Delivery.BatchSize)
	assert.Equal(t, DefaultMaxRetries, cfg.Delivery.MaxRetries)
	assert.Equal(t, DefaultBackoff, cfg.Delivery.Backoff)
	assert.Equal(t, DefaultPurgeSchedule, cfg.Delivery.PurgeSchedule)
	assert.Equal(t, DefaultSecretTTL, cfg.Secrets.TTL)
}

func TestLoad_ParsesDurationsAndBackoff(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/relay.db"
agents:
  sweep_interval: "10s"
  stale_after: "15s"
  command_timeout: "5s"
delivery:
  sweep_interval: "7s"
  batch_size: 5
  max_retries: 3
  backoff: ["1s", "2s", "4s"]
  sent_retention: "24h"
secrets:
  ttl: "90s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Agents.SweepInterval)
	assert.Equal(t, 15*time.Second, cfg.Agents.StaleAfter)
	assert.Equal(t, 5*time.Second, cfg.Agents.CommandTimeout)
	assert.Equal(t, 7*time.Second, cfg.Delivery.SweepInterval)
	assert.Equal(t, 5, cfg.Delivery.BatchSize)
	assert.Equal(t, 3, cfg.Delivery.MaxRetries)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, cfg.Delivery.Backoff)
	assert.Equal(t, 24*time.Hour, cfg.Delivery.SentRetention)
	assert.Equal(t, 90*time.Second, cfg.Secrets.TTL)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("RELAY_TEST_DB", "/tmp/expanded.db")
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "${RELAY_TEST_DB}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/expanded.db", cfg.Database.Path)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http addr",
			content: `
database:
  path: ":memory:"
`,
			wantErr: "http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "localhost:8080"
`,
			wantErr: "database.path",
		},
		{
			name: "stale threshold below sweep interval",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
agents:
  sweep_interval: "60s"
  stale_after: "10s"
`,
			wantErr: "stale_after",
		},
		{
			name: "bad duration",
			content: `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
secrets:
  ttl: "five minutes"
`,
			wantErr: "secrets.ttl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_TailscaleRequiresHostname(t *testing.T) {
	path := writeConfig(t, `
tailscale:
  enabled: true
database:
  path: ":memory:"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tailscale.hostname")
}
