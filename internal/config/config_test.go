package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "tulip", cfg.Symbol)
	assert.Equal(t, 50, cfg.DepthCap)
	assert.Equal(t, "book", cfg.Matching.Mode)
	assert.Equal(t, RoleLeader, cfg.Region.Role)
	assert.True(t, cfg.Region.IsLeader())
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Events.DedupeWindow)
	assert.Equal(t, "order", cfg.Reconcile.PolicyScope)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tulipd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
symbol: rose
region:
  name: us-west
  role: follower
kafka:
  enabled: true
  brokers: ["localhost:9092"]
reconcile:
  policy_scope: trade
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "rose", cfg.Symbol)
	assert.Equal(t, "us-west", cfg.Region.Name)
	assert.Equal(t, RoleFollower, cfg.Region.Role)
	assert.False(t, cfg.Region.IsLeader())
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "trade", cfg.Reconcile.PolicyScope)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("TULIP_SYMBOL", "orchid")
	t.Setenv("TULIP_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "orchid", cfg.Symbol)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Symbol = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.DepthCap = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Region.Role = "observer"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.LogFormat = "xml"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Reconcile.PolicyScope = "fills"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil
	assert.Error(t, cfg.Validate())
}
