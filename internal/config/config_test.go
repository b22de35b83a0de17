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

	assert.False(t, cfg.Settlement.AutoEnabled)
	assert.Equal(t, 15, cfg.Settlement.IntervalMinutes)
	assert.Equal(t, 100.0, cfg.Settlement.MinWh)
	assert.Equal(t, 30*time.Minute, cfg.Settlement.StaleAfter())
	assert.Equal(t, 15*time.Second, cfg.Ledger.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Settlement.ConfirmationPollInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.Redis.TelemetryRetention)
}

func TestLoadHonoursLegacyEnvNames(t *testing.T) {
	t.Setenv("AUTO_SETTLEMENT_ENABLED", "true")
	t.Setenv("SETTLEMENT_INTERVAL_MINUTES", "5")
	t.Setenv("MIN_SETTLEMENT_WH", "250")
	t.Setenv("CONVERSION_RATIO", "0.002")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Settlement.AutoEnabled)
	assert.Equal(t, 5*time.Minute, cfg.Settlement.Interval())
	assert.Equal(t, 10*time.Minute, cfg.Settlement.StaleAfter())
	assert.Equal(t, 250.0, cfg.Settlement.MinWh)
	ratio, err := cfg.Settlement.Ratio()
	require.NoError(t, err)
	assert.Equal(t, "0.002", ratio.String())
}

func TestLoadFileAndPendingTimeout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	content := []byte(`
settlement:
  interval_minutes: 10
  pending_timeout: 45m
  sweep_policy: abort
ledger:
  request_timeout: 3s
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, cfg.Settlement.StaleAfter())
	assert.Equal(t, "abort", cfg.Settlement.SweepPolicy)
	assert.Equal(t, 3*time.Second, cfg.Ledger.RequestTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("SETTLEMENT_INTERVAL_MINUTES", "0")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsNegativeTelemetryRetention(t *testing.T) {
	t.Setenv("REDIS_TELEMETRY_RETENTION", "-1h")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsNonPositiveRatio(t *testing.T) {
	t.Setenv("CONVERSION_RATIO", "-1")
	_, err := Load("")
	require.Error(t, err)
}

func TestPolicyOverrides(t *testing.T) {
	policy, err := ParsePolicy([]byte(`
devices:
  meter-7:
    min_wh: 500
`), Thresholds{MinWh: 100})
	require.NoError(t, err)

	assert.Equal(t, 500.0, policy.ThresholdsForDevice("meter-7").MinWh)
	assert.Equal(t, 100.0, policy.ThresholdsForDevice("meter-8").MinWh)
	assert.True(t, policy.HasOverride("meter-7"))
	assert.False(t, policy.HasOverride("meter-8"))
}

func TestLoadPolicyWithoutPath(t *testing.T) {
	policy, err := LoadPolicy("", Thresholds{MinWh: 42})
	require.NoError(t, err)
	assert.Equal(t, 42.0, policy.ThresholdsForDevice("any").MinWh)
}
