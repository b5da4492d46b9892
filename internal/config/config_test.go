package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/safety/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.HTTPPort)
	assert.Equal(t, domain.DefaultThresholds(), cfg.Thresholds)
	assert.Equal(t, 2, cfg.HysteresisSamples)
	assert.Equal(t, 60*time.Second, cfg.HysteresisCooldown)
	assert.Equal(t, 3*time.Second, cfg.DecisionTimeout)
	assert.False(t, cfg.RemoteDecisionEnabled)
	assert.Empty(t, cfg.ValidAPIKeys)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HYSTERESIS_CLEAR_SAMPLES", "3")
	t.Setenv("COLLISION_G_FORCE", "5.5")
	t.Setenv("VALID_API_KEYS", "a, b,,c")
	t.Setenv("REDIS_ENABLED", "yes")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.HysteresisSamples)
	assert.Equal(t, 5.5, cfg.Thresholds.CollisionGForce)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.ValidAPIKeys)
	assert.True(t, cfg.RedisEnabled)
}

func TestLoadThresholdsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fire_cabin_temp_c: 80\noverspeed_factor: 1.2\n"), 0o644))
	t.Setenv("THRESHOLDS_FILE", path)
	t.Setenv("FIRE_BATTERY_TEMP_C", "75")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 80.0, cfg.Thresholds.FireCabinTempC)
	assert.Equal(t, 1.2, cfg.Thresholds.OverspeedFactor)
	assert.Equal(t, 75.0, cfg.Thresholds.FireBatteryTempC)
	assert.Equal(t, 70.0, cfg.Thresholds.FireConfidencePct, "unset keys keep their defaults")
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("DECISION_REMOTE_ENABLED", "true")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadMissingThresholdsFile(t *testing.T) {
	t.Setenv("THRESHOLDS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
