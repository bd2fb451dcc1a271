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
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxWorkers, cfg.MaxWorkers)
	assert.Equal(t, DefaultDailyBudget, cfg.DailyBudget)
	assert.Equal(t, DefaultCooldownSeconds, cfg.CooldownSeconds)
	assert.Equal(t, DefaultStaleThresholdSeconds, cfg.StaleThresholdSeconds)
	assert.Equal(t, DefaultTickInterval, cfg.TickInterval)
	assert.Equal(t, 60*time.Second, cfg.Cooldown())
	assert.Equal(t, 300*time.Second, cfg.StaleThreshold())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WHIM_MAX_WORKERS", "5")
	t.Setenv("WHIM_COOLDOWN_SECONDS", "0")
	t.Setenv("WHIM_TICK_INTERVAL", "1s")
	t.Setenv("WHIM_WORKER_IMAGE", "example.com/agent:dev")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxWorkers)
	assert.Equal(t, 0, cfg.CooldownSeconds)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, "example.com/agent:dev", cfg.WorkerImage)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxWorkers: 4\ndailyBudget: 50\n"), 0644))
	t.Setenv("WHIM_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 50, cfg.DailyBudget)
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxWorkers: 4\n"), 0644))
	t.Setenv("WHIM_CONFIG", path)
	t.Setenv("WHIM_MAX_WORKERS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxWorkers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero max workers", "WHIM_MAX_WORKERS", "0"},
		{"negative budget", "WHIM_DAILY_BUDGET", "-1"},
		{"negative cooldown", "WHIM_COOLDOWN_SECONDS", "-5"},
		{"unparsable int", "WHIM_MAX_WORKERS", "two"},
		{"unparsable duration", "WHIM_TICK_INTERVAL", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
