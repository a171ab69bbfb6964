package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{
		{ID: "main", Provider: "anthropic", APIKey: "sk-test"},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Supervisor.Workers)
	assert.Equal(t, 1, cfg.Supervisor.MaxRetries)
	assert.Equal(t, 200, cfg.Engine.MaxRounds)
	assert.Equal(t, 0.5, cfg.Budget.HardStopFraction)
	assert.Equal(t, 0.3, cfg.Budget.NudgeFraction)
	assert.Equal(t, 8, cfg.Tools.MaxParallel)
	assert.Equal(t, 15000, cfg.Tools.MaxResultChars)
	assert.Equal(t, 6, cfg.Context.KeepRecentRounds)
	assert.True(t, cfg.Supervisor.SoftTimeout1Sec < cfg.Supervisor.SoftTimeout2Sec)
	assert.True(t, cfg.Supervisor.SoftTimeout2Sec < cfg.Supervisor.HardTimeoutSec)
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("requires at least one profile", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AI profile")
	})

	t.Run("rejects unknown provider", func(t *testing.T) {
		cfg := validConfig()
		cfg.AI.Profiles[0].Provider = "mystery"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects inverted timeout ladder", func(t *testing.T) {
		cfg := validConfig()
		cfg.Supervisor.SoftTimeout2Sec = cfg.Supervisor.HardTimeoutSec
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects nudge at or above hard stop", func(t *testing.T) {
		cfg := validConfig()
		cfg.Budget.NudgeFraction = cfg.Budget.HardStopFraction
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects schedule entry without cron", func(t *testing.T) {
		cfg := validConfig()
		cfg.Schedule = []ScheduleEntry{{Text: "tidy up"}}
		assert.Error(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autark.json")
	data := `{
		"supervisor": {"workers": 2},
		"ai": {"profiles": [{"id": "main", "provider": "openai", "api_key": "sk-x"}]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Supervisor.Workers)
	// untouched fields keep defaults
	assert.Equal(t, 200, cfg.Engine.MaxRounds)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("AUTARK_AI_PROFILES", "")

	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	// defaults alone fail validation because no profile is configured
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AI")
}

func TestStatePath(t *testing.T) {
	cfg := validConfig()
	cfg.DataDir = "/tmp/autark"
	assert.Equal(t, "/tmp/autark/queue_snapshot.json", cfg.StatePath("queue_snapshot.json"))
}
