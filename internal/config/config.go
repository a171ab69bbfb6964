package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the root autark configuration
type Config struct {
	// Supervisor controls the scheduler/worker-pool process
	Supervisor SupervisorConfig `json:"supervisor" mapstructure:"supervisor"`

	// Engine controls the per-task execution loop inside workers
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Tools controls the tool execution engine
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Context controls prompt assembly and compaction
	Context ContextConfig `json:"context" mapstructure:"context"`

	// Budget controls the global spend ceiling and task thresholds
	Budget BudgetConfig `json:"budget" mapstructure:"budget"`

	// Models names the default, light, and fallback models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// AI holds model backend credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Notify controls outgoing notification cadence
	Notify NotifyConfig `json:"notify" mapstructure:"notify"`

	// Schedule holds cron-driven task intake entries
	Schedule []ScheduleEntry `json:"schedule" mapstructure:"schedule"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Update controls the self-update reverter
	Update UpdateConfig `json:"update" mapstructure:"update"`

	// Data directory (state, snapshots, locks)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// SupervisorConfig holds pool sizing, tick cadence, and the timeout ladder
type SupervisorConfig struct {
	Workers          int `json:"workers" mapstructure:"workers"`
	TickMs           int `json:"tick_ms" mapstructure:"tick_ms"`
	SoftTimeout1Sec  int `json:"soft_timeout_1_sec" mapstructure:"soft_timeout_1_sec"`
	SoftTimeout2Sec  int `json:"soft_timeout_2_sec" mapstructure:"soft_timeout_2_sec"`
	HardTimeoutSec   int `json:"hard_timeout_sec" mapstructure:"hard_timeout_sec"`
	HeartbeatSec     int `json:"heartbeat_sec" mapstructure:"heartbeat_sec"`
	HeartbeatStale   int `json:"heartbeat_stale_sec" mapstructure:"heartbeat_stale_sec"`
	MaxRetries       int `json:"max_retries" mapstructure:"max_retries"`
	SnapshotMaxAge   int `json:"snapshot_max_age_sec" mapstructure:"snapshot_max_age_sec"`
	CrashStormCount  int `json:"crash_storm_count" mapstructure:"crash_storm_count"`
	CrashStormWindow int `json:"crash_storm_window_sec" mapstructure:"crash_storm_window_sec"`
}

// EngineConfig holds round-loop limits
type EngineConfig struct {
	MaxRounds          int `json:"max_rounds" mapstructure:"max_rounds"`
	MaxModelRetries    int `json:"max_model_retries" mapstructure:"max_model_retries"`
	ReflectionInterval int `json:"reflection_interval" mapstructure:"reflection_interval"`
}

// ToolsConfig holds tool execution limits
type ToolsConfig struct {
	DefaultTimeoutSec int `json:"default_timeout_sec" mapstructure:"default_timeout_sec"`
	MaxParallel       int `json:"max_parallel" mapstructure:"max_parallel"`
	MaxResultChars    int `json:"max_result_chars" mapstructure:"max_result_chars"`
}

// ContextConfig holds prompt budget knobs
type ContextConfig struct {
	SoftCapTokens    int `json:"soft_cap_tokens" mapstructure:"soft_cap_tokens"`
	KeepRecentRounds int `json:"keep_recent_rounds" mapstructure:"keep_recent_rounds"`
}

// BudgetConfig holds the global spend ceiling and per-task thresholds.
// Fractions are against *remaining* budget; the thresholds are policy,
// not law, hence configurable.
type BudgetConfig struct {
	TotalUSD         float64 `json:"total_usd" mapstructure:"total_usd"`
	HardStopFraction float64 `json:"hard_stop_fraction" mapstructure:"hard_stop_fraction"`
	NudgeFraction    float64 `json:"nudge_fraction" mapstructure:"nudge_fraction"`
	NudgeInterval    int     `json:"nudge_interval" mapstructure:"nudge_interval"`
}

// ModelsConfig names models by role
type ModelsConfig struct {
	Default  string   `json:"default" mapstructure:"default"`
	Light    string   `json:"light" mapstructure:"light"`
	Fallback []string `json:"fallback" mapstructure:"fallback"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// NotifyConfig throttles progress-class notifications
type NotifyConfig struct {
	ProgressCadenceSec int `json:"progress_cadence_sec" mapstructure:"progress_cadence_sec"`
}

// ScheduleEntry is one cron-driven intake rule
type ScheduleEntry struct {
	Cron string `json:"cron" mapstructure:"cron"`
	Type string `json:"type" mapstructure:"type"`
	Text string `json:"text" mapstructure:"text"`
}

// UpdateConfig points the supervisor at its own checkout. An empty
// RepoDir disables self-update handling.
type UpdateConfig struct {
	RepoDir   string `json:"repo_dir" mapstructure:"repo_dir"`
	VerifyCmd string `json:"verify_cmd" mapstructure:"verify_cmd"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			Workers:          5,
			TickMs:           500,
			SoftTimeout1Sec:  300,
			SoftTimeout2Sec:  600,
			HardTimeoutSec:   900,
			HeartbeatSec:     30,
			HeartbeatStale:   120,
			MaxRetries:       1,
			SnapshotMaxAge:   900,
			CrashStormCount:  3,
			CrashStormWindow: 60,
		},
		Engine: EngineConfig{
			MaxRounds:          200,
			MaxModelRetries:    10,
			ReflectionInterval: 50,
		},
		Tools: ToolsConfig{
			DefaultTimeoutSec: 120,
			MaxParallel:       8,
			MaxResultChars:    15000,
		},
		Context: ContextConfig{
			SoftCapTokens:    120000,
			KeepRecentRounds: 6,
		},
		Budget: BudgetConfig{
			TotalUSD:         0,
			HardStopFraction: 0.5,
			NudgeFraction:    0.3,
			NudgeInterval:    10,
		},
		Models: ModelsConfig{
			Default:  "claude-sonnet-4",
			Light:    "claude-haiku-4",
			Fallback: []string{"gpt-4.1", "claude-opus-4"},
		},
		Notify: NotifyConfig{
			ProgressCadenceSec: 60,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9290",
		},
	}
}

// Tick returns the supervisor loop cadence as a duration.
func (c *SupervisorConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Supervisor.Workers <= 0 {
		return fmt.Errorf("supervisor.workers must be positive")
	}
	if c.Supervisor.SoftTimeout1Sec >= c.Supervisor.SoftTimeout2Sec {
		return fmt.Errorf("supervisor.soft_timeout_1_sec must be below soft_timeout_2_sec")
	}
	if c.Supervisor.SoftTimeout2Sec >= c.Supervisor.HardTimeoutSec {
		return fmt.Errorf("supervisor.soft_timeout_2_sec must be below hard_timeout_sec")
	}
	if c.Supervisor.MaxRetries < 0 {
		return fmt.Errorf("supervisor.max_retries cannot be negative")
	}
	if c.Engine.MaxRounds <= 0 {
		return fmt.Errorf("engine.max_rounds must be positive")
	}
	if c.Budget.HardStopFraction <= 0 || c.Budget.HardStopFraction > 1 {
		return fmt.Errorf("budget.hard_stop_fraction must be in (0, 1]")
	}
	if c.Budget.NudgeFraction < 0 || c.Budget.NudgeFraction >= c.Budget.HardStopFraction {
		return fmt.Errorf("budget.nudge_fraction must be in [0, hard_stop_fraction)")
	}
	if c.Tools.MaxParallel <= 0 {
		return fmt.Errorf("tools.max_parallel must be positive")
	}
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}

	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		switch profile.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	for i, entry := range c.Schedule {
		if entry.Cron == "" {
			return fmt.Errorf("schedule entry %d: cron expression is required", i)
		}
		if entry.Text == "" {
			return fmt.Errorf("schedule entry %d: text is required", i)
		}
	}

	return nil
}
