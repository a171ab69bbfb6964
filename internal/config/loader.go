package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultConfigPath returns the default config file location (~/.autark/autark.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "autark.json"
	}
	return filepath.Join(home, ".autark", "autark.json")
}

// Load reads configuration from the given file (or the default location when
// path is empty), layers AUTARK_ environment variables on top, and fills in
// derived paths. A missing config file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = DefaultConfigPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("AUTARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDerivedPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDerivedPaths fills DataDir and the log file from the config location
// when they were not set explicitly.
func applyDerivedPaths(cfg *Config) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			cfg.DataDir = ".autark"
		} else {
			cfg.DataDir = filepath.Join(home, ".autark")
		}
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "logs", "autark.log")
	}
}

// StatePath returns the path of a state file inside the data directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.DataDir, name)
}
