// Package config handles configuration loading for devflow.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/devflowhq/devflow/pkg/models"
)

// Config holds all configuration for the orchestration core.
type Config struct {
	Workers  WorkersConfig  `mapstructure:"workers"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Store    StoreConfig    `mapstructure:"store"`
	Classify ClassifyConfig `mapstructure:"classify"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// WorkersConfig holds worker pool runtime settings.
type WorkersConfig struct {
	// Pools lists the pool identities to run loops for.
	Pools []string `mapstructure:"pools"`
	// PollInterval is the sleep between empty queue polls.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// OrphanClaimAge is how long a claim may sit before startup
	// recovery marks it failed.
	OrphanClaimAge time.Duration `mapstructure:"orphan_claim_age"`
}

// MonitorConfig holds CI recovery monitor settings.
type MonitorConfig struct {
	// PollInterval is the CI poll cadence.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxFixAttempts caps automatic fixes per failing lineage.
	MaxFixAttempts int `mapstructure:"max_fix_attempts"`
	// StallCeiling is how long a pool may work one task before a
	// stall notification is raised.
	StallCeiling time.Duration `mapstructure:"stall_ceiling"`
}

// ExecutorConfig holds settings for the external executor boundary.
type ExecutorConfig struct {
	// Command is the executor binary invoked per task. The task payload
	// arrives on its stdin.
	Command string `mapstructure:"command"`
	// Args are fixed arguments passed before the task kind.
	Args []string `mapstructure:"args"`
	// Timeout is the hard ceiling on one executor invocation.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DeployConfig holds settings for the deploy trigger.
type DeployConfig struct {
	// Command is the deploy binary run once per drain event in the
	// project workspace. Empty disables deploys.
	Command string `mapstructure:"command"`
	// Args are fixed arguments for the deploy command.
	Args []string `mapstructure:"args"`
}

// NotifyConfig holds operator notification settings.
type NotifyConfig struct {
	// LogPath optionally appends every notification to a file.
	LogPath string `mapstructure:"log_path"`
}

// StoreConfig holds queue store settings.
type StoreConfig struct {
	// Path is the SQLite database location. Empty selects the
	// per-workspace default.
	Path string `mapstructure:"path"`
}

// ClassifyConfig holds classifier settings.
type ClassifyConfig struct {
	// RulesPath optionally points at a YAML rule table override.
	RulesPath string `mapstructure:"rules_path"`
}

// Load loads configuration with precedence (highest to lowest):
// 1. Environment variables (DEVFLOW_*)
// 2. Project config (.devflow.yaml in current directory or parent)
// 3. User config (~/.config/devflow/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DEVFLOW")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with default values.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	if err := v.Unmarshal(cfg); err != nil {
		// Defaults are static; this cannot fail at runtime.
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Pools returns the configured pool identities as typed values,
// dropping unknown names.
func (c *Config) Pools() []models.Pool {
	var pools []models.Pool
	for _, name := range c.Workers.Pools {
		pool := models.Pool(name)
		if pool.Valid() {
			pools = append(pools, pool)
		}
	}
	if len(pools) == 0 {
		return models.AllPools()
	}
	return pools
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers.pools", []string{
		string(models.PoolServerLogic),
		string(models.PoolClientUI),
		string(models.PoolDataModel),
		string(models.PoolDeployConfig),
		string(models.PoolQualityReview),
	})
	v.SetDefault("workers.poll_interval", "10s")
	v.SetDefault("workers.orphan_claim_age", "2h")

	v.SetDefault("monitor.poll_interval", "30s")
	v.SetDefault("monitor.max_fix_attempts", 3)
	v.SetDefault("monitor.stall_ceiling", "10m")

	v.SetDefault("executor.command", "devflow-agent")
	v.SetDefault("executor.args", []string{})
	v.SetDefault("executor.timeout", "45m")

	v.SetDefault("deploy.command", "")
	v.SetDefault("deploy.args", []string{})

	v.SetDefault("store.path", "")
	v.SetDefault("classify.rules_path", "")
	v.SetDefault("notify.log_path", "")
}

// getUserConfigDir returns the XDG config directory for devflow.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "devflow")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "devflow")
	}
	return filepath.Join(home, ".config", "devflow")
}

// findProjectConfig searches for .devflow.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".devflow.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
