package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General     GeneralConfig     `toml:"general"`
	Agent       AgentConfig       `toml:"agent"`
	GitHub      GitHubConfig      `toml:"github"`
	Web         WebConfig         `toml:"web"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

// GeneralConfig holds engine-wide settings
type GeneralConfig struct {
	DataDir         string `toml:"data_dir"`
	WorktreeDir     string `toml:"worktree_dir"`
	MaxParallelRuns int    `toml:"max_parallel_runs"`

	// StateBackend selects the persistence implementation: "file" or "sqlite".
	StateBackend string `toml:"state_backend"`
	StateDir     string `toml:"state_dir"`
	DatabasePath string `toml:"database_path"`
}

// AgentConfig holds coding-agent subprocess settings
type AgentConfig struct {
	Command            string   `toml:"command"`
	ExtraArgs          []string `toml:"extra_args"`
	StepTimeoutMinutes int      `toml:"step_timeout_minutes"`
	GracePeriodSeconds int      `toml:"grace_period_seconds"`
}

// GitHubConfig holds hosting-service API settings
type GitHubConfig struct {
	APIBaseURL    string `toml:"api_base_url"`
	TokenEnv      string `toml:"token_env"`
	RetryAttempts int    `toml:"retry_attempts"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// MaintenanceConfig holds periodic maintenance settings
type MaintenanceConfig struct {
	ReconcileCron string `toml:"reconcile_cron"`
	SweepEnabled  bool   `toml:"sweep_enabled"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".forge-orchestrator")
	return &Config{
		General: GeneralConfig{
			DataDir:         dataDir,
			WorktreeDir:     filepath.Join(dataDir, "worktrees"),
			MaxParallelRuns: 3,
			StateBackend:    "sqlite",
			StateDir:        filepath.Join(dataDir, "orders"),
			DatabasePath:    filepath.Join(dataDir, "orchestrator.db"),
		},
		Agent: AgentConfig{
			Command:            "claude",
			StepTimeoutMinutes: 30,
			GracePeriodSeconds: 10,
		},
		GitHub: GitHubConfig{
			APIBaseURL:    "https://api.github.com",
			TokenEnv:      "GITHUB_TOKEN",
			RetryAttempts: 3,
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Maintenance: MaintenanceConfig{
			ReconcileCron: "*/15 * * * *",
			SweepEnabled:  true,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)
	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot start with
func (c *Config) Validate() error {
	switch c.General.StateBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown state_backend %q (want file or sqlite)", c.General.StateBackend)
	}
	if c.General.MaxParallelRuns < 1 {
		return fmt.Errorf("max_parallel_runs must be at least 1")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent command must be set")
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "forge-orchestrator", "config.toml")
}
