package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.MaxParallelRuns != 3 {
		t.Errorf("MaxParallelRuns = %d, want 3", cfg.General.MaxParallelRuns)
	}
	if cfg.General.StateBackend != "sqlite" {
		t.Errorf("StateBackend = %q, want sqlite", cfg.General.StateBackend)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("Agent.Command = %q, want claude", cfg.Agent.Command)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[general]
max_parallel_runs = 5
state_backend = "file"
state_dir = "/tmp/orders"

[agent]
command = "fake-agent"
step_timeout_minutes = 1

[web]
port = 9999
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.MaxParallelRuns != 5 {
		t.Errorf("MaxParallelRuns = %d, want 5", cfg.General.MaxParallelRuns)
	}
	if cfg.General.StateBackend != "file" {
		t.Errorf("StateBackend = %q, want file", cfg.General.StateBackend)
	}
	if cfg.Agent.Command != "fake-agent" {
		t.Errorf("Agent.Command = %q, want fake-agent", cfg.Agent.Command)
	}
	if cfg.Web.Port != 9999 {
		t.Errorf("Web.Port = %d, want 9999", cfg.Web.Port)
	}
	// Untouched sections keep defaults
	if cfg.GitHub.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", cfg.GitHub.RetryAttempts)
	}
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("[general]\nstate_backend = \"redis\"\n"), 0644)

	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown state_backend")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandPath(~/x) = %q", got)
	}
	if got := ExpandPath("/abs/x"); got != "/abs/x" {
		t.Errorf("ExpandPath(/abs/x) = %q", got)
	}
}
