package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Scheduler.MaxConcurrency != 5 {
		t.Errorf("expected default max concurrency 5, got %d", cfg.Scheduler.MaxConcurrency)
	}

	if cfg.State.BackupRingSize != 10 {
		t.Errorf("expected default backup ring size 10, got %d", cfg.State.BackupRingSize)
	}

	if cfg.Decisions.Thresholds.Auto != 0.95 {
		t.Errorf("expected auto threshold 0.95, got %v", cfg.Decisions.Thresholds.Auto)
	}

	if cfg.Decisions.Weights.Similarity != 0.30 {
		t.Errorf("expected similarity weight 0.30, got %v", cfg.Decisions.Weights.Similarity)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
state:
  project_type: brownfield
  backup_ring_size: 3
scheduler:
  max_concurrency: 2
  cpu_ceiling_percent: 70
  memory_ceiling_mb: 2048
  retention: 30s
decisions:
  preview_window: 5s
coordination:
  authority: [architect, dev]
log:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.State.ProjectType != "brownfield" {
		t.Errorf("expected project type brownfield, got %q", cfg.State.ProjectType)
	}
	if cfg.State.BackupRingSize != 3 {
		t.Errorf("expected ring size 3, got %d", cfg.State.BackupRingSize)
	}
	if cfg.Scheduler.MaxConcurrency != 2 {
		t.Errorf("expected max concurrency 2, got %d", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.Scheduler.MemoryCeilingMB != 2048 {
		t.Errorf("expected memory ceiling 2048, got %d", cfg.Scheduler.MemoryCeilingMB)
	}
	if cfg.Scheduler.Retention != 30*time.Second {
		t.Errorf("expected retention 30s, got %v", cfg.Scheduler.Retention)
	}
	if cfg.Decisions.PreviewWindow != 5*time.Second {
		t.Errorf("expected preview window 5s, got %v", cfg.Decisions.PreviewWindow)
	}
	if len(cfg.Coordination.Authority) != 2 || cfg.Coordination.Authority[0] != "architect" {
		t.Errorf("unexpected authority ranking %v", cfg.Coordination.Authority)
	}

	// Unset keys keep their defaults.
	if cfg.Decisions.Weights.TestCoverage != 0.20 {
		t.Errorf("expected default coverage weight, got %v", cfg.Decisions.Weights.TestCoverage)
	}
}

func TestLoadFromPath_Commands(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
commands:
  dir: /srv/project
  timeout: 90s
  validators:
    tests_passing: go test ./...
    qa_passed: ./scripts/qa.sh
  workers:
    dev: make build
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Commands.Dir != "/srv/project" {
		t.Errorf("expected commands dir /srv/project, got %q", cfg.Commands.Dir)
	}
	if cfg.Commands.Timeout != 90*time.Second {
		t.Errorf("expected commands timeout 90s, got %v", cfg.Commands.Timeout)
	}
	if got := cfg.Commands.Validators["tests_passing"]; got != "go test ./..." {
		t.Errorf("unexpected tests_passing validator %q", got)
	}
	if len(cfg.Commands.Validators) != 2 {
		t.Errorf("expected 2 validators, got %v", cfg.Commands.Validators)
	}
	if got := cfg.Commands.Workers["dev"]; got != "make build" {
		t.Errorf("unexpected dev worker %q", got)
	}
}

func TestLoadFromPath_InvalidWeights(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
decisions:
  weights:
    similarity: 0.5
    upstream_validation: 0.5
    test_coverage: 0.5
    historical_accuracy: 0
    inverse_complexity: 0
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := LoadFromPath(configPath)
	if !errors.Is(err, ErrInvalidWeights) {
		t.Fatalf("expected ErrInvalidWeights, got %v", err)
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("scheduler:\n  max_concurrency: 2\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("CADENCE_SCHEDULER_MAX_CONCURRENCY", "7")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Scheduler.MaxConcurrency != 7 {
		t.Errorf("expected env override 7, got %d", cfg.Scheduler.MaxConcurrency)
	}
}

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
		wantErr bool
	}{
		{"defaults", Default().Decisions.Weights, false},
		{"all on one factor", Weights{Similarity: 1}, false},
		{"sum too low", Weights{Similarity: 0.3, UpstreamValidation: 0.3}, true},
		{"sum too high", Weights{Similarity: 0.9, TestCoverage: 0.2}, true},
		{"negative weight", Weights{Similarity: 1.2, TestCoverage: -0.2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidWeights) {
				t.Errorf("expected ErrInvalidWeights, got %v", err)
			}
		})
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := (Thresholds{Auto: 0.95, Notice: 0.8, Preview: 0.65}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Thresholds{Auto: 0.8, Notice: 0.95, Preview: 0.65}).Validate(); !errors.Is(err, ErrInvalidThresholds) {
		t.Errorf("expected ErrInvalidThresholds, got %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.MaxConcurrency = 0
	cfg.State.BackupRingSize = 0
	cfg.State.ProjectType = "legacy"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	msg := err.Error()
	for _, want := range []string{"max_concurrency", "backup_ring_size", "project_type"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error to mention %q, got %q", want, msg)
		}
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	dir := getUserConfigDir()
	if dir != "/custom/config/cadence" {
		t.Errorf("expected /custom/config/cadence, got %q", dir)
	}
}
