package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRuntimeConfig_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadRuntimeConfig("")
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	want := DefaultRuntimeConfig()
	if cfg.Kernel.PlannerTimeoutMS != want.Kernel.PlannerTimeoutMS {
		t.Errorf("PlannerTimeoutMS = %d, want %d", cfg.Kernel.PlannerTimeoutMS, want.Kernel.PlannerTimeoutMS)
	}
	if cfg.Scheduler.MaxConcurrentJobs != want.Scheduler.MaxConcurrentJobs {
		t.Errorf("MaxConcurrentJobs = %d, want %d", cfg.Scheduler.MaxConcurrentJobs, want.Scheduler.MaxConcurrentJobs)
	}
}

func TestLoadRuntimeConfig_OverridesMergeWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.yaml")
	body := `
kernel:
  default_limits:
    max_steps: 5
scheduler:
  max_concurrent_jobs: 2
memory:
  max_lessons: 10
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if cfg.Kernel.DefaultLimits.MaxSteps != 5 {
		t.Errorf("MaxSteps = %d, want 5", cfg.Kernel.DefaultLimits.MaxSteps)
	}
	if cfg.Scheduler.MaxConcurrentJobs != 2 {
		t.Errorf("MaxConcurrentJobs = %d, want 2", cfg.Scheduler.MaxConcurrentJobs)
	}
	if cfg.Memory.MaxLessons != 10 {
		t.Errorf("MaxLessons = %d, want 10", cfg.Memory.MaxLessons)
	}
	// Unset fields still fall back to defaults.
	want := DefaultRuntimeConfig()
	if cfg.Kernel.PlannerTimeoutMS != want.Kernel.PlannerTimeoutMS {
		t.Errorf("PlannerTimeoutMS = %d, want default %d", cfg.Kernel.PlannerTimeoutMS, want.Kernel.PlannerTimeoutMS)
	}
	if cfg.Scheduler.TickInterval != want.Scheduler.TickInterval {
		t.Errorf("TickInterval = %v, want default %v", cfg.Scheduler.TickInterval, want.Scheduler.TickInterval)
	}
}

func TestLoadRuntimeConfig_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.yaml")
	body := "kernel:\n  bogus_field: 1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadRuntimeConfig(path); err == nil {
		t.Error("expected an error for an unknown config field")
	}
}

func TestLoadRuntimeConfig_ParsesDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.yaml")
	body := "scheduler:\n  tick_interval: 30s\n  missed_grace_period: 2m\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadRuntimeConfig(path)
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if cfg.Scheduler.TickInterval != 30*time.Second {
		t.Errorf("TickInterval = %v, want 30s", cfg.Scheduler.TickInterval)
	}
	if cfg.Scheduler.MissedGracePeriod != 2*time.Minute {
		t.Errorf("MissedGracePeriod = %v, want 2m", cfg.Scheduler.MissedGracePeriod)
	}
}
