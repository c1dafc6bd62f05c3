package config

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig is the YAML configuration for the agent kernel runtime:
// Kernel limits/policy defaults, the Scheduler's tick behavior, Active
// Memory's store path and pruning knobs, and the Journal's file path.
// It is decoded from LoadRaw's $include-resolving raw map through a
// strict yaml.Decoder with KnownFields enabled.
type RuntimeConfig struct {
	Journal   JournalConfig   `yaml:"journal"`
	Kernel    KernelConfig    `yaml:"kernel"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Memory    MemoryConfig    `yaml:"memory"`
}

// JournalConfig locates the append-only event log.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// KernelConfig configures a kernel.Kernel's Config defaults.
type KernelConfig struct {
	PlannerTimeoutMS  int64         `yaml:"planner_timeout_ms"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	MemoryHits        int           `yaml:"memory_hits"`

	DefaultLimits DefaultLimitsConfig `yaml:"default_limits"`
	DefaultPolicy DefaultPolicyConfig `yaml:"default_policy"`
}

// DefaultLimitsConfig mirrors kernel.Limits for a session created
// without caller-supplied overrides.
type DefaultLimitsConfig struct {
	MaxSteps      int     `yaml:"max_steps"`
	MaxDurationMS int64   `yaml:"max_duration_ms"`
	MaxIterations int     `yaml:"max_iterations"`
	MaxCostUSD    float64 `yaml:"max_cost_usd"`
}

// DefaultPolicyConfig mirrors permission.PolicyProfile for a session
// created without caller-supplied overrides.
type DefaultPolicyConfig struct {
	AllowedPaths             []string `yaml:"allowed_paths"`
	AllowedEndpoints         []string `yaml:"allowed_endpoints"`
	AllowedCommands          []string `yaml:"allowed_commands"`
	RequireApprovalForWrites bool     `yaml:"require_approval_for_writes"`
}

// SchedulerConfig configures a scheduler.Scheduler's Config defaults.
type SchedulerConfig struct {
	StorePath         string        `yaml:"store_path"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	MissedGracePeriod time.Duration `yaml:"missed_grace_period"`
}

// MemoryConfig configures a memory.LessonStore.
type MemoryConfig struct {
	LessonsPath  string        `yaml:"lessons_path"`
	MaxLessons   int           `yaml:"max_lessons"`
	PruneHorizon time.Duration `yaml:"prune_horizon"`
}

// DefaultRuntimeConfig returns the built-in defaults used when a field
// is left zero by the file on disk (or when running with no file at
// all, e.g. a quick mock run from cmd/agentrt).
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Journal: JournalConfig{Path: "data/journal.jsonl"},
		Kernel: KernelConfig{
			PlannerTimeoutMS:  30000,
			RetryInitialDelay: 200 * time.Millisecond,
			RetryMaxDelay:     5 * time.Second,
			MemoryHits:        3,
			DefaultLimits: DefaultLimitsConfig{
				MaxSteps:      50,
				MaxDurationMS: 10 * 60 * 1000,
				MaxIterations: 10,
				MaxCostUSD:    5.0,
			},
		},
		Scheduler: SchedulerConfig{
			StorePath:         "data/schedules.jsonl",
			TickInterval:      60 * time.Second,
			MaxConcurrentJobs: 5,
		},
		Memory: MemoryConfig{
			LessonsPath:  "data/lessons.jsonl",
			MaxLessons:   500,
			PruneHorizon: 30 * 24 * time.Hour,
		},
	}
}

// LoadRuntimeConfig reads and $include-resolves path through LoadRaw,
// decodes it strictly against RuntimeConfig,
// then fills any zero field from DefaultRuntimeConfig. An empty path
// returns the defaults untouched.
func LoadRuntimeConfig(path string) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := LoadRaw(path)
	if err != nil {
		return RuntimeConfig{}, err
	}
	decoded, err := decodeRuntimeConfig(raw)
	if err != nil {
		return RuntimeConfig{}, err
	}
	applyRuntimeDefaults(&decoded, cfg)
	return decoded, nil
}

func decodeRuntimeConfig(raw map[string]any) (RuntimeConfig, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("failed to serialize runtime config: %w", err)
	}
	var cfg RuntimeConfig
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return RuntimeConfig{}, fmt.Errorf("failed to parse runtime config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return RuntimeConfig{}, fmt.Errorf("failed to parse runtime config: expected single document")
	}
	return cfg, nil
}

func applyRuntimeDefaults(cfg *RuntimeConfig, defaults RuntimeConfig) {
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}
	if cfg.Kernel.PlannerTimeoutMS == 0 {
		cfg.Kernel.PlannerTimeoutMS = defaults.Kernel.PlannerTimeoutMS
	}
	if cfg.Kernel.RetryInitialDelay == 0 {
		cfg.Kernel.RetryInitialDelay = defaults.Kernel.RetryInitialDelay
	}
	if cfg.Kernel.RetryMaxDelay == 0 {
		cfg.Kernel.RetryMaxDelay = defaults.Kernel.RetryMaxDelay
	}
	if cfg.Kernel.MemoryHits == 0 {
		cfg.Kernel.MemoryHits = defaults.Kernel.MemoryHits
	}
	if cfg.Kernel.DefaultLimits.MaxSteps == 0 {
		cfg.Kernel.DefaultLimits.MaxSteps = defaults.Kernel.DefaultLimits.MaxSteps
	}
	if cfg.Kernel.DefaultLimits.MaxDurationMS == 0 {
		cfg.Kernel.DefaultLimits.MaxDurationMS = defaults.Kernel.DefaultLimits.MaxDurationMS
	}
	if cfg.Kernel.DefaultLimits.MaxIterations == 0 {
		cfg.Kernel.DefaultLimits.MaxIterations = defaults.Kernel.DefaultLimits.MaxIterations
	}
	if cfg.Kernel.DefaultLimits.MaxCostUSD == 0 {
		cfg.Kernel.DefaultLimits.MaxCostUSD = defaults.Kernel.DefaultLimits.MaxCostUSD
	}
	if cfg.Scheduler.StorePath == "" {
		cfg.Scheduler.StorePath = defaults.Scheduler.StorePath
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = defaults.Scheduler.TickInterval
	}
	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = defaults.Scheduler.MaxConcurrentJobs
	}
	if cfg.Memory.LessonsPath == "" {
		cfg.Memory.LessonsPath = defaults.Memory.LessonsPath
	}
	if cfg.Memory.MaxLessons == 0 {
		cfg.Memory.MaxLessons = defaults.Memory.MaxLessons
	}
	if cfg.Memory.PruneHorizon == 0 {
		cfg.Memory.PruneHorizon = defaults.Memory.PruneHorizon
	}
}
