package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentkernel/runtime/internal/config"
	"github.com/agentkernel/runtime/internal/journal"
	"github.com/agentkernel/runtime/internal/kernel"
	"github.com/agentkernel/runtime/internal/memory"
	"github.com/agentkernel/runtime/internal/permission"
	"github.com/agentkernel/runtime/internal/registry"
	"github.com/agentkernel/runtime/internal/scheduler"
	"github.com/agentkernel/runtime/internal/taskstate"
	"github.com/agentkernel/runtime/internal/toolruntime"
	"github.com/agentkernel/runtime/internal/usage"
)

// journalAdapter adapts *journal.Journal to kernel.EventAppender and
// scheduler.EventAppender, whose Event/Append shapes are defined
// independently of internal/journal's own types (see kernel.Event's
// doc comment) so neither package imports internal/journal directly.
type journalAdapter struct {
	j *journal.Journal
}

func (a journalAdapter) Append(e kernel.Event) (kernel.Event, error) {
	out, err := a.j.Append(journal.Event{
		SessionID: e.SessionID,
		Type:      journal.EventType(e.Type),
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	})
	if err != nil {
		return kernel.Event{}, err
	}
	return kernel.Event{
		Seq:       out.Seq,
		SessionID: out.SessionID,
		Type:      string(out.Type),
		Timestamp: out.Timestamp,
		Payload:   out.Payload,
		PrevHash:  out.PrevHash,
		Hash:      out.Hash,
	}, nil
}

// AppendScheduler satisfies scheduler.EventAppender, whose Append takes
// a context and a flattened (sessionID, eventType, payload) triple
// rather than a struct.
func (a journalAdapter) AppendScheduler(ctx context.Context, sessionID, eventType string, payload map[string]any) error {
	_, err := a.j.Append(journal.Event{
		SessionID: sessionID,
		Type:      journal.EventType(eventType),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	return err
}

// schedulerJournal narrows journalAdapter to scheduler.EventAppender's
// single method, since Go selects methods by name, not by interface.
type schedulerJournal struct{ a journalAdapter }

func (s schedulerJournal) Append(ctx context.Context, sessionID, eventType string, payload map[string]any) error {
	return s.a.AppendScheduler(ctx, sessionID, eventType, payload)
}

// runtimeDeps bundles every collaborator a session or a scheduled job
// needs, built once per CLI invocation from RuntimeConfig.
type runtimeDeps struct {
	cfg       config.RuntimeConfig
	journal   *journal.Journal
	registry  *registry.Registry
	engine    *permission.Engine
	runtime   *toolruntime.Runtime
	usageTrk  *usage.Tracker
	memory    *memory.LessonStore
	kernel    *kernel.Kernel
	scheduler *scheduler.Scheduler
}

// buildRuntimeDeps wires the dependency graph described in SPEC_FULL.md:
// Journal -> {Kernel, Scheduler}; Registry+Engine -> Runtime -> Kernel;
// Usage, Memory -> Kernel; Scheduler's SessionFactory creates sessions
// through the same Kernel, so a fired schedule and a manually-run task
// go through identical machinery.
func buildRuntimeDeps(configPath string) (*runtimeDeps, func() error, error) {
	rtCfg, err := config.LoadRuntimeConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load runtime config: %w", err)
	}

	j, err := journal.Open(journal.Config{Path: rtCfg.Journal.Path})
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	jAdapter := journalAdapter{j: j}

	reg := registry.New()
	if err := registerDemoTools(reg); err != nil {
		_ = j.Close()
		return nil, nil, fmt.Errorf("register demo tools: %w", err)
	}

	emitToJournal := func(eventType string, payload map[string]any) error {
		_, err := j.Append(journal.Event{
			Type:      journal.EventType(eventType),
			Timestamp: time.Now().UTC(),
			Payload:   payload,
		})
		return err
	}

	engine := permission.New(permission.EngineConfig{
		PromptTimeout: 5 * time.Second,
		Emit:          emitToJournal,
	})

	rt := toolruntime.New(reg, engine, emitToJournal)

	usageTrk := usage.NewTracker(usage.DefaultTrackerConfig())

	lessonStore, err := memory.NewLessonStore(memory.LessonStoreConfig{
		Path:         rtCfg.Memory.LessonsPath,
		MaxLessons:   rtCfg.Memory.MaxLessons,
		PruneHorizon: rtCfg.Memory.PruneHorizon,
	})
	if err != nil {
		_ = j.Close()
		return nil, nil, fmt.Errorf("open lesson store: %w", err)
	}

	k := kernel.New(kernel.Config{
		Journal:           jAdapter,
		Registry:          reg,
		Runtime:           rt,
		Planner:           newMockPlanner(reg),
		Usage:             usageTrk,
		Memory:            lessonStore,
		MemoryHits:        rtCfg.Kernel.MemoryHits,
		PlannerTimeoutMS:  rtCfg.Kernel.PlannerTimeoutMS,
		RetryInitialDelay: rtCfg.Kernel.RetryInitialDelay,
		RetryMaxDelay:     rtCfg.Kernel.RetryMaxDelay,
	})

	scheduleStore, err := scheduler.NewFileStore(rtCfg.Scheduler.StorePath)
	if err != nil {
		_ = j.Close()
		return nil, nil, fmt.Errorf("open schedule store: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		Store:             scheduleStore,
		SessionFactory:    kernelSessionFactory{k: k, cfg: rtCfg},
		Journal:           schedulerJournal{a: jAdapter},
		TickInterval:      rtCfg.Scheduler.TickInterval,
		MaxConcurrentJobs: rtCfg.Scheduler.MaxConcurrentJobs,
		MissedGracePeriod: rtCfg.Scheduler.MissedGracePeriod,
	})

	deps := &runtimeDeps{
		cfg:       rtCfg,
		journal:   j,
		registry:  reg,
		engine:    engine,
		runtime:   rt,
		usageTrk:  usageTrk,
		memory:    lessonStore,
		kernel:    k,
		scheduler: sched,
	}
	return deps, j.Close, nil
}

// kernelSessionFactory adapts the Kernel to scheduler.SessionFactory's
// fire-and-forget "createSession" action: a schedule firing creates a
// session and runs it in the background, returning immediately.
type kernelSessionFactory struct {
	k   *kernel.Kernel
	cfg config.RuntimeConfig
}

func (f kernelSessionFactory) CreateSession(ctx context.Context, taskText string) (string, string, error) {
	task := kernel.Task{
		TaskID:    uuid.NewString(),
		Text:      taskText,
		CreatedAt: time.Now().UTC(),
	}
	limits := kernel.Limits{
		MaxSteps:      f.cfg.Kernel.DefaultLimits.MaxSteps,
		MaxDurationMS: f.cfg.Kernel.DefaultLimits.MaxDurationMS,
		MaxIterations: f.cfg.Kernel.DefaultLimits.MaxIterations,
		MaxCostUSD:    f.cfg.Kernel.DefaultLimits.MaxCostUSD,
	}
	policy := permission.PolicyProfile{
		AllowedPaths:             f.cfg.Kernel.DefaultPolicy.AllowedPaths,
		AllowedEndpoints:         f.cfg.Kernel.DefaultPolicy.AllowedEndpoints,
		AllowedCommands:          f.cfg.Kernel.DefaultPolicy.AllowedCommands,
		RequireApprovalForWrites: f.cfg.Kernel.DefaultPolicy.RequireApprovalForWrites,
	}
	session := f.k.CreateSession(task, registry.ModeMock, limits, policy)
	go func() {
		_ = f.k.Run(context.Background(), session)
	}()
	return session.SessionID, string(session.Status), nil
}

// taskStateView is the JSON-friendly projection of a TaskState
// snapshot printed by "agentrt run".
type taskStateView struct {
	PlanID         string         `json:"plan_id"`
	Goal           string         `json:"goal"`
	TotalSteps     int            `json:"total_steps"`
	CompletedSteps int            `json:"completed_steps"`
	FailedSteps    int            `json:"failed_steps"`
	StepTitles     []string       `json:"step_titles"`
	Artifacts      map[string]any `json:"artifacts,omitempty"`
}

func toTaskStateView(ts *taskstate.TaskState) taskStateView {
	if ts == nil {
		return taskStateView{}
	}
	snap := ts.Snapshot()
	return taskStateView{
		PlanID:         snap.PlanID,
		Goal:           snap.Goal,
		TotalSteps:     snap.TotalSteps,
		CompletedSteps: snap.CompletedSteps,
		FailedSteps:    snap.FailedSteps,
		StepTitles:     snap.StepTitles,
		Artifacts:      snap.Artifacts,
	}
}
