package kernel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/agentkernel/runtime/internal/permission"
	"github.com/agentkernel/runtime/internal/registry"
	"github.com/agentkernel/runtime/internal/toolruntime"
)

// fakeJournal is an in-memory EventAppender for tests.
type fakeJournal struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeJournal) Append(e Event) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.Seq = int64(len(f.events))
	f.events = append(f.events, e)
	return e, nil
}

func (f *fakeJournal) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func echoManifest() registry.ToolManifest {
	return registry.ToolManifest{
		Name:         "respond",
		Description:  "echoes input",
		InputSchema:  json.RawMessage(`{"type":"object"}`),
		OutputSchema: json.RawMessage(`{"type":"object"}`),
		TimeoutMS:    1000,
		Supports:     registry.Supports{Real: true, Mock: true, DryRun: true},
		MockResponses: []json.RawMessage{
			json.RawMessage(`{"text":"ok"}`),
		},
	}
}

// funcPlanner adapts a function literal to the Planner interface for
// tests that need plan shapes the MockPlanner doesn't produce.
type funcPlanner struct {
	fn func(ctx context.Context, task Task, catalog []ToolCatalogEntry, accumulated PlannerContext) (PlannerResult, error)
}

func (p *funcPlanner) GeneratePlan(ctx context.Context, task Task, catalog []ToolCatalogEntry, accumulated PlannerContext, memoryHits []MemoryHit, opts PlannerOptions) (PlannerResult, error) {
	return p.fn(ctx, task, catalog, accumulated)
}

func TestKernel_Run_MockEchoCompletes(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(echoManifest()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rt := toolruntime.New(reg, nil, nil)
	j := &fakeJournal{}

	k := New(Config{
		Journal: j,
		Registry: reg,
		Runtime:  rt,
		Planner:  NewMockPlanner("respond", []byte(`{"text":"hi"}`)),
	})

	session := k.CreateSession(Task{Text: "echo hello"}, registry.ModeMock, Limits{}, permission.PolicyProfile{})
	if err := k.Run(context.Background(), session); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if session.Status != StatusCompleted {
		t.Fatalf("Status = %v, want completed (reason=%+v)", session.Status, session.FailureReason)
	}

	types := j.types()
	for _, want := range []string{"session.created", "session.started", "planner.requested", "plan.accepted", "step.started", "step.succeeded", "session.completed"} {
		if !contains(types, want) {
			t.Errorf("missing event %q in %v", want, types)
		}
	}
}

func TestKernel_Run_PermissionDeniedAbortsSession(t *testing.T) {
	m := echoManifest()
	m.Permissions = []string{"filesystem:write:workspace"}
	reg := registry.New()
	if err := reg.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}

	engine := permission.New(permission.EngineConfig{}) // no prompter, no pre-grants -> denies
	rt := toolruntime.New(reg, engine, nil)
	j := &fakeJournal{}

	k := New(Config{
		Journal:  j,
		Registry: reg,
		Runtime:  rt,
		Planner:  NewMockPlanner("respond", []byte(`{"text":"hi"}`)),
	})

	session := k.CreateSession(Task{Text: "write a file"}, registry.ModeMock, Limits{}, permission.PolicyProfile{})
	if err := k.Run(context.Background(), session); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if session.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", session.Status)
	}
	if !contains(j.types(), "step.failed") {
		t.Error("expected a step.failed event")
	}
}

func TestKernel_Run_TransientRetrySucceeds(t *testing.T) {
	reg := registry.New()
	m := echoManifest()
	m.Supports = registry.Supports{Real: true}
	if err := reg.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rt := toolruntime.New(reg, nil, nil)
	var calls int
	rt.RegisterHandler("respond", func(ctx context.Context, input json.RawMessage, policy permission.PolicyProfile, constraints map[string]any) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, &toolruntime.StepError{Code: toolruntime.ErrorTransient, Message: "simulated 503"}
		}
		return json.RawMessage(`{"text":"ok"}`), nil
	})

	j := &fakeJournal{}
	planner := &funcPlanner{fn: func(ctx context.Context, task Task, catalog []ToolCatalogEntry, accumulated PlannerContext) (PlannerResult, error) {
		if len(accumulated.PreviousPlans) > 0 {
			return PlannerResult{Plan: &Plan{Steps: nil}}, nil
		}
		return PlannerResult{Plan: &Plan{
			PlanID: "p1",
			Steps: []Step{{
				StepID: "s1", ToolRef: ToolRef{Name: "respond"},
				Input: json.RawMessage(`{}`), FailurePolicy: FailureAbort,
				TimeoutMS: 1000, MaxRetries: 2,
			}},
		}}, nil
	}}

	k := New(Config{Journal: j, Registry: reg, Runtime: rt, Planner: planner,
		RetryInitialDelay: 1, RetryMaxDelay: 2})

	session := k.CreateSession(Task{Text: "flaky"}, registry.ModeReal, Limits{}, permission.PolicyProfile{})
	if err := k.Run(context.Background(), session); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if session.Status != StatusCompleted {
		t.Fatalf("Status = %v, want completed", session.Status)
	}
	failedCount := 0
	for _, ty := range j.types() {
		if ty == "step.failed" {
			failedCount++
		}
	}
	if failedCount != 0 {
		// step only reaches step.failed on terminal (non-retried) failure;
		// transient attempts that eventually succeed never emit step.failed.
		t.Errorf("got %d step.failed events, want 0 (retries should be transparent)", failedCount)
	}
	if calls != 3 {
		t.Errorf("handler called %d times, want 3", calls)
	}
}

func TestKernel_Run_LimitBreachStopsAfterMaxSteps(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(echoManifest()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rt := toolruntime.New(reg, nil, nil)
	j := &fakeJournal{}

	planner := &funcPlanner{fn: func(ctx context.Context, task Task, catalog []ToolCatalogEntry, accumulated PlannerContext) (PlannerResult, error) {
		return PlannerResult{Plan: &Plan{
			PlanID: "p1",
			Steps: []Step{
				{StepID: "s1", ToolRef: ToolRef{Name: "respond"}, Input: json.RawMessage(`{}`), FailurePolicy: FailureContinue, TimeoutMS: 1000},
				{StepID: "s2", ToolRef: ToolRef{Name: "respond"}, Input: json.RawMessage(`{}`), FailurePolicy: FailureContinue, TimeoutMS: 1000},
			},
		}}, nil
	}}

	k := New(Config{Journal: j, Registry: reg, Runtime: rt, Planner: planner})
	session := k.CreateSession(Task{Text: "two steps"}, registry.ModeMock, Limits{MaxSteps: 1}, permission.PolicyProfile{})
	if err := k.Run(context.Background(), session); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if session.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed due to max_steps breach", session.Status)
	}
	if session.FailureReason == nil || session.FailureReason.Code != "LimitExceeded" {
		t.Errorf("FailureReason = %+v, want LimitExceeded", session.FailureReason)
	}
	if session.StepsExecuted != 1 {
		t.Errorf("StepsExecuted = %d, want 1 (must stop before step 2 ever starts)", session.StepsExecuted)
	}
	started := 0
	for _, ty := range j.types() {
		if ty == "step.started" {
			started++
		}
	}
	if started != 1 {
		t.Errorf("got %d step.started events, want 1", started)
	}
}

func TestKernel_Abort(t *testing.T) {
	reg := registry.New()
	rt := toolruntime.New(reg, nil, nil)
	k := New(Config{Registry: reg, Runtime: rt, Planner: NewMockPlanner("respond", nil)})

	session := k.CreateSession(Task{Text: "never runs"}, registry.ModeMock, Limits{}, permission.PolicyProfile{})
	if err := k.Abort(session, "user requested cancellation"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if session.Status != StatusAborted {
		t.Fatalf("Status = %v, want aborted", session.Status)
	}
	if err := k.Abort(session, "again"); err == nil {
		t.Error("expected error aborting an already-terminal session")
	}
}

func TestKernel_Run_AlreadyTerminalReturnsError(t *testing.T) {
	reg := registry.New()
	rt := toolruntime.New(reg, nil, nil)
	k := New(Config{Registry: reg, Runtime: rt, Planner: NewMockPlanner("respond", nil)})
	session := k.CreateSession(Task{Text: "x"}, registry.ModeMock, Limits{}, permission.PolicyProfile{})
	session.Status = StatusCompleted

	if err := k.Run(context.Background(), session); err == nil {
		t.Error("expected error running an already-terminal session")
	}
}
