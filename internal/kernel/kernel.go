package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentkernel/runtime/internal/permission"
	"github.com/agentkernel/runtime/internal/registry"
	"github.com/agentkernel/runtime/internal/taskstate"
	"github.com/agentkernel/runtime/internal/toolruntime"
	"github.com/agentkernel/runtime/internal/usage"
)

// EventAppender is the subset of *journal.Journal the kernel needs,
// accepted as an interface so tests can stub it without a real file.
type EventAppender interface {
	Append(event Event) (Event, error)
}

// Event mirrors journal.Event's shape without importing internal/journal,
// avoiding a dependency edge the kernel does not otherwise need.
type Event struct {
	Seq       int64
	SessionID string
	Type      string
	Timestamp time.Time
	Payload   map[string]any
	PrevHash  string
	Hash      string
}

// MemoryStore is the Active Memory capability the kernel queries at
// session start and appends a Lesson to at session end. Defined here
// (accept an interface) rather than importing internal/memory, which
// is free to satisfy it without the kernel depending on its storage
// details.
type MemoryStore interface {
	Query(ctx context.Context, taskText string, toolNames []string, limit int) []MemoryHit
	AppendLesson(ctx context.Context, lesson Lesson) error
}

// Lesson is what the kernel synthesizes at session end, matching
// spec.md §3's Lesson record.
type Lesson struct {
	LessonID        string
	TaskSummary     string
	Outcome         SessionStatus
	Lesson          string
	ToolNames       []string
	SessionID       string
	CreatedAt       time.Time
	RelevanceCount  int
}

// Config wires the kernel to its collaborators. Registry and Runtime
// mirror spec.md §4.E's dependency on the Tool Registry and Tool
// Runtime; the Permission Engine is reached only through the Runtime it
// was constructed with. Planner and Memory are injected
// capability interfaces per spec.md §9's "no singletons" design note.
type Config struct {
	Journal    EventAppender
	Registry   *registry.Registry
	Runtime    *toolruntime.Runtime
	Planner    Planner
	Usage      *usage.Tracker
	Memory     MemoryStore // may be nil: cross-session memory is then a no-op
	MemoryHits int         // how many lesson hits to request; default 3

	PlannerTimeoutMS int64 // default 30000
	RetryInitialDelay time.Duration // default 200ms
	RetryMaxDelay     time.Duration // default 5s
}

func sanitizeConfig(cfg Config) Config {
	if cfg.PlannerTimeoutMS <= 0 {
		cfg.PlannerTimeoutMS = 30000
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.MemoryHits <= 0 {
		cfg.MemoryHits = 3
	}
	return cfg
}

// Kernel runs sessions through the state machine of spec.md §4.E.
type Kernel struct {
	cfg Config
}

// New constructs a Kernel. Runtime, Registry, and Planner must be
// non-nil; Journal, Usage, and Memory may be nil for a degraded mode
// (no audit trail / no cost tracking / no cross-session memory,
// respectively) that is still useful for tests.
func New(cfg Config) *Kernel {
	return &Kernel{cfg: sanitizeConfig(cfg)}
}

// CreateSession builds a new Session in the created state. It does not
// start the run loop; call Run to drive it to a terminal state.
func (k *Kernel) CreateSession(task Task, mode registry.DispatchMode, limits Limits, policy permission.PolicyProfile) *Session {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	session := &Session{
		SessionID: uuid.NewString(),
		Task:      task,
		Mode:      mode,
		Status:    StatusCreated,
		CreatedAt: time.Now().UTC(),
		Limits:    limits,
		Policy:    policy,
		TaskState: taskstate.New(),
	}
	k.emitLogged(session.SessionID, "session.created", map[string]any{
		"task_id": task.TaskID,
		"mode":    string(mode),
	})
	return session
}

// Run drives session from created through planning/running iterations
// to a terminal status, per spec.md §4.E's state machine and run loop.
func (k *Kernel) Run(ctx context.Context, session *Session) error {
	if session.Status.Terminal() {
		return fmt.Errorf("kernel: session %s is already terminal (%s)", session.SessionID, session.Status)
	}

	if err := k.emit(session.SessionID, "session.started", map[string]any{}); err != nil {
		k.abort(session, err)
		return err
	}

	memoryHits := k.queryMemory(ctx, session)
	var plannerCtx PlannerContext

	for {
		if err := ctx.Err(); err != nil {
			k.abort(session, err)
			return err
		}

		session.Status = StatusPlanning
		session.PlanIteration++

		plan, done, err := k.planIteration(ctx, session, plannerCtx, memoryHits)
		if err != nil {
			k.fail(session, "PlannerError", err.Error())
			k.extractLesson(ctx, session)
			return nil
		}
		if done {
			session.Status = StatusCompleted
			if err := k.emit(session.SessionID, "session.completed", map[string]any{
				"plan_iterations": session.PlanIteration,
			}); err != nil {
				k.fail(session, "JournalError", err.Error())
				k.extractLesson(ctx, session)
				return err
			}
			k.extractLesson(ctx, session)
			return nil
		}

		session.Plan = plan
		session.Status = StatusRunning
		if session.TaskState != nil {
			planView := taskstate.PlanView{PlanID: plan.PlanID, Goal: plan.Goal}
			for _, step := range plan.Steps {
				planView.Steps = append(planView.Steps, taskstate.PlanStepView{StepID: step.StepID, Title: step.Title})
			}
			session.TaskState.SetPlan(planView)
		}

		outcomes, _, terminal := k.runSteps(ctx, session, plan)
		plannerCtx.PreviousPlans = append(plannerCtx.PreviousPlans, PreviousPlanContext{Plan: *plan, Outcomes: outcomes})
		plannerCtx.StepOutcomes = outcomes
		plannerCtx.FindingsDigest = summarizeOutcomes(outcomes)

		if terminal {
			k.extractLesson(ctx, session)
			return nil
		}

		if breach := k.checkLimits(session); breach != "" {
			k.fail(session, "LimitExceeded", breach)
			k.extractLesson(ctx, session)
			return nil
		}

		// Every step ran (possibly with some continued past failures) or
		// a step explicitly asked to replan; either way control returns
		// to the planner for the next iteration, which is how an
		// agentic session discovers it is done (an empty plan).

		if session.Limits.MaxIterations > 0 && session.PlanIteration >= session.Limits.MaxIterations {
			k.fail(session, "LimitExceeded", "max_iterations reached")
			k.extractLesson(ctx, session)
			return nil
		}

		if err := k.emit(session.SessionID, "session.checkpoint", map[string]any{
			"plan_iteration": session.PlanIteration,
			"steps_executed": session.StepsExecuted,
		}); err != nil {
			k.fail(session, "JournalError", err.Error())
			k.extractLesson(ctx, session)
			return err
		}
	}
}

// Abort transitions a planning or running session to aborted. It is a
// no-op (returns an error) for a session already in a terminal state.
func (k *Kernel) Abort(session *Session, reason string) error {
	if session.Status.Terminal() {
		return fmt.Errorf("kernel: cannot abort terminal session %s", session.SessionID)
	}
	k.abort(session, fmt.Errorf("%s", reason))
	return nil
}

func (k *Kernel) abort(session *Session, cause error) {
	session.Status = StatusAborted
	session.FailureReason = &StepError{Code: "UserAbort", Message: cause.Error()}
	k.emitLogged(session.SessionID, "session.aborted", map[string]any{"reason": cause.Error()})
}

func (k *Kernel) fail(session *Session, code, message string) {
	session.Status = StatusFailed
	session.FailureReason = &StepError{Code: code, Message: message}
	k.emitLogged(session.SessionID, "session.failed", map[string]any{
		"code": code, "message": message,
	})
}

func summarizeOutcomes(outcomes []toolruntime.StepResult) string {
	succeeded, failed := 0, 0
	for _, o := range outcomes {
		if o.Status == toolruntime.StatusSucceeded {
			succeeded++
		} else if o.Status == toolruntime.StatusFailed {
			failed++
		}
	}
	return fmt.Sprintf("%d succeeded, %d failed", succeeded, failed)
}

// emit appends a lifecycle event for sessionID to the journal. A nil
// Journal makes this a no-op. Per spec.md §7, a configured journal's
// append failures are Fatal; Run surfaces the returned error instead
// of treating the event as best-effort.
func (k *Kernel) emit(sessionID, eventType string, payload map[string]any) error {
	if k.cfg.Journal == nil {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if _, err := k.cfg.Journal.Append(Event{
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("kernel: journal append %s for session %s: %w", eventType, sessionID, err)
	}
	return nil
}

// emitLogged is emit for call sites inside helpers that don't return an
// error to Run (planner/step/memory sub-events): a failed append is
// logged rather than silently dropped.
func (k *Kernel) emitLogged(sessionID, eventType string, payload map[string]any) {
	if err := k.emit(sessionID, eventType, payload); err != nil {
		slog.Error("journal append failed", "event", eventType, "session_id", sessionID, "error", err)
	}
}
