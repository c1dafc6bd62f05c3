// Package kernel runs sessions through the planning/execution state
// machine described in spec.md §4.E: ask a Planner for a Plan, execute
// each Step through the Tool Runtime, retry transient failures, apply
// failure policy, and optionally re-plan until the Planner signals
// completion or a limit fires.
package kernel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentkernel/runtime/internal/permission"
	"github.com/agentkernel/runtime/internal/registry"
	"github.com/agentkernel/runtime/internal/taskstate"
	"github.com/agentkernel/runtime/internal/toolruntime"
	"github.com/agentkernel/runtime/internal/usage"
)

// SessionStatus is a state in the session state machine of spec.md §4.E.
type SessionStatus string

const (
	StatusCreated   SessionStatus = "created"
	StatusPlanning  SessionStatus = "planning"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusAborted   SessionStatus = "aborted"
)

// Terminal reports whether status is one of the state machine's
// absorbing states.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Task is the immutable unit of work a session was created to perform.
type Task struct {
	TaskID      string    `json:"task_id"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
	SubmittedBy string    `json:"submitted_by,omitempty"`
}

// FailurePolicy is the step-level response to a terminal StepResult
// failure.
type FailurePolicy string

const (
	FailureAbort   FailurePolicy = "abort"
	FailureContinue FailurePolicy = "continue"
	FailureReplan  FailurePolicy = "replan"
)

// ToolRef identifies the tool a step invokes.
type ToolRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Step is one unit of work within a Plan.
type Step struct {
	StepID          string          `json:"step_id"`
	Title           string          `json:"title"`
	ToolRef         ToolRef         `json:"tool_ref"`
	Input           json.RawMessage `json:"input"`
	SuccessCriteria []string        `json:"success_criteria,omitempty"`
	FailurePolicy   FailurePolicy   `json:"failure_policy"`
	TimeoutMS       int64           `json:"timeout_ms"`
	MaxRetries      int             `json:"max_retries"`
}

// Plan is an ordered, immutable sequence of steps produced by a Planner.
type Plan struct {
	PlanID        string   `json:"plan_id"`
	SchemaVersion string   `json:"schema_version"`
	Goal          string   `json:"goal"`
	Assumptions   []string `json:"assumptions,omitempty"`
	Steps         []Step   `json:"steps"`
}

// Limits bounds a session's resource consumption, checked after every
// plan iteration per spec.md §4.E step 6.
type Limits struct {
	MaxSteps      int     `json:"max_steps,omitempty"`
	MaxDurationMS int64   `json:"max_duration_ms,omitempty"`
	MaxCostUSD    float64 `json:"max_cost_usd,omitempty"`
	MaxTokens     int64   `json:"max_tokens,omitempty"`
	MaxIterations int     `json:"max_iterations,omitempty"`
}

// Session is the mutable record of one end-to-end task execution.
type Session struct {
	SessionID     string                   `json:"session_id"`
	Task          Task                     `json:"task"`
	Mode          registry.DispatchMode    `json:"mode"`
	Status        SessionStatus            `json:"status"`
	CreatedAt     time.Time                `json:"created_at"`
	Limits        Limits                   `json:"limits"`
	Policy        permission.PolicyProfile `json:"policy"`
	Plan          *Plan                    `json:"plan,omitempty"`
	PlanIteration int                      `json:"plan_iteration"`
	Usage         usage.Usage              `json:"usage"`
	CostUSD       float64                  `json:"cost_usd"`
	StepsExecuted int                      `json:"steps_executed"`
	FailureReason *StepError               `json:"failure_reason,omitempty"`

	// TaskState holds the plan snapshot, per-step results, and artifact
	// map of spec.md §4.G. Excluded from JSON: it is process-local
	// working state, not part of the session record journaled to disk.
	TaskState *taskstate.TaskState `json:"-"`
}

// StepError is the {code, message} pair a failed session/step carries.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PreviousPlanContext is one entry of the agentic cross-iteration
// envelope's previous_plans list (SPEC_FULL.md §9.4).
type PreviousPlanContext struct {
	Plan     Plan                     `json:"plan"`
	Outcomes []toolruntime.StepResult `json:"outcomes"`
}

// PlannerContext is the accumulated context passed to the planner on
// every iteration after the first, per SPEC_FULL.md §9's pinned
// cross-iteration envelope.
type PlannerContext struct {
	PreviousPlans   []PreviousPlanContext `json:"previous_plans"`
	StepOutcomes    []toolruntime.StepResult `json:"step_outcomes"`
	FindingsDigest  string                 `json:"findings_digest"`
}

// MemoryHit is one Active Memory lesson surfaced to the planner at
// session start.
type MemoryHit struct {
	LessonID   string  `json:"lesson_id"`
	TaskSummary string `json:"task_summary"`
	Lesson     string  `json:"lesson"`
	Score      float64 `json:"score"`
}

// PlannerOptions bounds a single generatePlan call.
type PlannerOptions struct {
	TimeoutMS int64
}

// PlannerResult is what a Planner returns for one generatePlan call.
type PlannerResult struct {
	Plan  *Plan
	Usage usage.Usage
}

// Planner is the injected capability interface spec.md §6 calls
// generatePlan: a black box bound by a caller-provided timeout. An
// empty (nil or zero-step) Plan means "task is done" per spec.md §4.E
// step 4 and the agentic "done" signal in step 7.
type Planner interface {
	GeneratePlan(ctx context.Context, task Task, toolCatalog []ToolCatalogEntry, accumulated PlannerContext, memoryHits []MemoryHit, opts PlannerOptions) (PlannerResult, error)
}

// ToolCatalogEntry is the compact manifest projection passed to the
// planner, mirroring internal/registry.CatalogEntry without importing
// registry types directly into the planner-facing surface.
type ToolCatalogEntry struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Permissions  []string        `json:"permissions"`
}
