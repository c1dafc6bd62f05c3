// Package toolruntime resolves a tool manifest, checks permissions,
// dispatches a single step to a handler under a requested mode, and
// reports the outcome. It never retries; retry policy belongs to the
// kernel that calls it.
package toolruntime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentkernel/runtime/internal/permission"
	"github.com/agentkernel/runtime/internal/registry"
)

// ErrorKind classifies a StepResult's failure, matching spec.md §7's
// taxonomy as it applies to a single tool invocation.
type ErrorKind string

const (
	ErrorToolNotFound     ErrorKind = "ToolNotFound"
	ErrorInvalidInput     ErrorKind = "InvalidInput"
	ErrorPermissionDenied ErrorKind = "PermissionDenied"
	ErrorModeUnsupported  ErrorKind = "ModeUnsupported"
	ErrorOutputInvalid    ErrorKind = "OutputInvalid"
	ErrorTimedOut         ErrorKind = "TimedOut"
	ErrorTransient        ErrorKind = "Transient"
	ErrorHandlerFailed    ErrorKind = "HandlerFailed"
)

// StepError is the {code, message} pair a failed StepResult carries.
type StepError struct {
	Code    ErrorKind `json:"code"`
	Message string    `json:"message"`
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

// StepRequest is everything the runtime needs to execute one step. The
// kernel builds this from its own Step/Session types.
type StepRequest struct {
	SessionID      string
	StepID         string
	StepIndex      int // position of this step within its session, for mock round-robin
	ToolName       string
	Input          json.RawMessage
	TimeoutMS      int64
	Permissions    []string // scopes this step needs granted
	Policy         permission.PolicyProfile
	Mode           registry.DispatchMode
}

// StepStatus mirrors spec.md §3's StepResult.status enum.
type StepStatus string

const (
	StatusSucceeded StepStatus = "succeeded"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
)

// StepResult is the outcome of one Run call.
type StepResult struct {
	StepID     string          `json:"step_id"`
	Status     StepStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *StepError      `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Attempts   int             `json:"attempts"`
}

// Handler is the real implementation of a tool. It receives the step
// input, the active policy, and any constraints an allow_constrained
// permission decision attached, and returns the raw output to validate
// against the manifest's output_schema.
type Handler func(ctx context.Context, input json.RawMessage, policy permission.PolicyProfile, constraints map[string]any) (json.RawMessage, error)
