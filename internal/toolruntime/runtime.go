package toolruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentkernel/runtime/internal/permission"
	"github.com/agentkernel/runtime/internal/registry"
)

// EventEmitter reports tool.started/tool.succeeded/tool.failed events
// without this package importing internal/journal directly. An error
// return lets a failed journal append be logged instead of discarded.
type EventEmitter func(eventType string, payload map[string]any) error

// Runtime dispatches steps to registered tool handlers.
type Runtime struct {
	registry   *registry.Registry
	permission *permission.Engine
	emit       EventEmitter

	mu       sync.Mutex
	handlers map[string]Handler
}

// New constructs a Runtime bound to reg for manifests and engine for
// permission checks. emit may be nil.
func New(reg *registry.Registry, engine *permission.Engine, emit EventEmitter) *Runtime {
	return &Runtime{
		registry:   reg,
		permission: engine,
		emit:       emit,
		handlers:   make(map[string]Handler),
	}
}

// RegisterHandler binds name's real-mode dispatch to fn.
func (rt *Runtime) RegisterHandler(name string, fn Handler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.handlers[name] = fn
}

// Run executes one step per spec.md §4.D's contract: resolve manifest,
// validate input, check permissions, check mode support, dispatch, then
// validate output.
func (rt *Runtime) Run(ctx context.Context, req StepRequest) StepResult {
	start := time.Now()
	result := StepResult{StepID: req.StepID, StartedAt: start, Attempts: 1}

	manifest, ok := rt.registry.Get(req.ToolName)
	if !ok {
		return rt.fail(result, ErrorToolNotFound, fmt.Sprintf("tool not found: %s", req.ToolName))
	}

	if err := registry.ValidateAgainstSchema(manifest.InputSchema, req.Input); err != nil {
		return rt.fail(result, ErrorInvalidInput, err.Error())
	}

	constraints, err := rt.checkPermissions(ctx, req)
	if err != nil {
		return rt.fail(result, ErrorPermissionDenied, err.Error())
	}

	if !manifest.Supports.Allows(req.Mode) {
		return rt.fail(result, ErrorModeUnsupported, fmt.Sprintf("tool %s does not support mode %s", req.ToolName, req.Mode))
	}

	rt.emitEvent("tool.started", req, map[string]any{"mode": string(req.Mode)})

	output, dispatchErr := rt.dispatch(ctx, manifest, req, constraints)
	if dispatchErr != nil {
		return rt.failWithEvent(result, req, classifyDispatchError(dispatchErr), dispatchErr.Error())
	}

	if err := registry.ValidateAgainstSchema(manifest.OutputSchema, output); err != nil {
		return rt.failWithEvent(result, req, ErrorOutputInvalid, err.Error(), map[string]any{"raw_output": string(output)})
	}

	result.Status = StatusSucceeded
	result.Output = output
	result.FinishedAt = time.Now()
	rt.emitEvent("tool.succeeded", req, map[string]any{
		"duration_ms": result.FinishedAt.Sub(start).Milliseconds(),
	})
	return result
}

func (rt *Runtime) checkPermissions(ctx context.Context, req StepRequest) (map[string]any, error) {
	if len(req.Permissions) == 0 || rt.permission == nil {
		return nil, nil
	}
	scopeReqs := make([]permission.ScopeRequest, len(req.Permissions))
	for i, s := range req.Permissions {
		scopeReqs[i] = permission.ScopeRequest{Scope: s}
	}
	permReq := permission.Request{
		RequestID:   req.StepID,
		SessionID:   req.SessionID,
		StepID:      req.StepID,
		ToolName:    req.ToolName,
		Permissions: scopeReqs,
	}
	result := rt.permission.Check(ctx, permReq, req.Policy)
	constraints := map[string]any{}
	for _, d := range result.Decisions {
		if !d.Allowed() {
			return nil, fmt.Errorf("permission denied for scope %s", d.Scope)
		}
		if d.Kind == permission.DecisionAllowConstrained && d.Constraints != nil {
			constraints[d.Scope] = d.Constraints
		}
	}
	return constraints, nil
}

// dispatch performs the mode-specific invocation described by spec.md
// §4.D step 5.
func (rt *Runtime) dispatch(ctx context.Context, manifest registry.ToolManifest, req StepRequest, constraints map[string]any) (json.RawMessage, error) {
	switch req.Mode {
	case registry.ModeMock:
		return rt.dispatchMock(manifest, req)
	case registry.ModeDryRun:
		return rt.dispatchDryRun(req)
	case registry.ModeReal:
		return rt.dispatchReal(ctx, manifest, req, constraints)
	default:
		return nil, fmt.Errorf("unknown dispatch mode: %s", req.Mode)
	}
}

// dispatchMock picks mock_responses[i] round-robin by step index within
// the session, per spec.md §4.D step 5.
func (rt *Runtime) dispatchMock(manifest registry.ToolManifest, req StepRequest) (json.RawMessage, error) {
	if len(manifest.MockResponses) == 0 {
		return nil, fmt.Errorf("tool %s has no mock_responses", req.ToolName)
	}
	idx := req.StepIndex % len(manifest.MockResponses)
	return manifest.MockResponses[idx], nil
}

func (rt *Runtime) dispatchDryRun(req StepRequest) (json.RawMessage, error) {
	envelope := map[string]any{
		"dry_run": true,
		"would":   fmt.Sprintf("invoke %s with the provided input", req.ToolName),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (rt *Runtime) dispatchReal(ctx context.Context, manifest registry.ToolManifest, req StepRequest, constraints map[string]any) (json.RawMessage, error) {
	rt.mu.Lock()
	handler, ok := rt.handlers[req.ToolName]
	rt.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no real handler registered for tool %s", req.ToolName)
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if req.TimeoutMS <= 0 {
		timeout = time.Duration(manifest.TimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		output json.RawMessage
		err    error
	}
	resultCh := make(chan execResult, 1)
	go func() {
		out, err := handler(toolCtx, req.Input, req.Policy, constraints)
		select {
		case resultCh <- execResult{output: out, err: err}:
		default:
		}
	}()

	select {
	case <-toolCtx.Done():
		if toolCtx.Err() == context.DeadlineExceeded {
			return nil, &StepError{Code: ErrorTimedOut, Message: fmt.Sprintf("tool execution timed out after %s", timeout)}
		}
		return nil, toolCtx.Err()
	case res := <-resultCh:
		return res.output, res.err
	}
}

func (rt *Runtime) fail(result StepResult, kind ErrorKind, message string) StepResult {
	result.Status = StatusFailed
	result.Error = &StepError{Code: kind, Message: message}
	result.FinishedAt = time.Now()
	return result
}

func (rt *Runtime) failWithEvent(result StepResult, req StepRequest, kind ErrorKind, message string, extra ...map[string]any) StepResult {
	result = rt.fail(result, kind, message)
	payload := map[string]any{
		"error_code":  string(kind),
		"error":       message,
		"duration_ms": result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	}
	for _, e := range extra {
		for k, v := range e {
			payload[k] = v
		}
	}
	rt.emitEvent("tool.failed", req, payload)
	return result
}

func (rt *Runtime) emitEvent(eventType string, req StepRequest, payload map[string]any) {
	if rt.emit == nil {
		return
	}
	full := map[string]any{
		"session_id": req.SessionID,
		"step_id":    req.StepID,
		"tool_name":  req.ToolName,
	}
	for k, v := range payload {
		full[k] = v
	}
	if err := rt.emit(eventType, full); err != nil {
		slog.Error("journal append failed", "event", eventType, "session_id", req.SessionID, "step_id", req.StepID, "error", err)
	}
}

// classifyDispatchError maps a dispatch error to an ErrorKind, preferring
// a *StepError's own Code when the handler (or timeout path) already
// classified it.
func classifyDispatchError(err error) ErrorKind {
	var stepErr *StepError
	if asStepError(err, &stepErr) {
		return stepErr.Code
	}
	return ErrorHandlerFailed
}

func asStepError(err error, target **StepError) bool {
	se, ok := err.(*StepError)
	if !ok {
		return false
	}
	*target = se
	return true
}
