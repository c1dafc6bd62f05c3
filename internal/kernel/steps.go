package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/agentkernel/runtime/internal/registry"
	"github.com/agentkernel/runtime/internal/retry"
	"github.com/agentkernel/runtime/internal/taskstate"
	"github.com/agentkernel/runtime/internal/toolruntime"
	"github.com/agentkernel/runtime/internal/usage"
)

// planIteration performs spec.md §4.E's run-loop steps 1-4: ask the
// planner, record its plan, and report whether the task is done (an
// empty plan means "done").
func (k *Kernel) planIteration(ctx context.Context, session *Session, accumulated PlannerContext, memoryHits []MemoryHit) (*Plan, bool, error) {
	k.emitLogged(session.SessionID, "planner.requested", map[string]any{
		"iteration": session.PlanIteration,
	})

	plannerCtx, cancel := context.WithTimeout(ctx, time.Duration(k.cfg.PlannerTimeoutMS)*time.Millisecond)
	defer cancel()

	catalog := k.toolCatalog()
	result, err := k.cfg.Planner.GeneratePlan(plannerCtx, session.Task, catalog, accumulated, memoryHits, PlannerOptions{TimeoutMS: k.cfg.PlannerTimeoutMS})
	if err != nil {
		return nil, false, fmt.Errorf("generatePlan: %w", err)
	}

	k.recordUsage(session, result.Usage)

	k.emitLogged(session.SessionID, "planner.plan_received", map[string]any{
		"iteration": session.PlanIteration,
	})

	if result.Plan == nil || len(result.Plan.Steps) == 0 {
		return nil, true, nil
	}

	k.emitLogged(session.SessionID, "plan.accepted", map[string]any{
		"plan_id": result.Plan.PlanID,
		"steps":   len(result.Plan.Steps),
	})

	return result.Plan, false, nil
}

func (k *Kernel) toolCatalog() []ToolCatalogEntry {
	if k.cfg.Registry == nil {
		return nil
	}
	manifests := k.cfg.Registry.List()
	catalog := make([]ToolCatalogEntry, 0, len(manifests))
	for _, m := range manifests {
		catalog = append(catalog, ToolCatalogEntry{
			Name:         m.Name,
			Description:  m.Description,
			InputSchema:  m.InputSchema,
			OutputSchema: m.OutputSchema,
			Permissions:  m.Permissions,
		})
	}
	return catalog
}

func (k *Kernel) recordUsage(session *Session, u usage.Usage) {
	session.Usage.Add(&u)
	if k.cfg.Usage == nil {
		return
	}
	k.cfg.Usage.Record(usage.Record{
		SessionID: session.SessionID,
		Provider:  "planner",
		Usage:     u,
	})
	k.emitLogged(session.SessionID, "usage.recorded", map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
	})
}

// runSteps executes a plan's steps in order per spec.md §4.E step 5,
// returning the accumulated StepResults, whether a replan was
// requested, and whether the session reached a terminal status.
func (k *Kernel) runSteps(ctx context.Context, session *Session, plan *Plan) (outcomes []toolruntime.StepResult, replanRequested bool, terminal bool) {
	for i, step := range plan.Steps {
		if breach := k.checkLimits(session); breach != "" {
			k.fail(session, "LimitExceeded", breach)
			return outcomes, false, true
		}

		k.emitLogged(session.SessionID, "step.started", map[string]any{
			"step_id": step.StepID, "title": step.Title,
		})

		result := k.executeStepWithRetry(ctx, session, step, i)
		outcomes = append(outcomes, result)
		session.StepsExecuted++

		if session.TaskState != nil {
			status := "succeeded"
			if result.Status != toolruntime.StatusSucceeded {
				status = "failed"
			}
			session.TaskState.RecordStep(taskstate.StepOutcome{
				StepID:       step.StepID,
				Title:        step.Title,
				Status:       status,
				ErrorCode:    errCode(result),
				ErrorMessage: errMessage(result),
				Attempts:     result.Attempts,
				StartedAt:    result.StartedAt,
				FinishedAt:   result.FinishedAt,
			})
		}

		if result.Status == toolruntime.StatusSucceeded {
			k.emitLogged(session.SessionID, "step.succeeded", map[string]any{
				"step_id": step.StepID, "attempts": result.Attempts,
			})
		} else {
			k.emitLogged(session.SessionID, "step.failed", map[string]any{
				"step_id": step.StepID, "attempts": result.Attempts,
				"error_code": errCode(result), "error": errMessage(result),
			})

			switch step.FailurePolicy {
			case FailureContinue:
				// move on; the next step's limit check runs first
			case FailureReplan:
				replanRequested = true
				return outcomes, replanRequested, false
			case FailureAbort, "":
				fallthrough
			default:
				k.fail(session, errCode(result), errMessage(result))
				return outcomes, false, true
			}
		}
	}
	return outcomes, replanRequested, false
}

func errCode(r toolruntime.StepResult) string {
	if r.Error == nil {
		return ""
	}
	return string(r.Error.Code)
}

func errMessage(r toolruntime.StepResult) string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// transientKinds is the fixed taxonomy spec.md §4.E/§7 retries with
// exponential backoff; every other ErrorKind is permanent.
var transientKinds = map[toolruntime.ErrorKind]bool{
	toolruntime.ErrorTransient: true,
	toolruntime.ErrorTimedOut:  true,
}

// executeStepWithRetry delegates to the Tool Runtime up to
// step.MaxRetries+1 times, backing off exponentially with jitter
// between attempts, only for the transient error taxonomy.
func (k *Kernel) executeStepWithRetry(ctx context.Context, session *Session, step Step, index int) toolruntime.StepResult {
	policy := retry.Policy{
		MaxAttempts:  step.MaxRetries + 1,
		InitialDelay: k.cfg.RetryInitialDelay,
		MaxDelay:     k.cfg.RetryMaxDelay,
		Factor:       2.0,
		Jitter:       true,
	}

	var last toolruntime.StepResult
	attemptsMade := 0
	retry.Run(ctx, policy, func() error {
		attemptsMade++
		last = k.cfg.Runtime.Run(ctx, toolruntime.StepRequest{
			SessionID:   session.SessionID,
			StepID:      step.StepID,
			StepIndex:   index,
			ToolName:    step.ToolRef.Name,
			Input:       step.Input,
			TimeoutMS:   step.TimeoutMS,
			Permissions: toolPermissions(k.cfg.Registry, step.ToolRef.Name),
			Policy:      session.Policy,
			Mode:        session.Mode,
		})
		if last.Status == toolruntime.StatusSucceeded {
			return nil
		}
		if last.Error != nil && transientKinds[last.Error.Code] {
			return fmt.Errorf("%s", last.Error.Message)
		}
		return retry.Fatal(fmt.Errorf("%s", errMessage(last)))
	})

	last.Attempts = attemptsMade
	return last
}

func toolPermissions(reg *registry.Registry, toolName string) []string {
	if reg == nil {
		return nil
	}
	manifest, ok := reg.Get(toolName)
	if !ok {
		return nil
	}
	return manifest.Permissions
}

// checkLimits implements spec.md §4.E step 6: returns a non-empty
// reason string naming the first breached limit, or "" if none breached.
func (k *Kernel) checkLimits(session *Session) string {
	l := session.Limits
	if l.MaxSteps > 0 && session.StepsExecuted >= l.MaxSteps {
		return fmt.Sprintf("max_steps reached: %d >= %d", session.StepsExecuted, l.MaxSteps)
	}
	if l.MaxDurationMS > 0 {
		elapsed := time.Since(session.CreatedAt).Milliseconds()
		if elapsed > l.MaxDurationMS {
			return fmt.Sprintf("max_duration_ms exceeded: %d > %d", elapsed, l.MaxDurationMS)
		}
	}
	if l.MaxCostUSD > 0 && session.CostUSD > l.MaxCostUSD {
		return fmt.Sprintf("max_cost_usd exceeded: %.4f > %.4f", session.CostUSD, l.MaxCostUSD)
	}
	if l.MaxTokens > 0 && session.Usage.Total() > l.MaxTokens {
		return fmt.Sprintf("max_tokens exceeded: %d > %d", session.Usage.Total(), l.MaxTokens)
	}
	return ""
}

// queryMemory implements spec.md §4.E's cross-session memory lookup at
// session start.
func (k *Kernel) queryMemory(ctx context.Context, session *Session) []MemoryHit {
	if k.cfg.Memory == nil {
		return nil
	}
	return k.cfg.Memory.Query(ctx, session.Task.Text, nil, k.cfg.MemoryHits)
}

// extractLesson implements spec.md §4.E's end-of-session lesson
// synthesis and appends it to Active Memory.
func (k *Kernel) extractLesson(ctx context.Context, session *Session) {
	if k.cfg.Memory == nil {
		return
	}
	toolNames := map[string]bool{}
	if session.Plan != nil {
		for _, s := range session.Plan.Steps {
			toolNames[s.ToolRef.Name] = true
		}
	}
	names := make([]string, 0, len(toolNames))
	for n := range toolNames {
		names = append(names, n)
	}

	lesson := Lesson{
		LessonID:    "",
		TaskSummary: session.Task.Text,
		Outcome:     session.Status,
		Lesson:      summarizeSession(session),
		ToolNames:   names,
		SessionID:   session.SessionID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := k.cfg.Memory.AppendLesson(ctx, lesson); err == nil {
		k.emitLogged(session.SessionID, "memory.lesson_extracted", map[string]any{
			"outcome": string(session.Status),
		})
	}
}

func summarizeSession(session *Session) string {
	reason := ""
	if session.FailureReason != nil {
		reason = ": " + session.FailureReason.Message
	}
	return fmt.Sprintf("task %q finished %s after %d step(s) over %d plan iteration(s)%s",
		session.Task.Text, session.Status, session.StepsExecuted, session.PlanIteration, reason)
}
