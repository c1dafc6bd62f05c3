package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentkernel/runtime/internal/kernel"
	"github.com/agentkernel/runtime/internal/registry"
)

// mockPlanner is a deterministic, single-iteration Planner for "agentrt
// run": it builds one plan with one step for every tool in the catalog,
// then signals "done" on the next iteration. Real
// deployments inject an LLM-backed Planner instead; this is the demo
// stand-in that exercises the whole kernel loop without one.
type mockPlanner struct {
	reg *registry.Registry
}

func newMockPlanner(reg *registry.Registry) kernel.Planner {
	return &mockPlanner{reg: reg}
}

func (p *mockPlanner) GeneratePlan(ctx context.Context, task kernel.Task, toolCatalog []kernel.ToolCatalogEntry, accumulated kernel.PlannerContext, memoryHits []kernel.MemoryHit, opts kernel.PlannerOptions) (kernel.PlannerResult, error) {
	if len(accumulated.PreviousPlans) > 0 {
		// A plan already ran; signal completion.
		return kernel.PlannerResult{Plan: nil}, nil
	}

	var steps []kernel.Step
	for i, entry := range toolCatalog {
		input, err := demoInputFor(entry.Name, task)
		if err != nil {
			return kernel.PlannerResult{}, fmt.Errorf("mock planner: %w", err)
		}
		steps = append(steps, kernel.Step{
			StepID:        fmt.Sprintf("step-%d", i+1),
			Title:         fmt.Sprintf("invoke %s", entry.Name),
			ToolRef:       kernel.ToolRef{Name: entry.Name},
			Input:         input,
			FailurePolicy: kernel.FailureContinue,
			TimeoutMS:     5000,
			MaxRetries:    1,
		})
	}

	plan := &kernel.Plan{
		PlanID:        uuid.NewString(),
		SchemaVersion: "1.0",
		Goal:          task.Text,
		Steps:         steps,
	}
	return kernel.PlannerResult{Plan: plan}, nil
}

func demoInputFor(toolName string, task kernel.Task) (json.RawMessage, error) {
	var payload map[string]any
	switch toolName {
	case "fetch_status":
		payload = map[string]any{"service": task.Text}
	case "run_smoke_test":
		payload = map[string]any{"service": task.Text}
	case "notify_channel":
		payload = map[string]any{"channel": "ops", "message": fmt.Sprintf("task %q executed", task.Text)}
	default:
		payload = map[string]any{}
	}
	return json.Marshal(payload)
}
