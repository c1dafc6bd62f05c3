package kernel

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentkernel/runtime/internal/usage"
)

// MockPlanner is a deterministic Planner for the echo-style scenarios
// spec.md §8 describes and for tests that need a planner without a
// live LLM. It issues one plan invoking the first tool in the catalog
// with a fixed input on its first call, then signals "done" (an empty
// plan) on every subsequent call for the same session.
//
// This treats the planner purely as an injected capability interface,
// the way goa-ai's planner package does, since the teacher has no
// planning-oracle abstraction of its own to generalize.
type MockPlanner struct {
	// ToolName is the tool the single generated step invokes. Defaults
	// to the first catalog entry if empty.
	ToolName string
	// Input is the JSON input handed to that step. Defaults to `{}`.
	Input []byte
}

// NewMockPlanner constructs a MockPlanner.
func NewMockPlanner(toolName string, input []byte) *MockPlanner {
	return &MockPlanner{ToolName: toolName, Input: input}
}

// GeneratePlan implements Planner.
func (p *MockPlanner) GeneratePlan(ctx context.Context, task Task, toolCatalog []ToolCatalogEntry, accumulated PlannerContext, memoryHits []MemoryHit, opts PlannerOptions) (PlannerResult, error) {
	if err := ctx.Err(); err != nil {
		return PlannerResult{}, err
	}

	if len(accumulated.PreviousPlans) > 0 {
		// Agentic "done" signal: an empty plan on any iteration after
		// the first.
		return PlannerResult{Plan: &Plan{PlanID: uuid.NewString(), Steps: nil}, Usage: usage.Usage{InputTokens: 10, OutputTokens: 5}}, nil
	}

	toolName := p.ToolName
	if toolName == "" && len(toolCatalog) > 0 {
		toolName = toolCatalog[0].Name
	}
	if toolName == "" {
		return PlannerResult{}, fmt.Errorf("mock planner: no tool available in catalog for task %q", task.Text)
	}

	input := p.Input
	if input == nil {
		input = []byte(`{}`)
	}

	plan := &Plan{
		PlanID:        uuid.NewString(),
		SchemaVersion: "1",
		Goal:          task.Text,
		Steps: []Step{
			{
				StepID:        uuid.NewString(),
				Title:         fmt.Sprintf("invoke %s", toolName),
				ToolRef:       ToolRef{Name: toolName},
				Input:         input,
				FailurePolicy: FailureAbort,
				TimeoutMS:     5000,
				MaxRetries:    0,
			},
		},
	}

	return PlannerResult{Plan: plan, Usage: usage.Usage{InputTokens: 50, OutputTokens: 20}}, nil
}
