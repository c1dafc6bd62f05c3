// Package taskstate holds the per-session plan snapshot, step results,
// and artifact map described in spec.md §4.G, plus a bounded ephemeral
// Working Memory keyed by session_id. It mirrors the shapes of
// internal/kernel's Plan/Step/StepResult rather than importing that
// package, the same "accept the shape, not the dependency" pattern
// internal/kernel itself uses for its EventAppender/MemoryStore
// interfaces.
package taskstate

import (
	"sync"
	"time"
)

// StepOutcome is one step's result as recorded into a TaskState.
type StepOutcome struct {
	StepID       string    `json:"step_id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempts     int       `json:"attempts"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// PlanView is the subset of a Plan a TaskState needs to compute
// aggregates and ordered step titles.
type PlanView struct {
	PlanID string
	Goal   string
	Steps  []PlanStepView
}

// PlanStepView is one step's identity within a PlanView.
type PlanStepView struct {
	StepID string
	Title  string
}

// Snapshot is a read-only aggregate view of a TaskState, per spec.md
// §4.G's "total_steps, completed_steps, failed_steps, step_titles".
type Snapshot struct {
	PlanID        string
	Goal          string
	TotalSteps    int
	CompletedSteps int
	FailedSteps   int
	StepTitles    []string
	Artifacts     map[string]any
}

// TaskState is the per-session plan/step-result/artifact record of
// spec.md §4.G. The Kernel owns one per session exclusively, so the
// zero value is never shared across sessions.
type TaskState struct {
	mu          sync.RWMutex
	plan        *PlanView
	stepResults map[string]StepOutcome
	stepOrder   []string
	artifacts   map[string]any
}

// New constructs an empty TaskState.
func New() *TaskState {
	return &TaskState{
		stepResults: make(map[string]StepOutcome),
		artifacts:   make(map[string]any),
	}
}

// SetPlan replaces the current plan view. Called once per plan
// iteration when the Kernel accepts a new plan from the planner.
func (ts *TaskState) SetPlan(plan PlanView) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.plan = &plan
}

// RecordStep records or overwrites a step's outcome, tracking first-
// seen order so Snapshot's StepTitles stays stable across replans that
// re-touch the same step id.
func (ts *TaskState) RecordStep(outcome StepOutcome) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, exists := ts.stepResults[outcome.StepID]; !exists {
		ts.stepOrder = append(ts.stepOrder, outcome.StepID)
	}
	ts.stepResults[outcome.StepID] = outcome
}

// StepResult returns a step's recorded outcome, if any.
func (ts *TaskState) StepResult(stepID string) (StepOutcome, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	o, ok := ts.stepResults[stepID]
	return o, ok
}

// SetArtifact stores a named artifact produced by a step or the
// planner.
func (ts *TaskState) SetArtifact(key string, value any) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.artifacts[key] = value
}

// Artifact returns a named artifact, if present.
func (ts *TaskState) Artifact(key string) (any, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	v, ok := ts.artifacts[key]
	return v, ok
}

// Snapshot returns a read-only aggregate view of the task state.
func (ts *TaskState) Snapshot() Snapshot {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	snap := Snapshot{
		Artifacts: make(map[string]any, len(ts.artifacts)),
	}
	for k, v := range ts.artifacts {
		snap.Artifacts[k] = v
	}
	if ts.plan != nil {
		snap.PlanID = ts.plan.PlanID
		snap.Goal = ts.plan.Goal
		snap.TotalSteps = len(ts.plan.Steps)
		for _, s := range ts.plan.Steps {
			snap.StepTitles = append(snap.StepTitles, s.Title)
		}
	}
	for _, id := range ts.stepOrder {
		switch ts.stepResults[id].Status {
		case "succeeded":
			snap.CompletedSteps++
		case "failed":
			snap.FailedSteps++
		}
	}
	return snap
}
