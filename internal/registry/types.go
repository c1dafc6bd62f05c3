// Package registry loads declarative tool manifests from disk and serves
// them to the kernel, permission engine, and tool runtime.
package registry

import "encoding/json"

// DispatchMode names one of the three ways the tool runtime can invoke a
// tool: against the real world, as a side-effect-free dry run, or against
// a deterministic canned response.
type DispatchMode string

const (
	ModeReal   DispatchMode = "real"
	ModeDryRun DispatchMode = "dry_run"
	ModeMock   DispatchMode = "mock"
)

// Supports records which dispatch modes a tool manifest declares handlers
// for.
type Supports struct {
	Real   bool `json:"real" yaml:"real"`
	DryRun bool `json:"dry_run" yaml:"dry_run"`
	Mock   bool `json:"mock" yaml:"mock"`
}

// Allows reports whether mode is one this manifest declares support for.
func (s Supports) Allows(mode DispatchMode) bool {
	switch mode {
	case ModeReal:
		return s.Real
	case ModeDryRun:
		return s.DryRun
	case ModeMock:
		return s.Mock
	default:
		return false
	}
}

// ToolManifest is the declarative, immutable description of a tool: its
// name, its I/O contract, the permission scopes it needs, and which
// dispatch modes it supports. Manifests are keyed uniquely by Name.
type ToolManifest struct {
	Name         string          `json:"name" yaml:"name"`
	Version      string          `json:"version" yaml:"version"`
	Description  string          `json:"description" yaml:"description"`
	Runner       string          `json:"runner" yaml:"runner"`
	InputSchema  json.RawMessage `json:"input_schema" yaml:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema" yaml:"output_schema"`
	Permissions  []string        `json:"permissions" yaml:"permissions"`
	TimeoutMS    int64           `json:"timeout_ms" yaml:"timeout_ms"`
	Supports     Supports        `json:"supports" yaml:"supports"`
	MockResponses []json.RawMessage `json:"mock_responses,omitempty" yaml:"mock_responses,omitempty"`
}

// CatalogEntry is the compact, planner-facing projection of a manifest:
// enough for a planner to choose and invoke a tool without exposing
// runner details or mock machinery.
type CatalogEntry struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Permissions  []string        `json:"permissions"`
}
