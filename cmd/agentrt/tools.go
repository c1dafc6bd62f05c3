package main

import (
	"encoding/json"

	"github.com/agentkernel/runtime/internal/registry"
)

// registerDemoTools registers the small, mock-only tool catalog "agentrt
// run" exercises: enough of a catalog for the mock planner to build a
// multi-step plan against, every tool declaring a deterministic
// mock_responses list per spec.md §4.B's mock-support invariant.
func registerDemoTools(reg *registry.Registry) error {
	manifests := []registry.ToolManifest{
		{
			Name:         "fetch_status",
			Version:      "1.0.0",
			Description:  "Reports the current status of a named service.",
			Runner:       "builtin",
			InputSchema:  mustSchema(`{"type":"object","properties":{"service":{"type":"string"}},"required":["service"]}`),
			OutputSchema: mustSchema(`{"type":"object","properties":{"status":{"type":"string"}},"required":["status"]}`),
			Permissions:  []string{"network:http:status"},
			TimeoutMS:    5000,
			Supports:     registry.Supports{Mock: true, DryRun: true},
			MockResponses: []json.RawMessage{
				json.RawMessage(`{"status":"healthy"}`),
			},
		},
		{
			Name:         "run_smoke_test",
			Version:      "1.0.0",
			Description:  "Runs the smoke test suite against a named service.",
			Runner:       "builtin",
			InputSchema:  mustSchema(`{"type":"object","properties":{"service":{"type":"string"}},"required":["service"]}`),
			OutputSchema: mustSchema(`{"type":"object","properties":{"passed":{"type":"boolean"}},"required":["passed"]}`),
			Permissions:  []string{"system:exec:smoke-test"},
			TimeoutMS:    30000,
			Supports:     registry.Supports{Mock: true, DryRun: true},
			MockResponses: []json.RawMessage{
				json.RawMessage(`{"passed":true}`),
			},
		},
		{
			Name:         "notify_channel",
			Version:      "1.0.0",
			Description:  "Posts a message to a notification channel.",
			Runner:       "builtin",
			InputSchema:  mustSchema(`{"type":"object","properties":{"channel":{"type":"string"},"message":{"type":"string"}},"required":["channel","message"]}`),
			OutputSchema: mustSchema(`{"type":"object","properties":{"delivered":{"type":"boolean"}},"required":["delivered"]}`),
			Permissions:  []string{"notify:channel"},
			TimeoutMS:    5000,
			Supports:     registry.Supports{Mock: true},
			MockResponses: []json.RawMessage{
				json.RawMessage(`{"delivered":true}`),
			},
		},
	}

	for _, m := range manifests {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func mustSchema(s string) json.RawMessage {
	return json.RawMessage(s)
}
