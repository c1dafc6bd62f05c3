package permission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func allowOncePrompter() Prompter {
	return PrompterFunc(func(ctx context.Context, req Request, scope string) (Decision, error) {
		return Decision{Kind: DecisionAllowOnce}, nil
	})
}

func TestEngine_HardGateDeniesOutOfPolicyScope(t *testing.T) {
	e := New(EngineConfig{Prompter: allowOncePrompter()})
	policy := PolicyProfile{AllowedPaths: []string{"/workspace/*"}}

	req := Request{
		RequestID: "r1", SessionID: "s1", ToolName: "file_writer",
		Permissions: []ScopeRequest{{Scope: "filesystem:write:/etc/passwd"}},
	}
	result := e.Check(context.Background(), req, policy)
	if result.Allowed() {
		t.Fatal("expected deny for out-of-policy path, got allowed")
	}
	if result.Decisions[0].Kind != DecisionDeny {
		t.Errorf("Kind = %v, want deny", result.Decisions[0].Kind)
	}
}

func TestEngine_HardGateAllowsInPolicyScope(t *testing.T) {
	e := New(EngineConfig{Prompter: allowOncePrompter()})
	policy := PolicyProfile{AllowedPaths: []string{"/workspace/*"}}

	req := Request{
		RequestID: "r1", SessionID: "s1", ToolName: "file_writer",
		Permissions: []ScopeRequest{{Scope: "filesystem:write:/workspace/out.txt"}},
	}
	result := e.Check(context.Background(), req, policy)
	if !result.Allowed() {
		t.Fatal("expected allow for in-policy path")
	}
}

func TestEngine_PreGrantBypassesPrompt(t *testing.T) {
	called := false
	prompter := PrompterFunc(func(ctx context.Context, req Request, scope string) (Decision, error) {
		called = true
		return Decision{Kind: DecisionDeny}, nil
	})
	e := New(EngineConfig{PreGrants: []string{"domain:special"}, Prompter: prompter})

	req := Request{RequestID: "r1", SessionID: "s1", ToolName: "tool",
		Permissions: []ScopeRequest{{Scope: "domain:special"}}}
	result := e.Check(context.Background(), req, PolicyProfile{})
	if !result.Allowed() {
		t.Fatal("expected pre-grant to allow")
	}
	if called {
		t.Error("prompter should not have been called for a pre-granted scope")
	}
}

func TestEngine_SessionCacheShortCircuitsSubsequentRequests(t *testing.T) {
	var calls int32
	prompter := PrompterFunc(func(ctx context.Context, req Request, scope string) (Decision, error) {
		atomic.AddInt32(&calls, 1)
		return Decision{Kind: DecisionAllowSession}, nil
	})
	e := New(EngineConfig{Prompter: prompter})

	req := Request{RequestID: "r1", SessionID: "s1", ToolName: "tool",
		Permissions: []ScopeRequest{{Scope: "domain:x"}}}

	first := e.Check(context.Background(), req, PolicyProfile{})
	if !first.Allowed() {
		t.Fatal("expected first check to allow")
	}

	req.RequestID = "r2"
	second := e.Check(context.Background(), req, PolicyProfile{})
	if !second.Allowed() {
		t.Fatal("expected second check to allow from cache")
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("prompter called %d times, want 1 (session cache should short-circuit)", calls)
	}
}

func TestEngine_GlobalCachePersistsAcrossSessions(t *testing.T) {
	var calls int32
	prompter := PrompterFunc(func(ctx context.Context, req Request, scope string) (Decision, error) {
		atomic.AddInt32(&calls, 1)
		return Decision{Kind: DecisionAllowAlways}, nil
	})
	e := New(EngineConfig{Prompter: prompter})

	req1 := Request{RequestID: "r1", SessionID: "s1", ToolName: "tool",
		Permissions: []ScopeRequest{{Scope: "domain:x"}}}
	if !e.Check(context.Background(), req1, PolicyProfile{}).Allowed() {
		t.Fatal("expected allow")
	}

	req2 := Request{RequestID: "r2", SessionID: "s2", ToolName: "tool",
		Permissions: []ScopeRequest{{Scope: "domain:x"}}}
	if !e.Check(context.Background(), req2, PolicyProfile{}).Allowed() {
		t.Fatal("expected allow from global cache in a different session")
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("prompter called %d times, want 1 (global cache should short-circuit across sessions)", calls)
	}
}

func TestEngine_PromptTimeoutDenies(t *testing.T) {
	blocked := make(chan struct{})
	prompter := PrompterFunc(func(ctx context.Context, req Request, scope string) (Decision, error) {
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-blocked:
			return Decision{Kind: DecisionAllowOnce}, nil
		}
	})
	e := New(EngineConfig{Prompter: prompter, PromptTimeout: 20 * time.Millisecond})
	defer close(blocked)

	req := Request{RequestID: "r1", SessionID: "s1", ToolName: "tool",
		Permissions: []ScopeRequest{{Scope: "domain:x"}}}
	result := e.Check(context.Background(), req, PolicyProfile{})
	if result.Allowed() {
		t.Fatal("expected deny on prompt timeout")
	}
}

func TestEngine_ConcurrentRequestsCoalesce(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	prompter := PrompterFunc(func(ctx context.Context, req Request, scope string) (Decision, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return Decision{Kind: DecisionAllowOnce}, nil
	})
	e := New(EngineConfig{Prompter: prompter, PromptTimeout: 5 * time.Second})

	const n = 10
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := Request{RequestID: "r", SessionID: "s1", ToolName: "tool",
				Permissions: []ScopeRequest{{Scope: "domain:x"}}}
			results[i] = e.Check(context.Background(), req, PolicyProfile{})
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, r := range results {
		if !r.Allowed() {
			t.Errorf("result %d not allowed", i)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("prompter called %d times concurrently, want exactly 1 (coalescing failed)", calls)
	}
}

func TestEngine_NoPrompterDenies(t *testing.T) {
	e := New(EngineConfig{})
	req := Request{RequestID: "r1", SessionID: "s1", ToolName: "tool",
		Permissions: []ScopeRequest{{Scope: "domain:x"}}}
	result := e.Check(context.Background(), req, PolicyProfile{})
	if result.Allowed() {
		t.Fatal("expected deny with no prompter configured")
	}
}

func TestEngine_ResetSessionClearsCache(t *testing.T) {
	var calls int32
	prompter := PrompterFunc(func(ctx context.Context, req Request, scope string) (Decision, error) {
		atomic.AddInt32(&calls, 1)
		return Decision{Kind: DecisionAllowSession}, nil
	})
	e := New(EngineConfig{Prompter: prompter})

	req := Request{RequestID: "r1", SessionID: "s1", ToolName: "tool",
		Permissions: []ScopeRequest{{Scope: "domain:x"}}}
	e.Check(context.Background(), req, PolicyProfile{})
	e.ResetSession("s1")
	req.RequestID = "r2"
	e.Check(context.Background(), req, PolicyProfile{})

	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("prompter called %d times, want 2 after ResetSession", calls)
	}
}

func TestEngine_EmitsRequestedAndGrantedEvents(t *testing.T) {
	var events []string
	e := New(EngineConfig{
		Prompter: allowOncePrompter(),
		Emit: func(eventType string, payload map[string]any) error {
			events = append(events, eventType)
			return nil
		},
	})

	req := Request{RequestID: "r1", SessionID: "s1", ToolName: "tool",
		Permissions: []ScopeRequest{{Scope: "domain:x"}}}
	e.Check(context.Background(), req, PolicyProfile{})

	if len(events) != 2 || events[0] != "permission.requested" || events[1] != "permission.granted" {
		t.Errorf("events = %v, want [permission.requested permission.granted]", events)
	}
}
