package permission

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// PreGrants are scopes allowed unconditionally for the life of the
	// engine (supplied by the caller at construction), e.g. scopes the
	// operator has blanket-approved for this deployment.
	PreGrants []string
	// PromptTimeout bounds how long an interactive prompt is awaited
	// before the request is treated as denied.
	PromptTimeout time.Duration
	// Prompter is consulted when no cache or pre-grant settles a scope.
	// A nil Prompter denies anything that reaches the prompt stage.
	Prompter Prompter
	// Emit reports permission.requested/granted/denied events. May be nil.
	Emit EventEmitter
}

// Engine implements spec.md §4.C's check pipeline: hard policy gate,
// pre-grant set, session cache, global cache, interactive prompt.
type Engine struct {
	cfg       EngineConfig
	preGrants map[string]bool

	mu            sync.RWMutex
	sessionCache  map[string]map[cacheKey]cachedDecision // sessionID -> (tool,scope) -> decision
	globalCache   map[cacheKey]cachedDecision

	pendingMu sync.Mutex
	pending   map[cacheKey]*pendingPrompt
}

type pendingPrompt struct {
	done     chan struct{}
	decision Decision
	err      error
}

// New constructs an Engine from cfg.
func New(cfg EngineConfig) *Engine {
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 30 * time.Second
	}
	pre := make(map[string]bool, len(cfg.PreGrants))
	for _, s := range cfg.PreGrants {
		pre[s] = true
	}
	return &Engine{
		cfg:          cfg,
		preGrants:    pre,
		sessionCache: make(map[string]map[cacheKey]cachedDecision),
		globalCache:  make(map[cacheKey]cachedDecision),
		pending:      make(map[cacheKey]*pendingPrompt),
	}
}

// Check resolves req against policy and returns one Decision per
// requested scope. Decisions for different scopes within the same
// request are resolved independently and may differ in kind.
func (e *Engine) Check(ctx context.Context, req Request, policy PolicyProfile) Result {
	result := Result{RequestID: req.RequestID}
	for _, p := range req.Permissions {
		result.Decisions = append(result.Decisions, e.checkScope(ctx, req, policy, p.Scope))
	}
	return result
}

func (e *Engine) checkScope(ctx context.Context, req Request, policy PolicyProfile, scope string) Decision {
	e.emit("permission.requested", req, scope)

	if !hardGateAllows(policy, scope) {
		return e.decide(req, scope, Decision{Kind: DecisionDeny, Scope: scope})
	}

	if e.preGrants[scope] {
		return e.decide(req, scope, Decision{Kind: DecisionAllowAlways, Scope: scope})
	}

	if d, ok := e.lookupSessionCache(req.SessionID, req.ToolName, scope); ok {
		return e.decide(req, scope, d)
	}

	if d, ok := e.lookupGlobalCache(req.ToolName, scope); ok {
		return e.decide(req, scope, d)
	}

	d, err := e.promptCoalesced(ctx, req, scope)
	if err != nil {
		d = Decision{Kind: DecisionDeny, Scope: scope}
	}

	switch d.Kind {
	case DecisionAllowSession:
		e.storeSessionCache(req.SessionID, req.ToolName, scope, d)
	case DecisionAllowAlways:
		e.storeGlobalCache(req.ToolName, scope, d)
	}

	return e.decide(req, scope, d)
}

// promptCoalesced ensures concurrent requests for the same (tool_name,
// scope) share a single pending prompt future, per spec.md §4.C's
// coalescing requirement.
func (e *Engine) promptCoalesced(ctx context.Context, req Request, scope string) (Decision, error) {
	key := cacheKey{toolName: req.ToolName, scope: scope}

	e.pendingMu.Lock()
	if p, ok := e.pending[key]; ok {
		e.pendingMu.Unlock()
		return e.awaitPrompt(ctx, p)
	}

	p := &pendingPrompt{done: make(chan struct{})}
	e.pending[key] = p
	e.pendingMu.Unlock()

	go func() {
		defer close(p.done)
		defer func() {
			e.pendingMu.Lock()
			delete(e.pending, key)
			e.pendingMu.Unlock()
		}()

		if e.cfg.Prompter == nil {
			p.err = fmt.Errorf("permission: no prompter configured")
			return
		}
		promptCtx, cancel := context.WithTimeout(context.Background(), e.cfg.PromptTimeout)
		defer cancel()
		d, err := e.cfg.Prompter.Prompt(promptCtx, req, scope)
		p.decision = d
		p.err = err
	}()

	return e.awaitPrompt(ctx, p)
}

// awaitPrompt waits for the coalesced prompt goroutine to finish (which
// already enforces cfg.PromptTimeout internally) or for the caller's own
// context to be canceled, whichever comes first.
func (e *Engine) awaitPrompt(ctx context.Context, p *pendingPrompt) (Decision, error) {
	select {
	case <-p.done:
		return p.decision, p.err
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func (e *Engine) decide(req Request, scope string, d Decision) Decision {
	d.Scope = scope
	if d.Allowed() {
		e.emit("permission.granted", req, scope)
	} else {
		e.emit("permission.denied", req, scope)
	}
	return d
}

func (e *Engine) emit(eventType string, req Request, scope string) {
	if e.cfg.Emit == nil {
		return
	}
	err := e.cfg.Emit(eventType, map[string]any{
		"request_id": req.RequestID,
		"session_id": req.SessionID,
		"step_id":    req.StepID,
		"tool_name":  req.ToolName,
		"scope":      scope,
	})
	if err != nil {
		slog.Error("journal append failed", "event", eventType, "request_id", req.RequestID, "scope", scope, "error", err)
	}
}

func (e *Engine) lookupSessionCache(sessionID, toolName, scope string) (Decision, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sess, ok := e.sessionCache[sessionID]
	if !ok {
		return Decision{}, false
	}
	cd, ok := sess[cacheKey{toolName: toolName, scope: scope}]
	return cd.decision, ok
}

func (e *Engine) storeSessionCache(sessionID, toolName, scope string, d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionCache[sessionID] == nil {
		e.sessionCache[sessionID] = make(map[cacheKey]cachedDecision)
	}
	e.sessionCache[sessionID][cacheKey{toolName: toolName, scope: scope}] = cachedDecision{decision: d, decidedAt: time.Now()}
}

func (e *Engine) lookupGlobalCache(toolName, scope string) (Decision, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cd, ok := e.globalCache[cacheKey{toolName: toolName, scope: scope}]
	return cd.decision, ok
}

func (e *Engine) storeGlobalCache(toolName, scope string, d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globalCache[cacheKey{toolName: toolName, scope: scope}] = cachedDecision{decision: d, decidedAt: time.Now()}
}

// ResetSession discards every session-scoped cache entry for sessionID,
// mirroring the teacher's ResetSessionApprovals.
func (e *Engine) ResetSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessionCache, sessionID)
}

// hardGateAllows applies the policy's allow-lists. A scope that names no
// matching dimension (e.g. a domain-specific scope the policy profile
// doesn't restrict) passes the gate; the profile only ever narrows
// filesystem/network/command scopes it explicitly lists.
func hardGateAllows(policy PolicyProfile, scope string) bool {
	switch {
	case strings.HasPrefix(scope, "filesystem:"):
		return matchesAnyPath(policy.AllowedPaths, scopeArea(scope))
	case strings.HasPrefix(scope, "network:http:"):
		return matchesAnyPattern(policy.AllowedEndpoints, scopeArea(scope))
	case strings.HasPrefix(scope, "system:exec:"):
		return matchesAnyPattern(policy.AllowedCommands, scopeArea(scope))
	default:
		return true
	}
}

// scopeArea returns the trailing "<area>" component of a scope string.
func scopeArea(scope string) string {
	parts := strings.SplitN(scope, ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func matchesAnyPath(allowed []string, area string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if ok, _ := filepath.Match(a, area); ok {
			return true
		}
		if strings.HasPrefix(area, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}

func matchesAnyPattern(allowed []string, area string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if a == area {
			return true
		}
		if ok, _ := filepath.Match(a, area); ok {
			return true
		}
	}
	return false
}
