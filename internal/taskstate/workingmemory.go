package taskstate

import "sync"

// defaultMaxKeysPerSession bounds a single session's Working Memory so
// a runaway tool loop cannot grow it without limit, per spec.md §4.G.
const defaultMaxKeysPerSession = 256

// WorkingMemory is a bounded ephemeral key/value store scoped by
// session_id. Sessions are fully isolated from one another; no key
// written under one session_id is visible under another. Unlike
// internal/sessions' ScopedStore (which scopes durable conversation
// state by channel/peer), this scopes a purely in-process, never-
// persisted working set, so it is written fresh rather than adapted
// from that file.
type WorkingMemory struct {
	mu        sync.Mutex
	maxKeys   int
	bySession map[string]*sessionScope
}

type sessionScope struct {
	values map[string]any
	order  []string // insertion order, for oldest-key eviction
}

// NewWorkingMemory constructs a WorkingMemory bounding each session to
// maxKeysPerSession entries. A non-positive value applies the default.
func NewWorkingMemory(maxKeysPerSession int) *WorkingMemory {
	if maxKeysPerSession <= 0 {
		maxKeysPerSession = defaultMaxKeysPerSession
	}
	return &WorkingMemory{
		maxKeys:   maxKeysPerSession,
		bySession: make(map[string]*sessionScope),
	}
}

func (wm *WorkingMemory) scope(sessionID string, create bool) *sessionScope {
	s, ok := wm.bySession[sessionID]
	if !ok && create {
		s = &sessionScope{values: make(map[string]any)}
		wm.bySession[sessionID] = s
	}
	return s
}

// Set stores a value under key, scoped to sessionID. If the session is
// already at its key cap and key is new, the oldest key is evicted
// first.
func (wm *WorkingMemory) Set(sessionID, key string, value any) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	s := wm.scope(sessionID, true)
	if _, exists := s.values[key]; !exists {
		if len(s.order) >= wm.maxKeys {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.values, oldest)
		}
		s.order = append(s.order, key)
	}
	s.values[key] = value
}

// Get returns a value and whether it was present.
func (wm *WorkingMemory) Get(sessionID, key string) (any, bool) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	s := wm.scope(sessionID, false)
	if s == nil {
		return nil, false
	}
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is set for sessionID.
func (wm *WorkingMemory) Has(sessionID, key string) bool {
	_, ok := wm.Get(sessionID, key)
	return ok
}

// Delete removes key from sessionID's scope. It is a no-op if absent.
func (wm *WorkingMemory) Delete(sessionID, key string) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	s := wm.scope(sessionID, false)
	if s == nil {
		return
	}
	if _, exists := s.values[key]; !exists {
		return
	}
	delete(s.values, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// List returns the keys currently set for sessionID, in insertion
// order.
func (wm *WorkingMemory) List(sessionID string) []string {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	s := wm.scope(sessionID, false)
	if s == nil {
		return nil
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Clear removes every key for sessionID, e.g. at session end.
func (wm *WorkingMemory) Clear(sessionID string) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	delete(wm.bySession, sessionID)
}
