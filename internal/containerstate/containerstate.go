// Package containerstate implements the container state store (C6): a
// straightforward container -> {key -> value} map updated by state_update
// events and cleared on disconnect (spec §4.6). The only consumer is the
// completion-data handler in internal/supervisor (completions.go).
package containerstate

import "sync"

// Store holds the latest per-container key-value state.
type Store struct {
	mu    sync.Mutex
	byKey map[string]map[string]any
}

// New returns an empty container state store.
func New() *Store {
	return &Store{byKey: make(map[string]map[string]any)}
}

// Update merges fields into container's state, overwriting any existing
// keys present in fields (spec §4.6: "entries overwritten on state_update
// events"). A nil or empty fields map is a no-op but still ensures the
// container has an (empty) namespace.
func (s *Store) Update(container string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byKey[container]
	if !ok {
		m = make(map[string]any)
		s.byKey[container] = m
	}
	for k, v := range fields {
		m[k] = v
	}
}

// Get returns a shallow copy of container's current state.
func (s *Store) Get(container string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byKey[container]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, true
}

// Worktrees returns container's worktree list, if the state store carries
// one, per the original_source "worktree list" use case (spec §3
// ContainerState).
func (s *Store) Worktrees(container string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byKey[container]
	if !ok {
		return nil, false
	}
	raw, ok := m["worktrees"]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// Clear drops container's entire record, per disconnect cleanup (spec
// §4.6, §8 scenario 6).
func (s *Store) Clear(container string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, container)
}

// Containers returns a snapshot of every container name currently tracked,
// used by the unscoped worktrees completion listing.
func (s *Store) Containers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byKey))
	for name := range s.byKey {
		out = append(out, name)
	}
	return out
}
