package adapter

import (
	"fmt"
	"sync"
)

// Set holds the adapters reachable by slug. Runtime approval adds generic
// adapters after startup, so lookups and registration are both safe
// concurrently.
type Set struct {
	mu     sync.RWMutex
	bySlug map[string]Adapter
}

// NewSet builds an empty adapter set.
func NewSet() *Set {
	return &Set{bySlug: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for its slug.
func (s *Set) Register(a Adapter) error {
	if a == nil || a.Slug() == "" {
		return fmt.Errorf("adapter: slug required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySlug[a.Slug()] = a
	return nil
}

// Lookup returns the adapter for a provider slug.
func (s *Set) Lookup(slug string) (Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.bySlug[slug]
	return a, ok
}
