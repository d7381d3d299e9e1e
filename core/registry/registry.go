// Package registry maps capability verbs to priority-ordered provider slugs.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// The built-in capability verbs.
const (
	CapReason     = "reason"
	CapSearch     = "search"
	CapRead       = "read"
	CapScrape     = "scrape"
	CapExecute    = "execute"
	CapEmail      = "email"
	CapSMS        = "sms"
	CapImagine    = "imagine"
	CapSpeak      = "speak"
	CapTranscribe = "transcribe"
)

// Verbs lists every built-in capability in a stable order.
var Verbs = []string{
	CapReason, CapSearch, CapRead, CapScrape, CapExecute,
	CapEmail, CapSMS, CapImagine, CapSpeak, CapTranscribe,
}

// ErrUnknownCapability reports a verb outside the built-in set.
var ErrUnknownCapability = errors.New("registry: unknown capability")

// ErrNoProvider reports a capability with no active registered provider.
var ErrNoProvider = errors.New("registry: no active provider")

// Provider is one entry in a capability's resolution list.
type Provider struct {
	Slug     string
	Priority int
	Active   bool

	order int // insertion order breaks priority ties
}

// Registry resolves capabilities to providers. Reads go through an atomic
// snapshot and take no lock; registration swaps in a new snapshot under a
// writer lock.
type Registry struct {
	mu       sync.Mutex
	nextSeq  int
	snapshot atomic.Pointer[map[string][]Provider]
}

// New constructs an empty registry with all built-in verbs known.
func New() *Registry {
	r := &Registry{}
	empty := make(map[string][]Provider, len(Verbs))
	for _, verb := range Verbs {
		empty[verb] = nil
	}
	r.snapshot.Store(&empty)
	return r
}

// IsVerb reports whether the supplied name is a built-in capability.
func IsVerb(name string) bool {
	for _, verb := range Verbs {
		if verb == name {
			return true
		}
	}
	return false
}

// Register appends a provider for the capability and re-sorts the resolution
// list. Safe for concurrent use with Resolve.
func (r *Registry) Register(capability, slug string, priority int, active bool) error {
	capability = strings.TrimSpace(capability)
	if !IsVerb(capability) {
		return fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return fmt.Errorf("registry: provider slug required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	next := make(map[string][]Provider, len(current))
	for verb, providers := range current {
		next[verb] = append([]Provider{}, providers...)
	}
	r.nextSeq++
	entry := Provider{Slug: slug, Priority: priority, Active: active, order: r.nextSeq}

	list := next[capability]
	replaced := false
	for i := range list {
		if list[i].Slug == slug {
			entry.order = list[i].order
			list[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, entry)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].order < list[j].order
	})
	next[capability] = list
	r.snapshot.Store(&next)
	return nil
}

// SetActive flips a provider's availability without reordering.
func (r *Registry) SetActive(capability, slug string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	if _, ok := current[capability]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}
	next := make(map[string][]Provider, len(current))
	for verb, providers := range current {
		next[verb] = append([]Provider{}, providers...)
	}
	found := false
	for i := range next[capability] {
		if next[capability][i].Slug == slug {
			next[capability][i].Active = active
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("registry: provider %q not registered for %q", slug, capability)
	}
	r.snapshot.Store(&next)
	return nil
}

// Resolve returns the slug of the highest-priority active provider for the
// capability. Lock-free.
func (r *Registry) Resolve(capability string) (string, error) {
	snapshot := *r.snapshot.Load()
	list, ok := snapshot[capability]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}
	for _, provider := range list {
		if provider.Active {
			return provider.Slug, nil
		}
	}
	return "", fmt.Errorf("%w for %q", ErrNoProvider, capability)
}

// Providers returns a copy of the resolution list for a capability.
func (r *Registry) Providers(capability string) ([]Provider, error) {
	snapshot := *r.snapshot.Load()
	list, ok := snapshot[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}
	return append([]Provider{}, list...), nil
}
