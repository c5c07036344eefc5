package interceptor

import (
	"fmt"
	"sort"
	"sync"
)

// Set is the registry of interceptors owned by one process.
type Set struct {
	mu     sync.RWMutex
	byKind map[string]Interceptor
}

// NewSet returns a Set holding items. Duplicate kinds are rejected.
func NewSet(items ...Interceptor) (*Set, error) {
	s := &Set{byKind: make(map[string]Interceptor, len(items))}
	for _, it := range items {
		if err := s.Add(it); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewBuiltin builds every built-in interceptor whose kind passes enabled.
// defaults supplies per-kind default options.
func NewBuiltin(deps Deps, enabled func(kind string) bool, defaults map[string]Options) (*Set, error) {
	deps = deps.withDefaults()
	s := &Set{byKind: make(map[string]Interceptor)}
	for _, kind := range Kinds() {
		if enabled != nil && !enabled(kind) {
			continue
		}
		d, err := New(kind, deps, defaults[kind])
		if err != nil {
			return nil, err
		}
		if err := s.Add(d); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers it under its descriptor kind.
func (s *Set) Add(it Interceptor) error {
	kind := it.Descriptor().Kind
	if kind == "" {
		return fmt.Errorf("interceptor kind required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKind[kind]; exists {
		return fmt.Errorf("interceptor %q already registered", kind)
	}
	s.byKind[kind] = it
	return nil
}

// Get returns the interceptor registered for kind.
func (s *Set) Get(kind string) (Interceptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return it, nil
}

// All returns every interceptor ordered by kind.
func (s *Set) All() []Interceptor {
	s.mu.RLock()
	out := make([]Interceptor, 0, len(s.byKind))
	for _, it := range s.byKind {
		out = append(out, it)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor().Kind < out[j].Descriptor().Kind
	})
	return out
}

// Activable lists the descriptors of interceptors whose prerequisites are met.
func (s *Set) Activable() []Descriptor {
	var out []Descriptor
	for _, it := range s.All() {
		if it.IsActivable() {
			out = append(out, it.Descriptor())
		}
	}
	return out
}

// DeactivateAll fans out to every interceptor concurrently and waits for all
// of them to finish.
func (s *Set) DeactivateAll() {
	all := s.All()
	var wg sync.WaitGroup
	wg.Add(len(all))
	for _, it := range all {
		go func(it Interceptor) {
			defer wg.Done()
			it.DeactivateAll()
		}(it)
	}
	wg.Wait()
}
