package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no session exists for a key.
var ErrNotFound = errors.New("session not found")

// ErrStale indicates the caller holds a session ID that has been superseded or removed.
var ErrStale = errors.New("session superseded")

// ErrNotPending is returned when a confirmation targets a session that already left Pending.
var ErrNotPending = errors.New("session not pending")

// ErrPortHeld is returned by Insert when another session already owns the
// candidate's ephemeral port.
var ErrPortHeld = errors.New("ephemeral port held by another session")

// State is the lifecycle position of a session.
type State int

const (
	Pending State = iota
	Active
	Terminated
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state as its lowercase name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a lowercase state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = Pending
	case "active":
		*s = Active
	case "terminated":
		*s = Terminated
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// Key identifies a session: one interceptor kind adopting one proxy port.
type Key struct {
	Kind       string
	TargetPort uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Kind, k.TargetPort)
}

// Session is an immutable snapshot of a registry entry.
type Session struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	TargetPort    uint16            `json:"target_port"`
	EphemeralPort uint16            `json:"ephemeral_port"`
	State         State             `json:"state"`
	CreatedAt     time.Time         `json:"created_at"`
	ConfirmedAt   time.Time         `json:"confirmed_at,omitempty"`
	Options       map[string]string `json:"options,omitempty"`
}

// Key returns the registry key of the snapshot.
func (s Session) Key() Key {
	return Key{Kind: s.Kind, TargetPort: s.TargetPort}
}

type entry struct {
	id            string
	key           Key
	ephemeralPort uint16
	state         State
	createdAt     time.Time
	confirmedAt   time.Time
	options       map[string]string
	release       func()
}

func (e *entry) snapshot() Session {
	var opts map[string]string
	if len(e.options) > 0 {
		opts = make(map[string]string, len(e.options))
		for k, v := range e.options {
			opts[k] = v
		}
	}
	return Session{
		ID:            e.id,
		Kind:          e.key.Kind,
		TargetPort:    e.key.TargetPort,
		EphemeralPort: e.ephemeralPort,
		State:         e.state,
		CreatedAt:     e.createdAt,
		ConfirmedAt:   e.confirmedAt,
		Options:       opts,
	}
}

// Registry stores sessions in-memory with concurrency safety. One Registry is
// constructed per process and drained at shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Key]*entry
	now      func() time.Time
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[Key]*entry),
		now:      time.Now,
	}
}

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// Candidate describes a session about to be inserted.
type Candidate struct {
	ID            string
	Key           Key
	EphemeralPort uint16
	Options       map[string]string
	// Release is invoked exactly once when the session is removed.
	Release func()
}

// Insert stores a new Pending session. When a non-terminated session already
// exists for the key, the existing snapshot is returned with inserted=false and
// the candidate is left untouched.
func (r *Registry) Insert(p Candidate) (Session, bool, error) {
	if p.Key.Kind == "" {
		return Session{}, false, fmt.Errorf("session kind required")
	}
	if p.EphemeralPort != 0 && p.EphemeralPort == p.Key.TargetPort {
		return Session{}, false, fmt.Errorf("ephemeral port %d collides with target port", p.EphemeralPort)
	}
	id := p.ID
	if id == "" {
		id = NewID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[p.Key]; ok {
		return existing.snapshot(), false, nil
	}
	for _, e := range r.sessions {
		if p.EphemeralPort != 0 && e.ephemeralPort == p.EphemeralPort {
			return Session{}, false, fmt.Errorf("%w: %d by %s", ErrPortHeld, p.EphemeralPort, e.key)
		}
	}

	opts := make(map[string]string, len(p.Options))
	for k, v := range p.Options {
		opts[k] = v
	}
	e := &entry{
		id:            id,
		key:           p.Key,
		ephemeralPort: p.EphemeralPort,
		state:         Pending,
		createdAt:     r.now(),
		options:       opts,
		release:       p.Release,
	}
	r.sessions[p.Key] = e
	return e.snapshot(), true, nil
}

// HoldsEphemeral reports whether any stored session owns port as its setup port.
func (r *Registry) HoldsEphemeral(port uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.sessions {
		if e.ephemeralPort == port {
			return true
		}
	}
	return false
}

// Lookup returns the session stored for key.
func (r *Registry) Lookup(key Key) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[key]
	if !ok {
		return Session{}, false
	}
	return e.snapshot(), true
}

// IsActive reports whether key has a confirmed session.
func (r *Registry) IsActive(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[key]
	return ok && e.state == Active
}

// Confirm flips the session identified by key and id from Pending to Active.
func (r *Registry) Confirm(key Key, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[key]
	if !ok {
		return Session{}, ErrNotFound
	}
	if e.id != id {
		return Session{}, ErrStale
	}
	if e.state != Pending {
		return e.snapshot(), ErrNotPending
	}
	e.state = Active
	e.confirmedAt = r.now()
	return e.snapshot(), nil
}

// Remove terminates and erases the session for key, running its release hook
// after the registry lock is dropped. The terminated snapshot is returned.
func (r *Registry) Remove(key Key) (Session, bool) {
	r.mu.Lock()
	e, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
		e.state = Terminated
	}
	r.mu.Unlock()

	if !ok {
		return Session{}, false
	}
	e.runRelease()
	return e.snapshot(), true
}

// RemoveIf removes the session only when it still carries id and is in state want.
func (r *Registry) RemoveIf(key Key, id string, want State) (Session, bool) {
	r.mu.Lock()
	e, ok := r.sessions[key]
	if !ok || e.id != id || e.state != want {
		r.mu.Unlock()
		return Session{}, false
	}
	delete(r.sessions, key)
	e.state = Terminated
	r.mu.Unlock()

	e.runRelease()
	return e.snapshot(), true
}

// RemoveKind terminates every session owned by kind.
func (r *Registry) RemoveKind(kind string) []Session {
	r.mu.Lock()
	var removed []*entry
	for key, e := range r.sessions {
		if key.Kind != kind {
			continue
		}
		delete(r.sessions, key)
		e.state = Terminated
		removed = append(removed, e)
	}
	r.mu.Unlock()

	return releaseAll(removed)
}

// Drain terminates every session in the registry.
func (r *Registry) Drain() []Session {
	r.mu.Lock()
	removed := make([]*entry, 0, len(r.sessions))
	for key, e := range r.sessions {
		delete(r.sessions, key)
		e.state = Terminated
		removed = append(removed, e)
	}
	r.mu.Unlock()

	return releaseAll(removed)
}

// Snapshot returns every session ordered by kind then target port.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()

	sortSessions(out)
	return out
}

// Ports returns the target ports of kind's sessions in the given state.
func (r *Registry) Ports(kind string, state State) []uint16 {
	r.mu.RLock()
	var ports []uint16
	for key, e := range r.sessions {
		if key.Kind == kind && e.state == state {
			ports = append(ports, key.TargetPort)
		}
	}
	r.mu.RUnlock()

	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (e *entry) runRelease() {
	if e.release != nil {
		e.release()
		e.release = nil
	}
}

func releaseAll(entries []*entry) []Session {
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.runRelease()
		out = append(out, e.snapshot())
	}
	sortSessions(out)
	return out
}

func sortSessions(s []Session) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Kind != s[j].Kind {
			return s[i].Kind < s[j].Kind
		}
		return s[i].TargetPort < s[j].TargetPort
	})
}
