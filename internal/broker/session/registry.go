package session

import (
	"sort"
	"sync"
)

// Registry is the lookup table of active sessions, keyed by instrument id.
// A reconnect replaces the previous entry for the same instrument.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session, replacing any previous session for the same
// instrument. The replaced session, if any, is returned so the caller can
// close its connection.
func (r *Registry) Add(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.sessions[s.InstrumentID()]
	r.sessions[s.InstrumentID()] = s
	return previous
}

// Remove drops the session if it is still the registered one for its
// instrument. A newer session registered by a reconnect is left alone.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.InstrumentID()]; ok && current.ID() == s.ID() {
		delete(r.sessions, s.InstrumentID())
	}
}

// Get returns the active session for an instrument.
func (r *Registry) Get(instrumentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[instrumentID]
	return s, ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots returns point-in-time copies of every active session, sorted by
// instrument id for stable output.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}
