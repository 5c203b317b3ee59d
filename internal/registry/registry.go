package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"birbstream/native/internal/domain"
	"birbstream/native/internal/metrics"
)

// Session is one viewer's negotiated transport. Its mutable fields are only
// written by the Registry that created it.
type Session struct {
	key       domain.SessionKey
	createdAt time.Time

	mu        sync.RWMutex
	state     domain.SessionState
	transport domain.Transport
	cancel    context.CancelFunc
}

func (s *Session) ID() string             { return s.key.ID }
func (s *Session) Key() domain.SessionKey { return s.key }
func (s *Session) CreatedAt() time.Time   { return s.createdAt }

func (s *Session) State() domain.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transport returns the bound transport handle, or nil while negotiating.
func (s *Session) Transport() domain.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// CancelNegotiation aborts any in-flight negotiation for this session.
func (s *Session) CancelNegotiation() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Registry is the single owner of live sessions, keyed by caller-supplied id.
type Registry struct {
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	gen      uint64
}

// New creates an empty registry. m may be nil.
func New(m *metrics.Metrics) *Registry {
	return &Registry{
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create inserts a NEGOTIATING session for id. An id stays taken until its
// previous session has been removed, even once that session is terminal.
func (r *Registry) Create(id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("empty session id")
	}

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrDuplicateSession, id, existing.State())
	}
	r.gen++
	s := &Session{
		key:       domain.SessionKey{ID: id, Gen: r.gen},
		createdAt: r.now(),
		state:     domain.StateNegotiating,
	}
	r.sessions[id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
	log.Printf("[registry] created %s (%d live)", s.key, n)
	return s, nil
}

// Get returns the session currently registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Lookup returns the session only if it is the incarnation named by key.
func (r *Registry) Lookup(key domain.SessionKey) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key.ID]
	if !ok || s.key != key {
		return nil, false
	}
	return s, true
}

// Remove deletes id and marks its session CLOSED. Removing an absent id is a
// no-op.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		log.Printf("[registry] remove %s: %v", id, domain.ErrSessionNotFound)
		return nil, false
	}
	delete(r.sessions, id)
	n := len(r.sessions)
	s.mu.Lock()
	if s.state != domain.StateFailed {
		s.state = domain.StateClosed
	}
	s.mu.Unlock()
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
	log.Printf("[registry] removed %s (%d live)", s.key, n)
	return s, true
}

// Transition moves s to state to. It returns false when s is no longer the
// registered session for its id, when s is already terminal, or when the
// transition is not allowed. Exactly one caller observes true for the move
// into a terminal state.
func (r *Registry) Transition(s *Session, to domain.SessionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.key.ID] != s {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !allowed(s.state, to) {
		return false
	}
	log.Printf("[registry] %s: %s -> %s", s.key, s.state, to)
	s.state = to
	return true
}

func allowed(from, to domain.SessionState) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case domain.StateFailed, domain.StateClosed:
		return true
	case domain.StateConnected:
		return from == domain.StateNegotiating || from == domain.StateDisconnected
	case domain.StateDisconnected:
		return from == domain.StateNegotiating || from == domain.StateConnected
	default:
		return false
	}
}

// BindNegotiation records the cancel function of s's in-flight negotiation.
func (r *Registry) BindNegotiation(s *Session, cancel context.CancelFunc) bool {
	return r.bind(s, func() { s.cancel = cancel })
}

// BindTransport hands ownership of t to s. It returns false if s is gone, in
// which case the caller still owns t.
func (r *Registry) BindTransport(s *Session, t domain.Transport) bool {
	return r.bind(s, func() { s.transport = t })
}

func (r *Registry) bind(s *Session, set func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.key.ID] != s {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	set()
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the registered ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Sessions returns a snapshot of the registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Describe returns per-id diagnostics for the sessions registered at call
// time. Transports are queried outside the registry lock.
func (r *Registry) Describe() map[string]domain.Diagnostics {
	snapshot := r.Sessions()

	out := make(map[string]domain.Diagnostics, len(snapshot))
	for _, s := range snapshot {
		var d domain.Diagnostics
		if t := s.Transport(); t != nil {
			d = t.Diagnostics()
		} else {
			d = domain.Diagnostics{
				ConnectionState:    "new",
				ICEConnectionState: "new",
				ICEGatheringState:  "new",
				SignalingState:     "stable",
			}
		}
		d.State = s.State().String()
		out[s.ID()] = d
	}
	return out
}
