package relay

import (
	"sync"
	"time"
)

// Session lifecycle states
type SessionState string

const (
	StateConnecting    SessionState = "CONNECTING"
	StateAuthenticated SessionState = "AUTHENTICATED"
	StateTunneled      SessionState = "TUNNELED"
	StateClosed        SessionState = "CLOSED"
)

// transport is the session's outbound side, implemented by the websocket
// connection wrapper
type transport interface {
	Send(msg ServerMessage)
	Close()
}

// Session is one client connection to the relay. It starts unauthenticated,
// gains a lease scope when a credential is presented, and may carry at most
// one open tunnel. ExpiresAt never exceeds the lease's expiry at issue time.
type Session struct {
	ConnectionID string
	CreatedAt    time.Time

	mu           sync.Mutex
	state        SessionState
	TenantID     string
	LeaseID      string
	AllowedRefs  []string
	TunnelSecret string
	IssuedAt     time.Time
	ExpiresAt    time.Time

	tunnel Tunnel
	conn   transport

	// boundLease is the lease this session is indexed under, maintained
	// exclusively by the Registry under its own mutex
	boundLease string
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// allowedRef reports whether the credential scope covers a resource. A
// single "*" entry grants access to every resource under the lease.
func (s *Session) allowedRef(ref string) bool {
	for _, allowed := range s.AllowedRefs {
		if allowed == "*" || allowed == ref {
			return true
		}
	}
	return false
}

// close tears the session down once: tunnel first, then the transport.
// Safe to call from the sweeper and the read pump concurrently.
func (s *Session) close(frame *ServerMessage) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	tunnel := s.tunnel
	s.tunnel = nil
	conn := s.conn
	s.mu.Unlock()

	if tunnel != nil {
		tunnel.Close()
	}
	if conn != nil {
		if frame != nil {
			conn.Send(*frame)
		}
		conn.Close()
	}
}

// Registry tracks live sessions, indexed by connection and by lease so a
// lease teardown can force-close everything bound to it. The lease manager
// is the only caller of CloseLeaseSessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byLease  map[string]map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byLease:  make(map[string]map[string]*Session),
	}
}

// Add tracks a new (not yet authenticated) session
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ConnectionID] = s
}

// Bind indexes an authenticated session under its lease. A session that
// re-authenticates with a credential for a different lease is moved, never
// indexed twice.
func (r *Registry) Bind(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	leaseID := s.LeaseID
	if s.boundLease != "" && s.boundLease != leaseID {
		r.unbindLocked(s.boundLease, s.ConnectionID)
	}
	if r.byLease[leaseID] == nil {
		r.byLease[leaseID] = make(map[string]*Session)
	}
	r.byLease[leaseID][s.ConnectionID] = s
	s.boundLease = leaseID
}

func (r *Registry) unbindLocked(leaseID, connID string) {
	if peers, ok := r.byLease[leaseID]; ok {
		delete(peers, connID)
		if len(peers) == 0 {
			delete(r.byLease, leaseID)
		}
	}
}

// Remove forgets a session entirely
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ConnectionID)
	if s.boundLease != "" {
		r.unbindLocked(s.boundLease, s.ConnectionID)
		s.boundLease = ""
	}
}

// Count returns the number of tracked sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseLeaseSessions force-closes every session bound to a lease and returns
// how many were closed
func (r *Registry) CloseLeaseSessions(leaseID string) int {
	r.mu.RLock()
	var targets []*Session
	for _, s := range r.byLease[leaseID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.close(&ServerMessage{Type: MsgError, Message: "lease terminated"})
		r.Remove(s)
	}
	return len(targets)
}

// sweep closes sessions past their credential expiry and unauthenticated
// sessions idle longer than idleTimeout. Returns the closed sessions.
func (r *Registry) sweep(now time.Time, idleTimeout time.Duration) []*Session {
	r.mu.RLock()
	var expired []*Session
	for _, s := range r.sessions {
		switch s.State() {
		case StateAuthenticated, StateTunneled:
			if now.After(s.ExpiresAt) {
				expired = append(expired, s)
			}
		case StateConnecting:
			if now.Sub(s.CreatedAt) > idleTimeout {
				expired = append(expired, s)
			}
		}
	}
	r.mu.RUnlock()

	for _, s := range expired {
		s.close(&ServerMessage{Type: MsgError, Message: ErrSessionExpired.Error()})
		r.Remove(s)
	}
	return expired
}
