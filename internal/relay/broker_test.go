package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decloud-network/decloud-node/internal/utils"
)

// fakeTransport records frames instead of writing to a websocket
type fakeTransport struct {
	mu     sync.Mutex
	frames []ServerMessage
	closed bool
}

func (f *fakeTransport) Send(msg ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) lastFrame() *ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	frame := f.frames[len(f.frames)-1]
	return &frame
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeTunnel records written input
type fakeTunnel struct {
	mu     sync.Mutex
	writes []string
	closed bool
}

func (f *fakeTunnel) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(data))
	return nil
}

func (f *fakeTunnel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	tunnel  *fakeTunnel
	dialErr error
	lastCfg TunnelConfig
}

func (f *fakeDialer) Dial(ctx context.Context, cfg TunnelConfig, onOutput func([]byte), onClose func(error)) (Tunnel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	f.lastCfg = cfg
	f.tunnel = &fakeTunnel{}
	return f.tunnel, nil
}

func newTestBroker(t *testing.T) (*Broker, *Registry, *fakeDialer) {
	t.Helper()

	cm := utils.NewConfigManager("")
	cm.SetConfig("jwt_secret", "test-secret")
	cm.SetConfig("relay_idle_timeout", "100ms")
	cm.SetConfig("relay_sweep_interval", "20ms")

	logger := utils.NewLogsManager(cm)
	t.Cleanup(func() { logger.Close() })

	registry := NewRegistry()
	dialer := &fakeDialer{}
	broker := NewBroker(context.Background(), cm, logger, registry, dialer)
	return broker, registry, dialer
}

func newTestSession(registry *Registry) (*Session, *fakeTransport) {
	conn := &fakeTransport{}
	s := &Session{
		ConnectionID: "conn-1",
		CreatedAt:    time.Now(),
		state:        StateConnecting,
		conn:         conn,
	}
	registry.Add(s)
	return s, conn
}

func authenticate(t *testing.T, b *Broker, s *Session, leaseID string, refs []string, expiresAt time.Time) {
	t.Helper()
	token, err := b.IssueCredential("tenant-1", leaseID, refs, "shell-secret", expiresAt)
	if err != nil {
		t.Fatalf("IssueCredential failed: %v", err)
	}
	b.handleMessage(s, ClientMessage{Type: MsgAuthenticate, Token: token})
	if s.State() != StateAuthenticated {
		t.Fatalf("expected AUTHENTICATED, got %s", s.State())
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	b, _, _ := newTestBroker(t)

	token, err := b.IssueCredential("tenant-1", "lease-1", []string{"vm-1"}, "secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("IssueCredential failed: %v", err)
	}

	claims, err := b.verifyCredential(token)
	if err != nil {
		t.Fatalf("verifyCredential failed: %v", err)
	}
	if claims.TenantID != "tenant-1" || claims.LeaseID != "lease-1" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	if len(claims.AllowedRefs) != 1 || claims.AllowedRefs[0] != "vm-1" {
		t.Errorf("unexpected scope: %v", claims.AllowedRefs)
	}
}

func TestExpiredCredentialRejected(t *testing.T) {
	b, _, _ := newTestBroker(t)

	token, err := b.IssueCredential("tenant-1", "lease-1", []string{"*"}, "", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("IssueCredential failed: %v", err)
	}

	if _, err := b.verifyCredential(token); err != ErrTokenInvalid {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestBadTokenKeepsSocketOpen(t *testing.T) {
	b, registry, _ := newTestBroker(t)
	s, conn := newTestSession(registry)

	b.handleMessage(s, ClientMessage{Type: MsgAuthenticate, Token: "garbage"})

	frame := conn.lastFrame()
	if frame == nil || frame.Type != MsgError {
		t.Fatalf("expected error frame, got %+v", frame)
	}
	if conn.isClosed() {
		t.Error("a failed authentication must not close the socket")
	}
	if s.State() != StateConnecting {
		t.Errorf("expected session still CONNECTING, got %s", s.State())
	}

	// A good token afterwards still works on the same socket
	authenticate(t, b, s, "lease-1", []string{"*"}, time.Now().Add(time.Hour))
}

func TestConnectRequiresAuthentication(t *testing.T) {
	b, registry, _ := newTestBroker(t)
	s, conn := newTestSession(registry)

	b.handleMessage(s, ClientMessage{
		Type:   MsgConnect,
		Config: &ConnectConfig{ResourceRef: "vm-1", Host: "192.0.2.1"},
	})

	frame := conn.lastFrame()
	if frame == nil || frame.Type != MsgError || !strings.Contains(frame.Message, ErrNotAuthenticated.Error()) {
		t.Errorf("expected not-authenticated error, got %+v", frame)
	}
}

func TestConnectOutsideScopeDenied(t *testing.T) {
	b, registry, dialer := newTestBroker(t)
	s, conn := newTestSession(registry)

	authenticate(t, b, s, "lease-1", []string{"vm-1"}, time.Now().Add(time.Hour))

	b.handleMessage(s, ClientMessage{
		Type:   MsgConnect,
		Config: &ConnectConfig{ResourceRef: "vm-other", Host: "192.0.2.1"},
	})

	frame := conn.lastFrame()
	if frame == nil || frame.Type != MsgError || !strings.Contains(frame.Message, ErrRefNotAllowed.Error()) {
		t.Errorf("expected scope denial, got %+v", frame)
	}
	if dialer.tunnel != nil {
		t.Error("no tunnel must be dialed for an out-of-scope resource")
	}
	if s.State() != StateAuthenticated {
		t.Errorf("denial must not change session state, got %s", s.State())
	}
}

func TestConnectAndCommand(t *testing.T) {
	b, registry, dialer := newTestBroker(t)
	s, _ := newTestSession(registry)

	authenticate(t, b, s, "lease-1", []string{"vm-1"}, time.Now().Add(time.Hour))

	b.handleMessage(s, ClientMessage{
		Type:   MsgConnect,
		Config: &ConnectConfig{ResourceRef: "vm-1", Host: "192.0.2.1", Username: "root"},
	})
	if s.State() != StateTunneled {
		t.Fatalf("expected TUNNELED, got %s", s.State())
	}
	if dialer.lastCfg.Secret != "shell-secret" {
		t.Errorf("tunnel must use the credential's secret, got %q", dialer.lastCfg.Secret)
	}
	if dialer.lastCfg.Port != 22 {
		t.Errorf("expected default port 22, got %d", dialer.lastCfg.Port)
	}

	b.handleMessage(s, ClientMessage{Type: MsgCommand, Command: "uname -a"})

	dialer.tunnel.mu.Lock()
	writes := dialer.tunnel.writes
	dialer.tunnel.mu.Unlock()
	if len(writes) != 1 || writes[0] != "uname -a\n" {
		t.Errorf("unexpected tunnel writes: %v", writes)
	}

	b.handleMessage(s, ClientMessage{Type: MsgDisconnect})
	if s.State() != StateAuthenticated {
		t.Errorf("disconnect should return the session to AUTHENTICATED, got %s", s.State())
	}
	if !dialer.tunnel.closed {
		t.Error("disconnect must close the tunnel")
	}
}

func TestWildcardScope(t *testing.T) {
	b, registry, _ := newTestBroker(t)
	s, _ := newTestSession(registry)

	authenticate(t, b, s, "lease-1", []string{"*"}, time.Now().Add(time.Hour))

	b.handleMessage(s, ClientMessage{
		Type:   MsgConnect,
		Config: &ConnectConfig{ResourceRef: "any-vm", Host: "192.0.2.1"},
	})
	if s.State() != StateTunneled {
		t.Errorf("wildcard scope should allow any resource, got %s", s.State())
	}
}

func TestExpiredSessionRefusedOnConnect(t *testing.T) {
	b, registry, _ := newTestBroker(t)
	s, conn := newTestSession(registry)

	authenticate(t, b, s, "lease-1", []string{"*"}, time.Now().Add(time.Hour))

	// Expiry passes while the session is idle
	s.mu.Lock()
	s.ExpiresAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	b.handleMessage(s, ClientMessage{
		Type:   MsgConnect,
		Config: &ConnectConfig{ResourceRef: "vm-1", Host: "192.0.2.1"},
	})

	if s.State() != StateClosed {
		t.Errorf("expired session must be closed, got %s", s.State())
	}
	if !conn.isClosed() {
		t.Error("expired session must close the socket")
	}
	if registry.Count() != 0 {
		t.Errorf("expired session must leave the registry, count %d", registry.Count())
	}
}

func TestSweepClosesExpiredSessions(t *testing.T) {
	b, registry, _ := newTestBroker(t)

	live, _ := newTestSession(registry)
	authenticate(t, b, live, "lease-live", []string{"*"}, time.Now().Add(time.Hour))

	expired := &Session{
		ConnectionID: "conn-expired",
		CreatedAt:    time.Now(),
		state:        StateAuthenticated,
		LeaseID:      "lease-exp",
		ExpiresAt:    time.Now().Add(-time.Second),
		conn:         &fakeTransport{},
	}
	registry.Add(expired)

	closed := registry.sweep(time.Now(), time.Minute)
	if len(closed) != 1 || closed[0].ConnectionID != "conn-expired" {
		t.Errorf("expected only the expired session swept, got %v", closed)
	}
	if expired.State() != StateClosed {
		t.Errorf("swept session must be CLOSED, got %s", expired.State())
	}
	if live.State() == StateClosed {
		t.Error("live session must survive the sweep")
	}
}

func TestSweepClosesIdleUnauthenticated(t *testing.T) {
	_, registry, _ := newTestBroker(t)

	idle := &Session{
		ConnectionID: "conn-idle",
		CreatedAt:    time.Now().Add(-time.Minute),
		state:        StateConnecting,
		conn:         &fakeTransport{},
	}
	registry.Add(idle)

	fresh, _ := newTestSession(registry)

	closed := registry.sweep(time.Now(), 10*time.Second)
	if len(closed) != 1 || closed[0].ConnectionID != "conn-idle" {
		t.Errorf("expected only the idle session swept, got %v", closed)
	}
	if fresh.State() == StateClosed {
		t.Error("fresh unauthenticated session must survive the sweep")
	}
}

func TestCloseLeaseSessions(t *testing.T) {
	b, registry, _ := newTestBroker(t)

	target, targetConn := newTestSession(registry)
	authenticate(t, b, target, "lease-doomed", []string{"*"}, time.Now().Add(time.Hour))

	other := &Session{
		ConnectionID: "conn-other",
		CreatedAt:    time.Now(),
		state:        StateAuthenticated,
		LeaseID:      "lease-other",
		ExpiresAt:    time.Now().Add(time.Hour),
		conn:         &fakeTransport{},
	}
	registry.Add(other)
	registry.Bind(other)

	if closed := registry.CloseLeaseSessions("lease-doomed"); closed != 1 {
		t.Errorf("expected one closed session, got %d", closed)
	}
	if target.State() != StateClosed {
		t.Errorf("target session must be CLOSED, got %s", target.State())
	}
	if !targetConn.isClosed() {
		t.Error("target socket must be closed")
	}
	if other.State() == StateClosed {
		t.Error("sessions of other leases must stay open")
	}
	if registry.CloseLeaseSessions("lease-doomed") != 0 {
		t.Error("repeat close must find nothing")
	}
}

func TestReauthenticateMovesLeaseBinding(t *testing.T) {
	b, registry, _ := newTestBroker(t)
	s, conn := newTestSession(registry)

	authenticate(t, b, s, "lease-a", []string{"*"}, time.Now().Add(time.Hour))
	authenticate(t, b, s, "lease-b", []string{"*"}, time.Now().Add(time.Hour))

	// The old index entry must not survive the rebind
	if closed := registry.CloseLeaseSessions("lease-a"); closed != 0 {
		t.Errorf("expected no sessions under the old lease, got %d", closed)
	}
	if s.State() == StateClosed {
		t.Error("rebind must not close the session")
	}

	if closed := registry.CloseLeaseSessions("lease-b"); closed != 1 {
		t.Errorf("expected one session under the new lease, got %d", closed)
	}
	if !conn.isClosed() {
		t.Error("closing the new lease must close the socket")
	}
}
