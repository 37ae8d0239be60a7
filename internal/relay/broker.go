package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/decloud-network/decloud-node/internal/utils"
)

// Credential is the claim set carried by a relay token. AllowedRefs scopes
// the session to specific resources under the lease; a "*" entry covers all
// of them. The expiry is capped at the lease's expiry when issued.
type Credential struct {
	TenantID     string   `json:"tenant_id"`
	LeaseID      string   `json:"lease_id"`
	AllowedRefs  []string `json:"allowed_refs"`
	TunnelSecret string   `json:"tunnel_secret,omitempty"`
	jwt.RegisteredClaims
}

// Broker authenticates relay clients and multiplexes their interactive
// tunnels. A failed authentication answers with an error frame and leaves
// the socket open for another attempt; only the sweeper and lease teardown
// force-close sessions.
type Broker struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cm       *utils.ConfigManager
	logger   *utils.LogsManager
	registry *Registry
	dialer   Dialer
	secret   []byte
	now      func() time.Time

	idleTimeout   time.Duration
	sweepInterval time.Duration
	wg            sync.WaitGroup
}

// NewBroker creates a relay session broker
func NewBroker(ctx context.Context, cm *utils.ConfigManager, logger *utils.LogsManager,
	registry *Registry, dialer Dialer) *Broker {

	brokerCtx, cancel := context.WithCancel(ctx)
	return &Broker{
		ctx:           brokerCtx,
		cancel:        cancel,
		cm:            cm,
		logger:        logger,
		registry:      registry,
		dialer:        dialer,
		secret:        []byte(cm.GetConfigWithDefault("jwt_secret", "")),
		now:           time.Now,
		idleTimeout:   cm.GetConfigDuration("relay_idle_timeout", 120*time.Second),
		sweepInterval: cm.GetConfigDuration("relay_sweep_interval", 10*time.Second),
	}
}

// SetNowFunc overrides the clock, used by tests
func (b *Broker) SetNowFunc(now func() time.Time) {
	b.now = now
}

// Start launches the expiry sweeper
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.sweepLoop()
}

// Stop halts the sweeper and closes every live session
func (b *Broker) Stop() {
	b.cancel()
	b.wg.Wait()
}

// IssueCredential signs a relay token for a lease. expiresAt must already be
// capped at the lease's expiry by the caller.
func (b *Broker) IssueCredential(tenantID, leaseID string, allowedRefs []string,
	tunnelSecret string, expiresAt time.Time) (string, error) {

	claims := &Credential{
		TenantID:     tenantID,
		LeaseID:      leaseID,
		AllowedRefs:  allowedRefs,
		TunnelSecret: tunnelSecret,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(b.now()),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(b.secret)
}

// verifyCredential parses and validates a relay token
func (b *Broker) verifyCredential(tokenString string) (*Credential, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Credential{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return b.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return b.now() }))
	if err != nil {
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Credential)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// HandleConnection runs a relay session over an upgraded websocket. Blocks
// until the peer disconnects or the session is force-closed.
func (b *Broker) HandleConnection(ws *websocket.Conn) {
	conn := newWSConn(ws)
	s := &Session{
		ConnectionID: uuid.NewString(),
		CreatedAt:    b.now(),
		state:        StateConnecting,
		conn:         conn,
	}
	b.registry.Add(s)
	b.logger.Debug(fmt.Sprintf("Relay connection %s opened", s.ConnectionID), "relay")

	go conn.writePump()
	conn.readPump(func(msg ClientMessage) {
		b.handleMessage(s, msg)
	})

	s.close(nil)
	b.registry.Remove(s)
	b.logger.Debug(fmt.Sprintf("Relay connection %s closed", s.ConnectionID), "relay")
}

func (b *Broker) handleMessage(s *Session, msg ClientMessage) {
	switch msg.Type {
	case MsgAuthenticate:
		b.handleAuthenticate(s, msg)
	case MsgConnect:
		b.handleConnect(s, msg)
	case MsgCommand:
		b.handleCommand(s, msg)
	case MsgDisconnect:
		b.handleDisconnect(s)
	default:
		s.conn.Send(ServerMessage{Type: MsgError, Message: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// handleAuthenticate binds a credential to the session. A bad token is
// answered with an error frame; the socket stays open.
func (b *Broker) handleAuthenticate(s *Session, msg ClientMessage) {
	claims, err := b.verifyCredential(msg.Token)
	if err != nil {
		b.logger.Warn(fmt.Sprintf("Relay authentication failed on %s: %v", s.ConnectionID, err), "relay")
		s.conn.Send(ServerMessage{Type: MsgError, Message: ErrTokenInvalid.Error()})
		return
	}

	s.mu.Lock()
	if s.state != StateConnecting && s.state != StateAuthenticated {
		s.mu.Unlock()
		s.conn.Send(ServerMessage{Type: MsgError, Message: ErrAlreadyTunneled.Error()})
		return
	}
	s.state = StateAuthenticated
	s.TenantID = claims.TenantID
	s.LeaseID = claims.LeaseID
	s.AllowedRefs = claims.AllowedRefs
	s.TunnelSecret = claims.TunnelSecret
	s.IssuedAt = claims.IssuedAt.Time
	s.ExpiresAt = claims.ExpiresAt.Time
	s.mu.Unlock()

	b.registry.Bind(s)
	s.conn.Send(ServerMessage{Type: MsgAuthenticated})
	b.logger.Info(fmt.Sprintf("Relay session %s authenticated for lease %s", s.ConnectionID, s.LeaseID), "relay")
}

// handleConnect opens the interactive tunnel for a resource in scope
func (b *Broker) handleConnect(s *Session, msg ClientMessage) {
	if msg.Config == nil {
		s.conn.Send(ServerMessage{Type: MsgError, Message: "connect requires a config"})
		return
	}

	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateClosed:
		s.mu.Unlock()
		s.conn.Send(ServerMessage{Type: MsgError, Message: ErrNotAuthenticated.Error()})
		return
	case StateTunneled:
		s.mu.Unlock()
		s.conn.Send(ServerMessage{Type: MsgError, Message: ErrAlreadyTunneled.Error()})
		return
	}
	expired := b.now().After(s.ExpiresAt)
	allowed := s.allowedRef(msg.Config.ResourceRef)
	secret := s.TunnelSecret
	s.mu.Unlock()

	if expired {
		s.close(&ServerMessage{Type: MsgError, Message: ErrSessionExpired.Error()})
		b.registry.Remove(s)
		return
	}
	if !allowed {
		s.conn.Send(ServerMessage{Type: MsgError, Message: ErrRefNotAllowed.Error()})
		return
	}

	cfg := TunnelConfig{
		Host:     msg.Config.Host,
		Port:     msg.Config.Port,
		Username: msg.Config.Username,
		Secret:   secret,
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}

	s.conn.Send(ServerMessage{Type: MsgStatus, Message: "connecting"})

	tunnel, err := b.dialer.Dial(b.ctx, cfg,
		func(data []byte) {
			s.conn.Send(ServerMessage{Type: MsgOutput, Data: string(data)})
		},
		func(err error) {
			s.mu.Lock()
			if s.state == StateTunneled {
				s.state = StateAuthenticated
				s.tunnel = nil
			}
			s.mu.Unlock()
			s.conn.Send(ServerMessage{Type: MsgStatus, Message: "tunnel closed"})
		})
	if err != nil {
		b.logger.Error(fmt.Sprintf("Tunnel dial failed for session %s: %v", s.ConnectionID, err), "relay")
		s.conn.Send(ServerMessage{Type: MsgError, Message: ErrTunnelFailed.Error()})
		return
	}

	s.mu.Lock()
	if s.state != StateAuthenticated {
		// Closed while dialing
		s.mu.Unlock()
		tunnel.Close()
		return
	}
	s.state = StateTunneled
	s.tunnel = tunnel
	s.mu.Unlock()

	s.conn.Send(ServerMessage{Type: MsgStatus, Message: "connected"})
	b.logger.Info(fmt.Sprintf("Relay session %s tunneled to %s", s.ConnectionID, msg.Config.ResourceRef), "relay")
}

// handleCommand forwards one input line into the open tunnel
func (b *Broker) handleCommand(s *Session, msg ClientMessage) {
	s.mu.Lock()
	tunnel := s.tunnel
	expired := s.state == StateTunneled && b.now().After(s.ExpiresAt)
	s.mu.Unlock()

	if expired {
		s.close(&ServerMessage{Type: MsgError, Message: ErrSessionExpired.Error()})
		b.registry.Remove(s)
		return
	}
	if tunnel == nil {
		s.conn.Send(ServerMessage{Type: MsgError, Message: ErrNoTunnel.Error()})
		return
	}
	if err := tunnel.Write([]byte(msg.Command + "\n")); err != nil {
		s.conn.Send(ServerMessage{Type: MsgError, Message: "tunnel write failed"})
	}
}

// handleDisconnect closes the tunnel but keeps the authenticated session
func (b *Broker) handleDisconnect(s *Session) {
	s.mu.Lock()
	tunnel := s.tunnel
	s.tunnel = nil
	if s.state == StateTunneled {
		s.state = StateAuthenticated
	}
	s.mu.Unlock()

	if tunnel != nil {
		tunnel.Close()
	}
	s.conn.Send(ServerMessage{Type: MsgStatus, Message: "disconnected"})
}

// sweepLoop enforces expiry actively: sessions past their credential expiry
// and idle unauthenticated connections are force-closed on an interval
func (b *Broker) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if closed := b.registry.sweep(b.now(), b.idleTimeout); len(closed) > 0 {
				b.logger.Info(fmt.Sprintf("Swept %d expired relay sessions", len(closed)), "relay")
			}
		case <-b.ctx.Done():
			return
		}
	}
}
