package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/decloud-network/decloud-node/internal/api/auth"
	"github.com/decloud-network/decloud-node/internal/api/middleware"
	"github.com/decloud-network/decloud-node/internal/database"
	"github.com/decloud-network/decloud-node/internal/lease"
	"github.com/decloud-network/decloud-node/internal/marketplace"
	"github.com/decloud-network/decloud-node/internal/relay"
	"github.com/decloud-network/decloud-node/internal/utils"
)

// APIServer provides the HTTP REST/WebSocket API for the node
type APIServer struct {
	ctx        context.Context
	cancel     context.CancelFunc
	server     *http.Server
	listener   net.Listener
	port       string
	logger     *utils.LogsManager
	config     *utils.ConfigManager
	dbManager  *database.SQLiteManager
	leases     *lease.Manager
	allocator  *marketplace.Allocator
	broker     *relay.Broker
	jwtManager *middleware.JWTManager
	challenges *auth.ChallengeManager
	startTime  time.Time
}

// NewAPIServer creates a new API server instance
func NewAPIServer(
	config *utils.ConfigManager,
	logger *utils.LogsManager,
	dbManager *database.SQLiteManager,
	leases *lease.Manager,
	allocator *marketplace.Allocator,
	broker *relay.Broker,
) *APIServer {
	ctx, cancel := context.WithCancel(context.Background())

	jwtSecret := config.GetConfigWithDefault("jwt_secret", "change-this-secret-key-in-production")
	jwtManager := middleware.NewJWTManager(jwtSecret, "decloud-node")

	// Login challenges are valid for 5 minutes
	challenges := auth.NewChallengeManager(5 * time.Minute)

	return &APIServer{
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		config:     config,
		dbManager:  dbManager,
		leases:     leases,
		allocator:  allocator,
		broker:     broker,
		jwtManager: jwtManager,
		challenges: challenges,
		startTime:  time.Now(),
	}
}

// Start initializes and starts the API server
func (s *APIServer) Start() error {
	apiPort := s.config.GetConfigWithDefault("api_port", "8080")
	s.port = apiPort

	fallbackPortsStr := s.config.GetConfigWithDefault("api_fallback_ports", "8081,8082")
	ports := append([]string{apiPort}, parsePortList(fallbackPortsStr)...)

	var err error
	for _, port := range ports {
		addr := fmt.Sprintf(":%s", port)
		s.listener, err = net.Listen("tcp", addr)
		if err == nil {
			s.port = port
			s.logger.Info(fmt.Sprintf("API server bound to port %s", port), "api")
			break
		}
	}
	if s.listener == nil {
		return fmt.Errorf("failed to bind API server to any port: %v", err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := middleware.CORSMiddleware(mux)

	s.server = &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("API server error: %v", err), "api")
		}
	}()

	s.logger.Info("API server started successfully", "api")
	return nil
}

// Stop gracefully shuts down the API server
func (s *APIServer) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Port returns the port the server actually bound to
func (s *APIServer) Port() string {
	return s.port
}

// registerRoutes sets up all HTTP routes
func (s *APIServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)

	// Auth routes
	mux.HandleFunc("/api/auth/challenge", s.handleAuthChallenge)
	mux.HandleFunc("/api/auth/verify", s.handleAuthVerify)

	// Lease routes (authenticated)
	mux.Handle("/api/leases", s.jwtManager.AuthMiddleware(http.HandlerFunc(s.handleLeases)))
	mux.Handle("/api/leases/", s.jwtManager.AuthMiddleware(http.HandlerFunc(s.handleLeaseByID)))

	// Marketplace routes (authenticated)
	mux.Handle("/api/marketplace/find", s.jwtManager.AuthMiddleware(http.HandlerFunc(s.handleMarketplaceFind)))
	mux.Handle("/api/marketplace/claim", s.jwtManager.AuthMiddleware(http.HandlerFunc(s.handleMarketplaceClaim)))
	mux.Handle("/api/marketplace/release", s.jwtManager.AuthMiddleware(http.HandlerFunc(s.handleMarketplaceRelease)))
	mux.Handle("/api/marketplace/penalize", s.jwtManager.AuthMiddleware(http.HandlerFunc(s.handleMarketplacePenalize)))

	// Host owner routes
	mux.HandleFunc("/api/hosts/register", s.handleHostRegister)
	mux.HandleFunc("/api/hosts/verify", s.handleHostVerify)
	mux.Handle("/api/hosts/visibility", s.jwtManager.AuthMiddleware(http.HandlerFunc(s.handleHostVisibility)))
	mux.Handle("/api/hosts", s.jwtManager.AuthMiddleware(http.HandlerFunc(s.handleHostList)))
	mux.Handle("/api/hosts/", s.jwtManager.AuthMiddleware(http.HandlerFunc(s.handleHostByID)))

	// Relay websocket endpoint, authentication happens in-protocol
	mux.HandleFunc("/ws/relay", s.handleRelayWebSocket)
}

// handleHealth returns basic node health
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "ok",
		"uptime":  time.Since(s.startTime).String(),
	})
}

func parsePortList(portsStr string) []string {
	var ports []string
	for _, p := range strings.Split(portsStr, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			ports = append(ports, p)
		}
	}
	return ports
}
