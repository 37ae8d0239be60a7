package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Relay clients authenticate in-protocol with a signed credential
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRelayWebSocket upgrades the connection and hands it to the relay
// broker. The socket starts unauthenticated; the broker enforces credential
// checks on every frame.
func (s *APIServer) handleRelayWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Relay websocket upgrade failed: %v", err), "api")
		return
	}

	s.broker.HandleConnection(conn)
}
