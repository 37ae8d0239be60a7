package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period, must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Outbound frame buffer per connection
	sendBufferSize = 256
)

// wsConn wraps a websocket connection with a buffered outbound channel so
// tunnel output and sweeper frames never write to the socket concurrently
type wsConn struct {
	ws        *websocket.Conn
	send      chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan ServerMessage, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send queues a frame for delivery. Frames are dropped when the peer cannot
// keep up rather than blocking the producer.
func (c *wsConn) Send(msg ServerMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
	}
}

// Close stops the write pump and closes the socket
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writePump serializes all writes to the socket and keeps the peer alive
// with periodic pings
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump delivers inbound frames to handle until the connection drops.
// Malformed frames are answered with an error frame, not a disconnect.
func (c *wsConn) readPump(handle func(ClientMessage)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.Send(ServerMessage{Type: MsgError, Message: "malformed message"})
			continue
		}
		handle(msg)
	}
}
