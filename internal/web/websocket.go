package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket message types pushed to dashboard clients.
const (
	WSMsgTypeTree      = "tree_update"
	WSMsgTypeCrash     = "crash_report"
	WSMsgTypeConnected = "connected"
)

// WSMessage is one push to a dashboard client.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

const (
	// writeWait bounds a single message write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for the next pong before dropping
	// the client.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufferSize is the per-client outbound queue; a client that
	// can't drain it gets disconnected rather than stalling the hub.
	sendBufferSize = 64
)

// Hub tracks connected dashboard clients and fans broadcasts out to them.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan *WSMessage
}

// NewHub constructs an empty hub; Run drives it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan *WSMessage, 16),
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			c.send <- &WSMessage{Type: WSMsgTypeConnected}

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.mu.Lock()
			targets := make([]*wsClient, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.Unlock()

			for _, c := range targets {
				select {
				case c.send <- msg:
				default:
					// Slow consumer: drop it.
					h.drop(c)
				}
			}

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues msg for every connected client.
func (h *Hub) Broadcast(msg *WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
		log.Debugf("web: broadcast queue full, dropping %s", msg.Type)
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// wsClient is one dashboard connection with its outbound pump.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan *WSMessage
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is host-local and read-only.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("web: ws upgrade: %v", err)
		return
	}

	c := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan *WSMessage, sendBufferSize),
	}
	s.hub.register <- c

	go c.writePump()
	go c.readPump()
}

// writePump drains the send queue onto the socket, pinging to keep the
// connection alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(
					websocket.CloseMessage, nil,
				)
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				return
			}
		}
	}
}

// readPump consumes (and discards) client frames, keeping pong deadlines
// fresh; the dashboard protocol is push-only.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
