package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/resident-x/go-eagle/internal/domain"
)

const writeWait = 5 * time.Second

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub broadcasts canonical readings to websocket clients. It is a domain.ReadingSink.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	latest  []byte
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "websocket").Logger(),
		clients: make(map[*wsClient]struct{}),
	}
}

// Send broadcasts reading to every connected client. Clients that fail a write are dropped.
func (h *Hub) Send(_ context.Context, reading *domain.CanonicalReading) error {
	if reading == nil {
		return nil
	}
	data, err := json.Marshal(reading)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.latest = data
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			h.logger.Debug().Err(err).Msg("Dropping websocket client")
			h.remove(c)
		}
	}
	return nil
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	}
}

func (h *Hub) add(c *wsClient) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	return h.latest
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// checkOrigin applies the API's allowed origins to websocket upgrades. Requests without
// an Origin header come from non-browser clients and are accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	if r.Header.Get("Origin") == "" {
		return true
	}
	return s.cors.OriginAllowed(r)
}

// handleWebSocket upgrades the connection and streams readings until the client leaves.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn}
	if latest := s.hub.add(client); latest != nil {
		if err := client.write(latest); err != nil {
			s.hub.remove(client)
			return
		}
	}
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	// Reads only detect the close; clients send nothing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.remove(client)
			return
		}
	}
}
