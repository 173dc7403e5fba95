// Package wsbroadcast streams completed exchange reports to connected
// WebSocket clients in real time, adapted from the teacher's dashboard
// hub. The original broadcasts flow/event rows out of its SQLite store;
// this broadcasts internal/reporting.LogReport summaries the moment
// reporting.Broadcaster.OnChange fires, with no store round trip.
package wsbroadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anthropics/relayproxy/internal/reporting"
)

func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalhostOrigin(origin)
	},
}

// Message types broadcast to clients.
const (
	MessageTypeExchange = "exchange"
	MessageTypePing     = "ping"
)

// Message is a WebSocket message sent to every connected client.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Hub manages WebSocket connections and fans out broadcast messages,
// implementing reporting.MessageListener so it can register directly
// with a reporting.Broadcaster.
type Hub struct {
	logger     *slog.Logger
	clients    map[*client]bool
	broadcast  chan *Message
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a WebSocket hub. Run must be started before any client
// connects.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run drives the hub's main loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "clients", len(h.clients))

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("failed to marshal websocket message", "error", err)
				continue
			}

			h.mu.RLock()
			var toRemove []*client
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					toRemove = append(toRemove, c)
				}
			}
			h.mu.RUnlock()

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, c := range toRemove {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
					}
				}
				h.mu.Unlock()
			}

		case <-pingTicker.C:
			h.Broadcast(&Message{Type: MessageTypePing, Timestamp: time.Now()})
		}
	}
}

// Broadcast enqueues a message for delivery to all connected clients.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping message")
	}
}

// OnChange implements reporting.MessageListener: every reported change
// to a LogReport is summarized and broadcast.
func (h *Hub) OnChange(report *reporting.LogReport) {
	h.Broadcast(&Message{
		Type:      MessageTypeExchange,
		Timestamp: time.Now(),
		Data:      summarize(report),
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler returns an HTTP handler that upgrades to a WebSocket
// connection, rejecting any non-localhost Origin.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !isLocalhostOrigin(origin) {
			h.logger.Warn("rejected non-localhost websocket origin", "origin", origin)
			http.Error(w, "Forbidden: non-localhost origin", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("failed to upgrade websocket connection", "error", err)
			return
		}

		c := &client{conn: conn, send: make(chan []byte, 256)}
		h.register <- c

		go c.writePump()
		go c.readPump(h)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			break
		}
	}
}

// summarize builds the JSON-friendly payload broadcast for a report.
func summarize(report *reporting.LogReport) map[string]interface{} {
	summary := map[string]interface{}{
		"guid":      report.GUID.String(),
		"endpoints": report.EndpointOrder(),
	}

	if req := report.Request(); req != nil {
		summary["method"] = req.Method
		summary["path"] = req.Path
	}
	if resp := report.Response(); resp != nil {
		summary["status"] = resp.Status
		summary["status_message"] = resp.StatusMessage
	}

	return summary
}
