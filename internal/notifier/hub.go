package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSEvent is the frame written to websocket clients.
type WSEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Scope     Scope  `json:"scope"`
	Data      any    `json:"data"`
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
	scope Scope
}

type delivery struct {
	scope Scope
	data  []byte
}

// Hub keeps the websocket clients and routes scoped events to them.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan delivery
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan delivery, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Debug().Str("organization", client.scope.OrganizationID).Str("user", client.scope.UserID).Msg("Websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()

		case d := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !matches(client.scope, d.scope) {
					continue
				}
				select {
				case client.send <- d.data:
				default:
					// too slow, drop the client
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// matches reports whether a client subscribed with sub receives an event
// addressed to target.
func matches(sub, target Scope) bool {
	if sub.OrganizationID != target.OrganizationID {
		return false
	}
	return target.UserID == "" || sub.UserID == target.UserID
}

// Emit queues an event for the matching clients. A full queue drops the event.
func (h *Hub) Emit(_ context.Context, event string, scope Scope, data any) error {
	payload, err := json.Marshal(WSEvent{
		Type:      event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Scope:     scope,
		Data:      data,
	})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- delivery{scope: scope, data: payload}:
	default:
		log.Warn().Str("event", event).Msg("Websocket broadcast queue full, dropping event")
	}
	return nil
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request. The organization query parameter is required;
// user narrows the subscription to user-scoped events of that user.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	scope := Scope{OrganizationID: r.URL.Query().Get("organization"), UserID: r.URL.Query().Get("user")}
	if scope.OrganizationID == "" {
		http.Error(w, "organization is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 256), hub: h, scope: scope}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
