// Package httpapi is the read-only HTTP projection of OrchestrationState
// (§1's "dashboard" carve-out) plus the WebSocket event hub that
// broadcasts coordinator events (including task completions) to it. The hub/client
// machinery is adapted line-for-line from the teacher's
// internal/api/websocket.go, generalized from per-codex-session events
// keyed by session ID to per-run events keyed by spec ID.
package httpapi

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Event is one message pushed to subscribers of a run.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Client is one WebSocket subscriber to a single spec's event stream.
type Client struct {
	SpecID string
	Conn   *websocket.Conn
	Send   chan Event
	hub    *Hub
	ctx    context.Context
}

// NewClient creates a WebSocket client subscribed to specID's events.
func NewClient(specID string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		SpecID: specID,
		Conn:   conn,
		Send:   make(chan Event, 256),
		hub:    hub,
		ctx:    context.Background(),
	}
}

// ReadLoop drains (and discards) client reads, which only exist to detect
// disconnects; SpecKitFlow's event stream is one-directional.
func (c *Client) ReadLoop() {
	defer func() {
		c.hub.Unregister(c)
		c.Conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := c.Conn.Read(c.ctx); err != nil {
			break
		}
	}
}

// WriteLoop writes queued events to the connection until Send is closed.
func (c *Client) WriteLoop(log zerolog.Logger) {
	defer c.Conn.Close(websocket.StatusNormalClosure, "")

	for event := range c.Send {
		data, err := json.Marshal(event)
		if err != nil {
			log.Warn().Err(err).Msg("failed to marshal event")
			continue
		}
		if err := c.Conn.Write(c.ctx, websocket.MessageText, data); err != nil {
			log.Debug().Err(err).Msg("websocket write failed, closing")
			break
		}
	}
}

// Hub fans out events to every client subscribed to a given spec ID.
type Hub struct {
	clients    map[string][]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMsg
	log        zerolog.Logger
	mu         sync.RWMutex
}

type broadcastMsg struct {
	SpecID string
	Event  Event
}

// NewHub creates an idle Hub; call Run to start its event loop.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string][]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMsg, 256),
		log:        log.With().Str("component", "httpapi.hub").Logger(),
	}
}

// Run drives the hub's register/unregister/broadcast loop until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.SpecID] = append(h.clients[client.SpecID], client)
			h.mu.Unlock()
			h.log.Debug().Str("spec_id", client.SpecID).Msg("client registered")

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := h.clients[msg.SpecID]
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.Send <- msg.Event:
				default:
					// Unregister inline: Unregister() sends on h.unregister,
					// which only this goroutine drains, so calling it here
					// would deadlock the hub against itself.
					h.removeClient(client)
				}
			}
		}
	}
}

// removeClient drops client from the hub and closes its Send channel. Only
// called from within Run's own goroutine, either directly (broadcast found a
// full buffer) or via the unregister channel (ReadLoop detected a disconnect).
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	found := false
	if clients, ok := h.clients[client.SpecID]; ok {
		for i, c := range clients {
			if c == client {
				h.clients[client.SpecID] = append(clients[:i], clients[i+1:]...)
				found = true
				break
			}
		}
		if len(h.clients[client.SpecID]) == 0 {
			delete(h.clients, client.SpecID)
		}
	}
	h.mu.Unlock()

	if !found {
		// Already removed by the other path (broadcast's full-buffer case
		// and ReadLoop's disconnect both route here) - don't double-close.
		return
	}
	close(client.Send)
	h.log.Debug().Str("spec_id", client.SpecID).Msg("client unregistered")
}

// Register adds client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast sends event to every client subscribed to specID.
func (h *Hub) Broadcast(specID string, event Event) {
	h.broadcast <- broadcastMsg{SpecID: specID, Event: event}
}

// Emit broadcasts eventType/payload to specID's subscribers.
func (h *Hub) Emit(specID, eventType string, payload any) {
	h.Broadcast(specID, Event{Type: eventType, Data: payload})
}

// SpecSink adapts a Hub to coordinator.EventSink for one fixed spec ID, so
// SessionCoordinator can emit without knowing about spec IDs or the hub.
type SpecSink struct {
	hub    *Hub
	specID string
}

// SinkFor returns an EventSink that routes every Emit call to specID's
// subscribers.
func (h *Hub) SinkFor(specID string) *SpecSink {
	return &SpecSink{hub: h, specID: specID}
}

// Emit implements coordinator.EventSink.
func (s *SpecSink) Emit(eventType string, payload any) {
	s.hub.Emit(s.specID, eventType, payload)
}
