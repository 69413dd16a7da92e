package sse

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhub/tallyhub/internal/domain/event"
)

// Message is one frame pushed to a subscriber.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client is one subscriber to a session's event stream.
type Client struct {
	ClientID    string
	SessionID   uuid.UUID
	UserID      string
	ConnectedAt time.Time
	Messages    chan *Message
}

// NewClient creates a subscriber with a buffered message channel.
func NewClient(clientID string, sessionID uuid.UUID, userID string) *Client {
	return &Client{
		ClientID:    clientID,
		SessionID:   sessionID,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		Messages:    make(chan *Message, 100),
	}
}

// Close closes the client's message channel.
func (c *Client) Close() {
	close(c.Messages)
}

// Hub fans session events out to SSE subscribers. It implements
// event.Publisher: events arrive already ordered per session and are handed
// to each subscriber's channel in that order. A subscriber that cannot keep
// up drops frames and reconciles on reconnect via a snapshot read.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register adds a subscriber.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
}

// Unregister removes a subscriber and closes its channel.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

// SessionClientCount returns the number of subscribers for a session.
func (h *Hub) SessionClientCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.SessionID == sessionID {
			n++
		}
	}
	return n
}

// Publish implements event.Publisher.
func (h *Hub) Publish(e *event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	msg := &Message{
		ID:        e.EventID.String(),
		Event:     string(e.Kind),
		Data:      data,
		Timestamp: e.OccurredAt,
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.SessionID == e.SessionID {
			trySend(c, msg)
		}
	}
}

// Stop closes every subscriber.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.Messages <- msg:
		return true
	default:
		return false
	}
}
