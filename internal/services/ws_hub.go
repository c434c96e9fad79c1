package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matgo18/TheyMissYou/internal/events"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 10 * time.Second

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// WSConn is the part of a websocket connection the hub writes to
type WSConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ WSConn = (*websocket.Conn)(nil)

// WSClient is one registered connection. Writes are serialized per connection.
type WSClient struct {
	conn WSConn
	mu   sync.Mutex
}

// Send writes message to this connection only
func (c *WSClient) Send(message WSMessage) error {
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// PresenceFunc is called when a user's first connection opens or last one closes
type PresenceFunc func(ctx context.Context, userID string, online bool)

// WSHub manages WebSocket connections; a user may hold several at once
type WSHub struct {
	mu          sync.RWMutex
	connections map[string]map[*WSClient]struct{}
	presence    []PresenceFunc
}

// NewWSHub creates a new WebSocket hub that forwards membership changes to
// the connected users they affect
func NewWSHub(bus *events.Bus) *WSHub {
	h := &WSHub{
		connections: make(map[string]map[*WSClient]struct{}),
	}
	bus.OnMembershipChanged(h.handleMembershipChanged)
	return h
}

// OnPresenceChange registers fn for presence transitions. Not safe to call
// concurrently with Register or Unregister.
func (h *WSHub) OnPresenceChange(fn PresenceFunc) {
	h.presence = append(h.presence, fn)
}

// Register registers a new WebSocket connection for a user
func (h *WSHub) Register(ctx context.Context, userID string, conn WSConn) *WSClient {
	client := &WSClient{conn: conn}

	h.mu.Lock()
	clients, ok := h.connections[userID]
	if !ok {
		clients = make(map[*WSClient]struct{})
		h.connections[userID] = clients
	}
	clients[client] = struct{}{}
	first := len(clients) == 1
	h.mu.Unlock()

	log.Info().Str("user_id", userID).Bool("first", first).Msg("WebSocket connection registered")

	if first {
		h.notifyPresence(ctx, userID, true)
	}
	return client
}

// Unregister closes and removes one connection of a user
func (h *WSHub) Unregister(ctx context.Context, userID string, client *WSClient) {
	h.mu.Lock()
	clients, ok := h.connections[userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[client]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	last := len(clients) == 0
	if last {
		delete(h.connections, userID)
	}
	h.mu.Unlock()

	client.conn.Close()
	log.Info().Str("user_id", userID).Bool("last", last).Msg("WebSocket connection unregistered")

	if last {
		h.notifyPresence(ctx, userID, false)
	}
}

func (h *WSHub) notifyPresence(ctx context.Context, userID string, online bool) {
	for _, fn := range h.presence {
		fn(ctx, userID, online)
	}
}

// SendToUser sends a message to every connection of a user
func (h *WSHub) SendToUser(userID string, message WSMessage) error {
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.connections[userID]))
	for c := range h.connections[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return fmt.Errorf("user %s is not connected", userID)
	}

	var firstErr error
	for _, c := range clients {
		if err := c.Send(message); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("type", message.Type).Msg("Failed to write to WebSocket")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// IsOnline checks if a user has at least one open connection
func (h *WSHub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID]) > 0
}

// Connections returns the number of open connections of a user
func (h *WSHub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

func (h *WSHub) handleMembershipChanged(ctx context.Context, e events.MembershipChanged) {
	message := WSMessage{
		Type: "membership_changed",
		Data: map[string]any{
			"group_id": e.GroupID,
			"user_id":  e.UserID,
			"kind":     string(e.Kind),
		},
	}
	for _, userID := range e.Affected() {
		if !h.IsOnline(userID) {
			continue
		}
		if err := h.SendToUser(userID, message); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("Failed to notify membership change")
		}
	}
}
