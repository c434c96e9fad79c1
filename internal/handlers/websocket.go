package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matgo18/TheyMissYou/internal/auth"
	"github.com/matgo18/TheyMissYou/internal/config"
	"github.com/matgo18/TheyMissYou/internal/middleware"
	"github.com/matgo18/TheyMissYou/internal/services"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // native clients send no Origin
	},
}

// WebSocketHandler streams a user's live feed and group notifications
type WebSocketHandler struct {
	hub       *services.WSHub
	feeds     *services.FeedComposer
	verifier  middleware.TokenVerifier
	keepalive config.WebSocketConfig
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *services.WSHub,
	feeds *services.FeedComposer,
	verifier middleware.TokenVerifier,
	keepalive config.WebSocketConfig,
) *WebSocketHandler {
	return &WebSocketHandler{
		hub:       hub,
		feeds:     feeds,
		verifier:  verifier,
		keepalive: keepalive,
	}
}

// HandleWebSocket handles GET /ws?token=
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.ValidateWebSocketToken(r.Context(), r.URL.Query().Get("token"), h.verifier)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			log.Error().Err(err).Msg("Failed to verify WebSocket token")
			respondError(w, "Failed to verify token", http.StatusInternalServerError)
			return
		}
		respondError(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	ctx, cancel := context.WithCancel(auth.WithIdentity(r.Context(), userID))
	defer cancel()

	client := h.hub.Register(ctx, userID, conn)
	defer h.hub.Unregister(context.WithoutCancel(ctx), userID, client)

	h.feeds.Open(ctx, userID)
	defer h.feeds.Close(userID)

	updates := make(chan services.FeedState, 1)
	stopWatch, err := h.feeds.Watch(userID, func(state services.FeedState) {
		pushLatest(updates, state)
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to watch feed")
		return
	}
	defer stopWatch()

	go h.writeLoop(ctx, userID, conn, client, updates)

	log.Info().Str("user_id", userID).Msg("WebSocket connection established")
	h.readLoop(ctx, userID, conn, client)
}

// pushLatest hands state to the writer, replacing a state it has not sent yet
func pushLatest(updates chan services.FeedState, state services.FeedState) {
	for {
		select {
		case updates <- state:
			return
		default:
		}
		select {
		case <-updates:
		default:
		}
	}
}

func (h *WebSocketHandler) writeLoop(
	ctx context.Context,
	userID string,
	conn *websocket.Conn,
	client *services.WSClient,
	updates <-chan services.FeedState,
) {
	ticker := time.NewTicker(h.keepalive.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case state := <-updates:
			if err := client.Send(services.WSMessage{Type: "feed", Data: state}); err != nil {
				log.Debug().Err(err).Str("user_id", userID).Msg("Failed to send feed update")
				conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Str("user_id", userID).Msg("Failed to send ping")
				conn.Close()
				return
			}
		}
	}
}

const writeWait = 10 * time.Second

func (h *WebSocketHandler) readLoop(ctx context.Context, userID string, conn *websocket.Conn, client *services.WSClient) {
	conn.SetReadDeadline(time.Now().Add(h.keepalive.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.keepalive.PongTimeout))
	})

	for {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("user_id", userID).Msg("WebSocket error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.keepalive.PongTimeout))

		var msg services.WSMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("Failed to parse WebSocket message")
			h.sendError(client, "Invalid message format")
			continue
		}

		h.handleMessage(ctx, userID, client, msg)
	}
}

// handleMessage processes incoming WebSocket messages
func (h *WebSocketHandler) handleMessage(ctx context.Context, userID string, client *services.WSClient, msg services.WSMessage) {
	switch msg.Type {
	case "refresh":
		if _, err := h.feeds.Refresh(ctx, userID); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to refresh feed")
			h.sendError(client, "Failed to refresh feed")
		}
	case "ping":
		if err := client.Send(services.WSMessage{Type: "pong"}); err != nil {
			log.Debug().Err(err).Str("user_id", userID).Msg("Failed to send pong")
		}
	default:
		h.sendError(client, "Unknown message type")
	}
}

// sendError sends an error message to one connection
func (h *WebSocketHandler) sendError(client *services.WSClient, message string) {
	if err := client.Send(services.WSMessage{Type: "error", Message: message}); err != nil {
		log.Debug().Err(err).Msg("Failed to send error message")
	}
}
