package handler

import (
	"context"
	"log"
	"net/http"
	"time"

	"factoryos-sync/internal/middleware"
	"factoryos-sync/internal/service"
	"factoryos-sync/internal/websocket"
	"factoryos-sync/pkg/jwt"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

const presenceTimeout = 5 * time.Second

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnection upgrades an authenticated request. The token comes from
// the token query parameter or the Authorization header; client_id names the
// sync client so its own pushes are not echoed back.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r)
	}

	if token == "" {
		log.Printf("[WebSocket] Missing authorization token")
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		log.Printf("[WebSocket] Token validation failed: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	syncClientID := r.URL.Query().Get("client_id")
	if syncClientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] Failed to upgrade connection: %v", err)
		return
	}

	client := websocket.NewClient(uuid.New().String(), claims.TenantID, claims.UserID, syncClientID, conn, h.manager)
	h.manager.Add(client)

	go client.WritePump()
	go client.ReadPump()
}

// WebSocketMessageHandler answers client messages and records presence.
type WebSocketMessageHandler struct {
	syncService *service.SyncService
}

func NewWebSocketMessageHandler(syncService *service.SyncService) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{
		syncService: syncService,
	}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypePing:
		return reply(client, websocket.TypePong, nil)

	default:
		log.Printf("[WebSocket] unknown message type: %s", msg.Type)
		return reply(client, websocket.TypeError, &websocket.ErrorPayload{Error: "unknown message type"})
	}
}

func (h *WebSocketMessageHandler) ClientConnected(client *websocket.Client) {
	h.setOnline(client, true)
}

func (h *WebSocketMessageHandler) ClientDisconnected(client *websocket.Client) {
	h.setOnline(client, false)
}

func (h *WebSocketMessageHandler) setOnline(client *websocket.Client, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	if err := h.syncService.SetOnline(ctx, client.TenantID, client.SyncClientID, online); err != nil {
		log.Printf("[WebSocket] failed to record presence for %s: %v", client.SyncClientID, err)
	}
}

func reply(client *websocket.Client, msgType websocket.MessageType, payload interface{}) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return client.Manager.SendToClient(client.ID, msg)
}
