package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

const maxMessageSize = 64 * 1024

type ClientMessage struct {
	Client  *Client
	Message []byte
}

// Manager tracks live connections per tenant and fans change notifications
// out to them.
type Manager struct {
	clients          map[string]*Client
	tenantIndex      map[string]map[string]bool
	clientsMutex     sync.RWMutex
	Register         chan *Client
	Unregister       chan *Client
	HandleMessage    chan *ClientMessage
	maxConnPerTenant int
	writeWait        time.Duration
	pongWait         time.Duration
	pingPeriod       time.Duration
	messageHandler   MessageHandler
	presenceHandler  PresenceHandler
	done             chan struct{}
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

// PresenceHandler is told when a registered client connects or goes away.
type PresenceHandler interface {
	ClientConnected(client *Client)
	ClientDisconnected(client *Client)
}

func NewManager(maxConnPerTenant int, writeWait, pongWait, pingPeriod time.Duration) *Manager {
	return &Manager{
		clients:          make(map[string]*Client),
		tenantIndex:      make(map[string]map[string]bool),
		Register:         make(chan *Client),
		Unregister:       make(chan *Client),
		HandleMessage:    make(chan *ClientMessage),
		maxConnPerTenant: maxConnPerTenant,
		writeWait:        writeWait,
		pongWait:         pongWait,
		pingPeriod:       pingPeriod,
		done:             make(chan struct{}),
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

func (m *Manager) SetPresenceHandler(handler PresenceHandler) {
	m.presenceHandler = handler
}

func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return

		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.tenantIndex[client.TenantID] == nil {
		m.tenantIndex[client.TenantID] = make(map[string]bool)
	}

	if m.maxConnPerTenant > 0 && len(m.tenantIndex[client.TenantID]) >= m.maxConnPerTenant {
		log.Printf("[WebSocket] max connections reached for tenant %s", client.TenantID)
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.tenantIndex[client.TenantID][client.ID] = true

	log.Printf("[WebSocket] client registered: %s (tenant: %s, client_id: %s)", client.ID, client.TenantID, client.SyncClientID)

	if m.presenceHandler != nil {
		go m.presenceHandler.ClientConnected(client)
	}
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return
	}

	delete(m.clients, client.ID)
	delete(m.tenantIndex[client.TenantID], client.ID)
	if len(m.tenantIndex[client.TenantID]) == 0 {
		delete(m.tenantIndex, client.TenantID)
	}
	close(client.Send)

	log.Printf("[WebSocket] client unregistered: %s", client.ID)

	if m.presenceHandler != nil && !m.syncClientConnected(client.TenantID, client.SyncClientID) {
		go m.presenceHandler.ClientDisconnected(client)
	}
}

// syncClientConnected reports whether another connection for the same
// client_id is still open. Callers hold clientsMutex.
func (m *Manager) syncClientConnected(tenantID, syncClientID string) bool {
	for id := range m.tenantIndex[tenantID] {
		if m.clients[id].SyncClientID == syncClientID {
			return true
		}
	}
	return false
}

// Add registers c with the Run loop unless the manager has stopped.
func (m *Manager) Add(c *Client) {
	select {
	case m.Register <- c:
	case <-m.done:
		close(c.Send)
	}
}

// unregister hands c to the Run loop unless the manager has stopped.
func (m *Manager) unregister(c *Client) {
	select {
	case m.Unregister <- c:
	case <-m.done:
	}
}

func (m *Manager) dispatch(msg *ClientMessage) {
	select {
	case m.HandleMessage <- msg:
	case <-m.done:
	}
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for id, client := range m.clients {
		close(client.Send)
		delete(m.clients, id)
	}
	m.tenantIndex = make(map[string]map[string]bool)
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		log.Printf("[WebSocket] error unmarshaling message: %v", err)
		return
	}

	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(clientMsg.Client, &msg); err != nil {
			log.Printf("[WebSocket] error handling message: %v", err)
		}
	}
}

// BroadcastToTenant queues message for every connection of the tenant except
// those belonging to excludeClientID. Connections whose buffer is full are
// dropped.
func (m *Manager) BroadcastToTenant(tenantID string, message *Message, excludeClientID string) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	var stale []*Client

	m.clientsMutex.RLock()
	for clientID := range m.tenantIndex[tenantID] {
		client := m.clients[clientID]
		if client.SyncClientID == excludeClientID {
			continue
		}
		select {
		case client.Send <- messageBytes:
		default:
			log.Printf("[WebSocket] client %s send buffer full, closing connection", clientID)
			stale = append(stale, client)
		}
	}
	m.clientsMutex.RUnlock()

	for _, client := range stale {
		go m.unregister(client)
	}
	return nil
}

// NotifyChanges announces applied entries to the tenant's other clients.
func (m *Manager) NotifyChanges(tenantID, originClientID string, entityTypes []string, applied int, syncTimestamp time.Time) {
	msg, err := NewMessage(TypeChangesAvailable, &ChangesAvailablePayload{
		EntityTypes:   entityTypes,
		SyncTimestamp: syncTimestamp,
		Applied:       applied,
	})
	if err != nil {
		log.Printf("[WebSocket] failed to build notification: %v", err)
		return
	}

	if err := m.BroadcastToTenant(tenantID, msg, originClientID); err != nil {
		log.Printf("[WebSocket] failed to broadcast to tenant %s: %v", tenantID, err)
	}
}

func (m *Manager) SendToClient(clientID string, message *Message) error {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	client, exists := m.clients[clientID]
	if !exists {
		return nil
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case client.Send <- messageBytes:
	default:
		log.Printf("[WebSocket] client %s send buffer full", clientID)
	}

	return nil
}

func (m *Manager) TenantConnections(tenantID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	return len(m.tenantIndex[tenantID])
}
