package websocket

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one websocket connection. SyncClientID is the client_id the
// device uses in push and pull requests.
type Client struct {
	ID           string
	TenantID     string
	UserID       string
	SyncClientID string
	Conn         *websocket.Conn
	Manager      *Manager
	Send         chan []byte
}

func NewClient(id, tenantID, userID, syncClientID string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:           id,
		TenantID:     tenantID,
		UserID:       userID,
		SyncClientID: syncClientID,
		Conn:         conn,
		Manager:      manager,
		Send:         make(chan []byte, 256),
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] read error for %s: %v", c.ID, err)
			}
			break
		}

		c.Manager.dispatch(&ClientMessage{
			Client:  c,
			Message: message,
		})
	}
}

// WritePump sends one frame per queued message and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
