package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dominds/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024 // 1MB

	// closeUnauthorized is sent before dropping an unauthenticated socket.
	closeUnauthorized = 4401
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one WebSocket connection. At most one dialog subscription is
// live per client; displaying a dialog replaces the previous subscription.
type Client struct {
	hub  *Hub
	gw   *Gateway
	conn *websocket.Conn
	send chan []byte
	id   string

	mu        sync.Mutex
	uiLang    string
	subCancel context.CancelFunc
}

func newClient(hub *Hub, gw *Gateway, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		gw:   gw,
		conn: conn,
		send: make(chan []byte, 256),
		id:   uuid.New().String(),
	}
}

// teardown releases the client's subscription and send channel. Called by
// the hub with its lock held.
func (c *Client) teardown() {
	c.cancelSubscription()
	close(c.send)
}

// replaceSubscription cancels the current dialog subscription and installs
// ctx's cancel as the new one.
func (c *Client) replaceSubscription(cancel context.CancelFunc) {
	c.mu.Lock()
	prev := c.subCancel
	c.subCancel = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (c *Client) cancelSubscription() {
	c.mu.Lock()
	cancel := c.subCancel
	c.subCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) setUILanguage(lang string) {
	c.mu.Lock()
	c.uiLang = lang
	c.mu.Unlock()
}

func (c *Client) uiLanguage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uiLang
}

// sendJSON queues a message for this client, dropping it when the buffer is
// full.
func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Str("client_id", c.id).Msg("marshal client message")
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(requestID, message string) {
	c.sendJSON(errorMessage{Type: TypeError, RequestID: requestID, Message: message})
}

// readPump pumps messages from the WebSocket connection to the dispatcher.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn().Err(err).Str("client_id", c.id).Msg("unparseable client message")
			c.sendError("", "failed to parse message")
			continue
		}
		c.gw.dispatch(c, msg)
	}
}

// writePump pumps queued messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Error().Err(err).Str("client_id", c.id).Msg("websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
