package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/gowdhamkrishna/chatup/internal/service"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// Client is one websocket connection. Events from a connection are handled
// one at a time in ReadPump, in arrival order.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	registered  chan struct{}
	handle      presence.Handle
	connectedAt time.Time
	services    *service.Services
	commands    *CommandHandler
	log         *zap.Logger

	mu     sync.Mutex
	claim  string
	closed bool
}

// NewClient wraps conn. claim is the username the connection says it is
// for; it is advisory until a register or resume succeeds.
func NewClient(hub *Hub, conn *websocket.Conn, services *service.Services, claim string) *Client {
	handle := presence.NewHandle()
	c := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		registered:  make(chan struct{}),
		handle:      handle,
		connectedAt: time.Now(),
		services:    services,
		claim:       claim,
		log:         hub.log.With(zap.String("handle", handle.String())),
	}
	c.commands = NewCommandHandler(c, services)
	return c
}

func (c *Client) Handle() presence.Handle {
	return c.handle
}

func (c *Client) Claim() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claim
}

func (c *Client) SetClaim(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claim = username
}

func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close stops the send queue; WritePump then closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Start runs both pumps. Hub.Stop waits for the read pump's teardown.
func (c *Client) Start() {
	tracked := c.hub.track()
	go c.WritePump()
	go func() {
		if tracked {
			defer c.hub.pumps.Done()
		}
		c.ReadPump()
	}()
}

func (c *Client) ReadPump() {
	defer func() {
		// closed before the disconnect so registry repairs skip this handle
		c.Close()
		c.hub.Unregister(c)
		c.conn.Close()
		c.services.Presence.Disconnect(context.Background(), c.handle)
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
				c.log.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}

		c.commands.Handle(context.Background(), &msg)
	}
}

func (c *Client) WritePump() {
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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

// Send queues msg. It reports false when the connection is closed or its
// queue is full.
func (c *Client) Send(msg *protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}
	return c.sendRaw(data)
}

func (c *Client) sendRaw(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("send queue full, frame dropped")
		return false
	}
}
