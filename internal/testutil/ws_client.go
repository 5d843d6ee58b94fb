package testutil

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/protocol"
	gorillaWS "github.com/gorilla/websocket"
)

// WSClient is a test WebSocket client
type WSClient struct {
	t        *testing.T
	conn     *gorillaWS.Conn
	messages chan *protocol.Message
	errors   chan error
	done     chan struct{}
	mu       sync.Mutex
}

// NewWSClient creates a new WebSocket test client
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()

	dialer := *gorillaWS.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to connect to websocket: %v", err)
	}

	client := &WSClient{
		t:        t,
		conn:     conn,
		messages: make(chan *protocol.Message, 256),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}

	go client.readPump()

	t.Cleanup(func() {
		client.Close()
	})

	return client
}

// readPump reads messages from the WebSocket connection
func (c *WSClient) readPump() {
	defer close(c.messages)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			case c.errors <- err:
			default:
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			select {
			case c.errors <- err:
			default:
			}
			continue
		}

		select {
		case c.messages <- &msg:
		case <-c.done:
			return
		}
	}
}

// Close closes the WebSocket connection gracefully
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
		c.conn.WriteMessage(gorillaWS.CloseMessage, gorillaWS.FormatCloseMessage(gorillaWS.CloseNormalClosure, ""))
		c.conn.Close()
	}
}

// Send writes one event with the given payload.
func (c *WSClient) Send(msgType protocol.MessageType, payload interface{}) {
	c.t.Helper()

	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		c.t.Fatalf("failed to build %s: %v", msgType, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("failed to marshal message: %v", err)
	}
	c.SendRaw(data)
}

// SendRaw writes data as a text frame, bypassing the envelope.
func (c *WSClient) SendRaw(data []byte) {
	c.t.Helper()

	c.mu.Lock()
	err := c.conn.WriteMessage(gorillaWS.TextMessage, data)
	c.mu.Unlock()

	if err != nil {
		c.t.Fatalf("failed to send message: %v", err)
	}
}

// Register sends register-new-or-existing with a default profile.
func (c *WSClient) Register(username string) {
	c.Send(protocol.MessageTypeRegister, protocol.RegisterPayload{
		Username: username,
		Age:      25,
		Gender:   "other",
	})
}

// RegisterAndWait registers username and returns the session payload.
func (c *WSClient) RegisterAndWait(username string, timeout time.Duration) *protocol.SessionPayload {
	c.t.Helper()

	c.Register(username)
	var payload protocol.SessionPayload
	c.ExpectPayload(protocol.MessageTypeCreated, timeout, &payload)
	return &payload
}

// Resume sends resume-session.
func (c *WSClient) Resume(username string) {
	c.Send(protocol.MessageTypeResume, protocol.UsernamePayload{Username: username})
}

// SendChat sends send-message.
func (c *WSClient) SendChat(sender, recipient, body, id string) {
	c.Send(protocol.MessageTypeSendMessage, protocol.SendMessagePayload{
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ExpectMessage waits for a message of the specified type
func (c *WSClient) ExpectMessage(msgType protocol.MessageType, timeout time.Duration) *protocol.Message {
	c.t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.messages:
			if msg == nil {
				c.t.Fatalf("connection closed while waiting for %s", msgType)
			}
			if msg.Type == msgType {
				return msg
			}
			// Skip other message types (presence broadcasts, roster updates)
		case err := <-c.errors:
			c.t.Fatalf("error while waiting for %s: %v", msgType, err)
		case <-deadline:
			c.t.Fatalf("timeout waiting for message type %s", msgType)
		}
	}
}

// ExpectPayload waits for msgType and decodes its payload into v.
func (c *WSClient) ExpectPayload(msgType protocol.MessageType, timeout time.Duration, v interface{}) {
	c.t.Helper()

	msg := c.ExpectMessage(msgType, timeout)
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		c.t.Fatalf("failed to decode %s payload: %v", msgType, err)
	}
}

// ExpectError waits for and decodes an error message
func (c *WSClient) ExpectError(timeout time.Duration) *protocol.ErrorPayload {
	c.t.Helper()

	var payload protocol.ErrorPayload
	c.ExpectPayload(protocol.MessageTypeError, timeout, &payload)
	return &payload
}

// ExpectNoMessageOfType verifies no message of msgType arrives within timeout.
func (c *WSClient) ExpectNoMessageOfType(msgType protocol.MessageType, timeout time.Duration) {
	c.t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.messages:
			if msg == nil {
				return
			}
			if msg.Type == msgType {
				c.t.Fatalf("unexpected message received: %s", msg.Type)
			}
		case <-deadline:
			return
		}
	}
}

// DrainMessages drains all pending messages from the channel with a timeout.
func (c *WSClient) DrainMessages() {
	c.DrainMessagesWithTimeout(100 * time.Millisecond)
}

// DrainMessagesWithTimeout drains messages, waiting up to timeout for the channel to settle.
func (c *WSClient) DrainMessagesWithTimeout(timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.messages:
			if msg == nil {
				return
			}
			// Reset deadline when we receive a message - more might be coming
			deadline = time.After(50 * time.Millisecond)
		case <-deadline:
			return
		case <-c.done:
			return
		}
	}
}
