package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/gorilla/websocket"
)

const replyTimeout = 10 * time.Second

// Session is one fake user's websocket connection.
type Session struct {
	Username string
	Token    string

	conn    *websocket.Conn
	events  chan *protocol.Message
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once

	inboxMu sync.Mutex
	inbox   []protocol.MessageView
}

// Connect dials the relay claiming username, then registers it, falling back
// to resume when the name is taken.
func Connect(apiURL, username string) (*Session, error) {
	wsURL := strings.Replace(apiURL, "http", "ws", 1) + "/api/v1/ws?username=" + url.QueryEscape(username)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	s := &Session{
		Username: username,
		conn:     conn,
		events:   make(chan *protocol.Message, 256),
		done:     make(chan struct{}),
	}
	go s.readLoop()

	if err := s.send(protocol.MessageTypeRegister, protocol.RegisterPayload{
		Username: username,
		Age:      18 + len(username)%30,
		Gender:   "other",
	}); err != nil {
		s.Close()
		return nil, err
	}

	msg, err := s.await(protocol.MessageTypeCreated, protocol.MessageTypeExists)
	if err != nil {
		s.Close()
		return nil, err
	}
	if msg.Type == protocol.MessageTypeExists {
		if err := s.send(protocol.MessageTypeResume, protocol.UsernamePayload{Username: username}); err != nil {
			s.Close()
			return nil, err
		}
		if msg, err = s.await(protocol.MessageTypeResumed, protocol.MessageTypeRefused); err != nil {
			s.Close()
			return nil, err
		}
		if msg.Type == protocol.MessageTypeRefused {
			s.Close()
			return nil, fmt.Errorf("resume of %s refused", username)
		}
	}

	var session protocol.SessionPayload
	if err := msg.Decode(&session); err != nil {
		s.Close()
		return nil, err
	}
	s.Token = session.Token
	return s, nil
}

// Chat sends one message and waits for its acknowledgement.
func (s *Session) Chat(recipient, body string) (*protocol.SendAckPayload, error) {
	if err := s.send(protocol.MessageTypeSendMessage, protocol.SendMessagePayload{
		Sender:    s.Username,
		Recipient: recipient,
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return nil, err
	}
	msg, err := s.await(protocol.MessageTypeSendAck)
	if err != nil {
		return nil, err
	}
	var ack protocol.SendAckPayload
	if err := msg.Decode(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Heartbeat keeps the session marked online until stop is closed.
func (s *Session) Heartbeat(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.send(protocol.MessageTypeHeartbeat, protocol.UsernamePayload{Username: s.Username}); err != nil {
				return
			}
		}
	}
}

// Incoming drains the messages delivered to this session so far.
func (s *Session) Incoming() []protocol.MessageView {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	out := s.inbox
	s.inbox = nil
	return out
}

func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) send(msgType protocol.MessageType, payload interface{}) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// await returns the first event of one of types; other events are dropped.
func (s *Session) await(types ...protocol.MessageType) (*protocol.Message, error) {
	deadline := time.After(replyTimeout)
	for {
		select {
		case msg, ok := <-s.events:
			if !ok {
				return nil, fmt.Errorf("connection closed waiting for %v", types)
			}
			for _, t := range types {
				if msg.Type == t {
					return msg, nil
				}
			}
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for %v", types)
		}
	}
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == protocol.MessageTypeIncomingMessage {
			var view protocol.MessageView
			if err := msg.Decode(&view); err == nil {
				s.inboxMu.Lock()
				s.inbox = append(s.inbox, view)
				s.inboxMu.Unlock()
			}
			continue
		}
		select {
		case s.events <- &msg:
		default:
		}
	}
}
