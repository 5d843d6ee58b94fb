package protocol

import (
	"encoding/json"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/domain"
)

type MessageType string

const (
	// Client to Server
	MessageTypeRegister     MessageType = "register-new-or-existing"
	MessageTypeResume       MessageType = "resume-session"
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeSendMessage  MessageType = "send-message"
	MessageTypeMarkRead     MessageType = "mark-read"
	MessageTypeQueryOnline  MessageType = "query-online"
	MessageTypeVerifyOnline MessageType = "verify-bulk-online"
	MessageTypeSyncHistory  MessageType = "sync-history"
	MessageTypeCallInitiate MessageType = "call-initiate"
	MessageTypeCallSignal   MessageType = "call-signal"
	MessageTypeCallAccept   MessageType = "call-accept"
	MessageTypeCallReject   MessageType = "call-reject"
	MessageTypeCallEnd      MessageType = "call-end"
	MessageTypeCallNoAnswer MessageType = "call-unavailable"

	// Server to Client
	MessageTypeExists               MessageType = "exists"
	MessageTypeCreated              MessageType = "created"
	MessageTypeError                MessageType = "error"
	MessageTypeResumed              MessageType = "resumed"
	MessageTypeRefused              MessageType = "refused"
	MessageTypeSendAck              MessageType = "send-ack"
	MessageTypeOnlineStatus         MessageType = "online-status"
	MessageTypeRecipientUnavailable MessageType = "recipient-unavailable"
	MessageTypeOnline               MessageType = "online"
	MessageTypeOffline              MessageType = "offline"
	MessageTypeSelfStateUpdate      MessageType = "self-state-update"
	MessageTypePartnerUpdate        MessageType = "conversation-partner-update"
	MessageTypeIncomingMessage      MessageType = "incoming-message"
	MessageTypeRosterUpdate         MessageType = "roster-update"
	MessageTypeHistory              MessageType = "history"
)

// Client retry contract for send-message. The server side of the contract is
// the message-id dedupe in the directory.
const (
	AckTimeout    = 10 * time.Second
	RetryBase     = time.Second
	RetryAttempts = 3
)

type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// MustMessage is NewMessage for payloads that always marshal.
func MustMessage(msgType MessageType, payload interface{}) *Message {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return domain.ErrInvalidPayload
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return domain.ErrInvalidPayload
	}
	return nil
}

// Client to Server payloads

type RegisterPayload struct {
	Username string `json:"username"`
	Age      int    `json:"age"`
	Gender   string `json:"gender"`
	Country  string `json:"country"`
	Region   string `json:"region"`
}

type UsernamePayload struct {
	Username string `json:"username"`
}

type SendMessagePayload struct {
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	Body          string `json:"body,omitempty"`
	AttachmentRef string `json:"attachmentRef,omitempty"`
	ID            string `json:"id"`
	Timestamp     int64  `json:"timestamp"`
}

type MarkReadPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type VerifyOnlinePayload struct {
	Usernames []string `json:"usernames"`
	Requester string   `json:"requester"`
}

type CallPayload struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Server to Client payloads

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SessionPayload struct {
	User  UserView `json:"user"`
	Token string   `json:"token,omitempty"`
}

type SendAckPayload struct {
	ID      string       `json:"id"`
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Code    string       `json:"code,omitempty"`
	Message *MessageView `json:"message,omitempty"`
}

type PresencePayload struct {
	Username string    `json:"username"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

type OnlineStatusPayload struct {
	Username string    `json:"username"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
	Error    string    `json:"error,omitempty"`
}

type RecipientUnavailablePayload struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	Event  string `json:"event"`
}

type SelfStatePayload struct {
	User        UserView `json:"user"`
	UnreadCount int64    `json:"unreadCount"`
}

type PartnerUpdatePayload struct {
	Partner  UserView      `json:"partner"`
	Messages []MessageView `json:"messages"`
}

type RosterPayload struct {
	Online []string `json:"online"`
}

type HistoryPayload struct {
	Username string        `json:"username"`
	Messages []MessageView `json:"messages"`
}

type UserView struct {
	Username string    `json:"username"`
	Age      int       `json:"age"`
	Gender   string    `json:"gender"`
	Country  string    `json:"country"`
	Region   string    `json:"region"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

type MessageView struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Body          string    `json:"body,omitempty"`
	AttachmentRef string    `json:"attachmentRef,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Read          bool      `json:"read"`
}

func NewUserView(u *domain.User) UserView {
	return UserView{
		Username: u.Username,
		Age:      u.Age,
		Gender:   u.Gender,
		Country:  u.Country,
		Region:   u.Region,
		Online:   u.Online,
		LastSeen: u.LastSeen,
	}
}

func NewMessageView(m *domain.Message) MessageView {
	return MessageView{
		ID:            m.MessageID,
		Sender:        m.Sender,
		Recipient:     m.Recipient,
		Body:          m.Body,
		AttachmentRef: m.AttachmentRef,
		Timestamp:     m.Timestamp,
		Read:          m.Read,
	}
}

func NewMessageViews(msgs []*domain.Message) []MessageView {
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, NewMessageView(m))
	}
	return views
}

// ErrorMessage builds an error event for err.
func ErrorMessage(err error) *Message {
	return MustMessage(MessageTypeError, ErrorPayload{
		Code:    domain.ErrorCode(err),
		Message: err.Error(),
	})
}
