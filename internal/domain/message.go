package domain

import (
	"fmt"
	"time"
)

// Message is one history copy of a direct message. Every logical message is
// stored twice: once in the sender's history (Read=true) and once in the
// recipient's history (Read=false). Both copies share MessageID and content.
type Message struct {
	ID            uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	Owner         string    `json:"-" gorm:"size:64;not null;uniqueIndex:ux_messages_owner_message,priority:1;index:idx_messages_owner_sender,priority:1"`
	MessageID     string    `json:"id" gorm:"size:128;not null;uniqueIndex:ux_messages_owner_message,priority:2"`
	Sender        string    `json:"user" gorm:"size:64;not null;index:idx_messages_owner_sender,priority:2"`
	Recipient     string    `json:"to" gorm:"size:64;not null"`
	Body          string    `json:"message,omitempty"`
	AttachmentRef string    `json:"imageUrl,omitempty"`
	Timestamp     time.Time `json:"timestamp" gorm:"not null;index"`
	Read          bool      `json:"read" gorm:"not null;default:false"`
}

// NewMessageID derives the sender-scoped identifier used when the client did
// not supply one.
func NewMessageID(sender string, at time.Time) string {
	return fmt.Sprintf("%s_%d", sender, at.UnixMilli())
}

// Copies returns the recipient copy and the sender copy of m.
func (m *Message) Copies() (recipientCopy, senderCopy *Message) {
	r := *m
	r.ID = 0
	r.Owner = m.Recipient
	r.Read = false

	s := *m
	s.ID = 0
	s.Owner = m.Sender
	s.Read = true
	return &r, &s
}

// HasContent reports whether the message carries a body or an attachment.
func (m *Message) HasContent() bool {
	return m.Body != "" || m.AttachmentRef != ""
}
