package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gowdhamkrishna/chatup/internal/domain"
	"gorm.io/gorm"
)

// UserBuilder creates test users with a builder pattern
type UserBuilder struct {
	user domain.User
}

// NewUserBuilder creates a new UserBuilder with default values
func NewUserBuilder() *UserBuilder {
	return &UserBuilder{
		user: domain.User{
			Username: fmt.Sprintf("guest_%s", uuid.New().String()[:8]),
			Age:      25,
			Gender:   "other",
			Country:  domain.DefaultLocation,
			Region:   domain.DefaultLocation,
			LastSeen: time.Now(),
		},
	}
}

func (b *UserBuilder) WithUsername(name string) *UserBuilder {
	b.user.Username = name
	return b
}

func (b *UserBuilder) WithLastSeen(at time.Time) *UserBuilder {
	b.user.LastSeen = at
	return b
}

func (b *UserBuilder) Online() *UserBuilder {
	b.user.Online = true
	return b
}

func (b *UserBuilder) Admin() *UserBuilder {
	b.user.Role = domain.RoleAdmin
	return b
}

func (b *UserBuilder) KeepAlive() *UserBuilder {
	b.user.KeepAlive = true
	return b
}

// Build creates the user in the database
func (b *UserBuilder) Build(t *testing.T, db *gorm.DB) *domain.User {
	t.Helper()

	user := b.user
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return &user
}

// BuildAndAuthenticate creates the user and issues a session token for it.
func (b *UserBuilder) BuildAndAuthenticate(t *testing.T, ts *TestServer) (*domain.User, string) {
	t.Helper()

	user := b.Build(t, ts.DB.DB)
	token, err := ts.Services.Auth.IssueToken(user.Username)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return user, token
}

// MessageBuilder stores a message copy directly in an owner's history.
type MessageBuilder struct {
	msg domain.Message
}

func NewMessageBuilder(sender, recipient string) *MessageBuilder {
	now := time.Now()
	return &MessageBuilder{
		msg: domain.Message{
			MessageID: domain.NewMessageID(sender, now) + "_" + uuid.New().String()[:4],
			Sender:    sender,
			Recipient: recipient,
			Body:      "hello",
			Timestamp: now,
		},
	}
}

func (b *MessageBuilder) WithBody(body string) *MessageBuilder {
	b.msg.Body = body
	return b
}

func (b *MessageBuilder) Read() *MessageBuilder {
	b.msg.Read = true
	return b
}

// BuildFor stores the copy in owner's history.
func (b *MessageBuilder) BuildFor(t *testing.T, db *gorm.DB, owner string) *domain.Message {
	t.Helper()

	msg := b.msg
	msg.Owner = owner
	if err := db.Create(&msg).Error; err != nil {
		t.Fatalf("failed to create message: %v", err)
	}
	return &msg
}
