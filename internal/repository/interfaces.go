package repository

import (
	"context"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/domain"
)

// UserRepository is the identity and presence half of the user directory.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	UpdatePresence(ctx context.Context, username string, update domain.PresenceUpdate) error
	List(ctx context.Context) ([]*domain.User, error)
	// DeleteInactive removes unprotected users last seen before cutoff whose
	// username is not in keep, together with their histories.
	DeleteInactive(ctx context.Context, cutoff time.Time, keep []string) ([]string, error)
}

// MessageRepository is the per-user message history half of the directory.
type MessageRepository interface {
	// Append stores msg in owner's history. It reports false when a copy with
	// the same message id is already present.
	Append(ctx context.Context, owner string, msg *domain.Message) (bool, error)
	MarkRead(ctx context.Context, recipient, sender string) (int64, error)
	History(ctx context.Context, owner string) ([]*domain.Message, error)
	Conversation(ctx context.Context, owner, peer string) ([]*domain.Message, error)
	UnreadCount(ctx context.Context, owner string) (int64, error)
}

type Repositories struct {
	User    UserRepository
	Message MessageRepository
}
