package postgres

import (
	"context"

	"github.com/gowdhamkrishna/chatup/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type messageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *messageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Append(ctx context.Context, owner string, msg *domain.Message) (bool, error) {
	msg.Owner = owner
	inserted := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.User{}).Where("username = ?", owner).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrUserNotFound
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner"}, {Name: "message_id"}},
			DoNothing: true,
		}).Create(msg)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (r *messageRepository) MarkRead(ctx context.Context, recipient, sender string) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where(map[string]interface{}{"owner": recipient, "sender": sender, "read": false}).
		Update("read", true)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *messageRepository) History(ctx context.Context, owner string) ([]*domain.Message, error) {
	var messages []*domain.Message
	err := r.db.WithContext(ctx).
		Where("owner = ?", owner).
		Order("id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) Conversation(ctx context.Context, owner, peer string) ([]*domain.Message, error) {
	var messages []*domain.Message
	err := r.db.WithContext(ctx).
		Where("owner = ?", owner).
		Where("(sender = ? OR recipient = ?)", peer, peer).
		Order("id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) UnreadCount(ctx context.Context, owner string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where(map[string]interface{}{"owner": owner, "read": false}).
		Count(&count).Error
	return count, err
}
