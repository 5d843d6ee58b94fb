package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/domain"
	"gorm.io/gorm"
)

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *userRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrIdentityConflict
	}
	return err
}

func (r *userRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) UpdatePresence(ctx context.Context, username string, update domain.PresenceUpdate) error {
	cols := update.Columns()
	if len(cols) == 0 {
		return nil
	}

	res := r.db.WithContext(ctx).
		Model(&domain.User{}).
		Where("username = ?", username).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *userRepository) List(ctx context.Context) ([]*domain.User, error) {
	var users []*domain.User
	err := r.db.WithContext(ctx).Order("username ASC").Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *userRepository) DeleteInactive(ctx context.Context, cutoff time.Time, keep []string) ([]string, error) {
	var deleted []string

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&domain.User{}).
			Where("last_seen < ?", cutoff).
			Where("keep_alive = ?", false).
			Where("(role IS NULL OR role <> ?)", domain.RoleAdmin)
		if len(keep) > 0 {
			q = q.Where("username NOT IN ?", keep)
		}

		var names []string
		if err := q.Pluck("username", &names).Error; err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}

		if err := tx.Where("owner IN ?", names).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("username IN ?", names).Delete(&domain.User{}).Error; err != nil {
			return err
		}
		deleted = names
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}
