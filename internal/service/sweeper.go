package service

import (
	"context"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/repository"
	"go.uber.org/zap"
)

// Sweeper removes guest users that have been inactive past the configured
// threshold. Live, admin and keep-alive users are never removed.
type Sweeper struct {
	users    repository.UserRepository
	registry *presence.Registry
	notifier *Notifier
	cfg      config.SweepConfig
	log      *zap.Logger
	now      func() time.Time

	housekeeping []func(time.Time)
}

func NewSweeper(users repository.UserRepository, registry *presence.Registry, notifier *Notifier, cfg *config.Config, log *zap.Logger) *Sweeper {
	return &Sweeper{
		users:    users,
		registry: registry,
		notifier: notifier,
		cfg:      cfg.Sweep,
		log:      log,
		now:      time.Now,
	}
}

// Also registers fn to run on every sweep tick.
func (s *Sweeper) Also(fn func(now time.Time)) {
	s.housekeeping = append(s.housekeeping, fn)
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass and returns the removed usernames.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	now := s.now()
	for _, fn := range s.housekeeping {
		fn(now)
	}

	cutoff := now.Add(-s.cfg.InactivityThreshold)
	removed, err := s.users.DeleteInactive(ctx, cutoff, s.registry.LiveUsernames())
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		s.log.Info("inactive users removed", zap.Strings("usernames", removed))
		s.notifier.RosterChanged()
	}
	return removed, nil
}
