package service

import (
	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/metrics"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/gowdhamkrishna/chatup/internal/repository"
	"github.com/gowdhamkrishna/chatup/pkg/logger"
	"go.uber.org/zap"
)

// Transport is the live connection table as seen by the services.
type Transport interface {
	// SendTo queues msg on the connection identified by handle. It reports
	// false when the connection is gone or cannot accept more data.
	SendTo(handle presence.Handle, msg *protocol.Message) bool
	Broadcast(msg *protocol.Message)
	// IsOpen reports whether handle still refers to a physically open connection.
	IsOpen(handle presence.Handle) bool
	// FindByClaim scans open connections for one that claims username.
	FindByClaim(username string) (presence.Handle, bool)
}

type Services struct {
	Auth     *AuthService
	Presence *PresenceService
	Delivery *DeliveryService
	Calls    *CallService
	Sweeper  *Sweeper
	Notifier *Notifier
}

func NewServices(repos *repository.Repositories, registry *presence.Registry, transport Transport, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *Services {
	auth := NewAuthService(repos.User, cfg)
	notifier := NewNotifier(registry, transport, repos, cfg, logger.Component(log, "notifier"), m)
	// every registry write goes through presence under these locks
	locks := presence.NewKeyedMutex()
	presenceSvc := NewPresenceService(repos.User, registry, transport, auth, notifier, locks, cfg, logger.Component(log, "presence"))
	delivery := NewDeliveryService(repos, registry, presenceSvc, notifier, cfg, logger.Component(log, "delivery"), m)
	sweeper := NewSweeper(repos.User, registry, notifier, cfg, logger.Component(log, "sweeper"))
	sweeper.Also(delivery.Sweep)

	return &Services{
		Auth:     auth,
		Presence: presenceSvc,
		Delivery: delivery,
		Calls:    NewCallService(repos.User, registry, presenceSvc, transport, cfg, logger.Component(log, "calls"), m),
		Sweeper:  sweeper,
		Notifier: notifier,
	}
}

// Close stops background work owned by the services.
func (s *Services) Close() {
	s.Calls.Close()
	s.Notifier.Close()
}
