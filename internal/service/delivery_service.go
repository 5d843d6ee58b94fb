package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/domain"
	"github.com/gowdhamkrishna/chatup/internal/metrics"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/gowdhamkrishna/chatup/internal/ratelimit"
	"github.com/gowdhamkrishna/chatup/internal/repository"
	"go.uber.org/zap"
)

// DeliveryService validates, stores and fans out direct messages.
type DeliveryService struct {
	users     repository.UserRepository
	messages  repository.MessageRepository
	registry  *presence.Registry
	presence  *PresenceService
	notifier  *Notifier
	limiter   *ratelimit.SlidingWindow
	readGate  *ratelimit.Throttle
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewDeliveryService(repos *repository.Repositories, registry *presence.Registry, presenceSvc *PresenceService, notifier *Notifier, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *DeliveryService {
	return &DeliveryService{
		users:     repos.User,
		messages:  repos.Message,
		registry:  registry,
		presence:  presenceSvc,
		notifier:  notifier,
		limiter:   ratelimit.NewSlidingWindow(cfg.Delivery.RateLimitMessages, cfg.Delivery.RateLimitWindow),
		readGate:  ratelimit.NewThrottle(cfg.Delivery.MarkReadDebounce),
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

type SendInput struct {
	Sender        string
	Recipient     string
	Body          string
	AttachmentRef string
	// ID is the caller's correlation id. Retries of one logical message must
	// reuse it; an empty id is derived from the sender and the current time.
	ID string
}

type SendResult struct {
	Message *domain.Message
	// Delivered reports that incoming-message was queued on the recipient's
	// live connection.
	Delivered bool
	// Duplicate reports that the recipient copy was already stored under
	// this id.
	Duplicate bool
}

// Send runs the delivery pipeline for one message sent over handle. A nil
// error means the sender should be acknowledged with success; the message is
// durable in the recipient's history whether or not it was delivered live.
func (s *DeliveryService) Send(ctx context.Context, handle presence.Handle, input SendInput) (*SendResult, error) {
	s.metrics.MessagesReceived.Inc()

	if input.Sender == "" || input.Recipient == "" {
		return nil, domain.ErrInvalidPayload
	}
	msg := &domain.Message{
		Sender:        input.Sender,
		Recipient:     input.Recipient,
		Body:          input.Body,
		AttachmentRef: input.AttachmentRef,
	}
	if !msg.HasContent() {
		return nil, domain.ErrInvalidPayload
	}

	now := s.now()
	if !s.limiter.Allow(input.Sender, now) {
		s.metrics.RateLimited.Inc()
		return nil, domain.ErrRateLimited
	}

	msg.MessageID = input.ID
	if msg.MessageID == "" {
		msg.MessageID = domain.NewMessageID(input.Sender, now)
	}
	msg.Timestamp = now

	recipientCopy, senderCopy := msg.Copies()
	recipientNew, senderStored, err := s.persistCopies(ctx, recipientCopy, senderCopy)
	if err != nil {
		return nil, err
	}

	// messaging implies liveness for a sender the directory knows
	if senderStored {
		if bound := s.presence.Attach(ctx, handle, input.Sender); bound != "" {
			s.markOnline(ctx, input.Sender, bound, now)
		}
	}

	result := &SendResult{Message: senderCopy, Duplicate: !recipientNew}

	if recipientHandle, ok := s.registry.Resolve(input.Recipient); ok {
		s.markOnline(ctx, input.Recipient, "", now)
		if recipientNew {
			result.Delivered = s.notifier.ToHandle(recipientHandle, protocol.MustMessage(
				protocol.MessageTypeIncomingMessage, protocol.NewMessageView(recipientCopy)))
		}
	}
	if !result.Delivered {
		s.log.Debug("recipient not reachable, message kept in history",
			zap.String("recipient", input.Recipient),
			zap.String("id", msg.MessageID))
	}

	s.notifier.ConversationChanged(input.Sender, input.Recipient)
	return result, nil
}

// persistCopies writes both history copies independently. One failure is
// tolerated and logged; both failing fails the send. It reports whether the
// recipient copy is new and whether the sender copy was stored.
func (s *DeliveryService) persistCopies(ctx context.Context, recipientCopy, senderCopy *domain.Message) (bool, bool, error) {
	var (
		wg                      sync.WaitGroup
		recipientNew            bool
		recipientErr, senderErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		recipientNew, recipientErr = s.messages.Append(ctx, recipientCopy.Owner, recipientCopy)
	}()
	go func() {
		defer wg.Done()
		_, senderErr = s.messages.Append(ctx, senderCopy.Owner, senderCopy)
	}()
	wg.Wait()

	switch {
	case recipientErr != nil && senderErr != nil:
		s.metrics.Errors.Inc()
		return false, false, fmt.Errorf("persist message %s: %w", senderCopy.MessageID, errors.Join(recipientErr, senderErr))
	case recipientErr != nil:
		s.log.Warn("recipient copy not stored",
			zap.String("id", senderCopy.MessageID),
			zap.String("owner", recipientCopy.Owner),
			zap.NamedError("cause", domain.ErrPartialPersistence),
			zap.Error(recipientErr))
	case senderErr != nil:
		s.log.Warn("sender copy not stored",
			zap.String("id", senderCopy.MessageID),
			zap.String("owner", senderCopy.Owner),
			zap.NamedError("cause", domain.ErrPartialPersistence),
			zap.Error(senderErr))
	}
	return recipientNew, senderErr == nil, nil
}

func (s *DeliveryService) markOnline(ctx context.Context, username string, handle presence.Handle, now time.Time) {
	if err := s.users.UpdatePresence(ctx, username, domain.OnlineUpdate(handle.String(), now)); err != nil {
		s.log.Debug("presence touch failed", zap.String("username", username), zap.Error(err))
	}
}

// MarkRead flips every unread message from sender in reader's history. Calls
// for the same pair inside MarkReadDebounce are dropped. It returns the
// number of messages changed.
func (s *DeliveryService) MarkRead(ctx context.Context, handle presence.Handle, sender, reader string) (int64, error) {
	if sender == "" || reader == "" {
		return 0, domain.ErrInvalidPayload
	}
	now := s.now()
	if !s.readGate.Allow(sender+pairSep+reader, now) {
		return 0, nil
	}

	n, err := s.messages.MarkRead(ctx, reader, sender)
	if err != nil {
		return 0, fmt.Errorf("mark read %s<-%s: %w", reader, sender, err)
	}
	if bound := s.presence.Attach(ctx, handle, reader); bound != "" {
		s.markOnline(ctx, reader, bound, now)
	}
	if n > 0 {
		s.notifier.ConversationChanged(reader, sender)
	}
	return n, nil
}

// History returns username's stored messages in arrival order.
func (s *DeliveryService) History(ctx context.Context, username string) ([]*domain.Message, error) {
	if _, err := s.users.FindByUsername(ctx, username); err != nil {
		return nil, err
	}
	return s.messages.History(ctx, username)
}

// Sweep drops rate limiter state for idle senders.
func (s *DeliveryService) Sweep(now time.Time) {
	s.limiter.Sweep(now)
	s.readGate.Sweep(now)
}
