package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/domain"
	"github.com/gowdhamkrishna/chatup/internal/metrics"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/gowdhamkrishna/chatup/internal/repository"
	"go.uber.org/zap"
)

// CallService relays call signaling between two usernames. It carries no
// call state; payloads are forwarded untouched.
type CallService struct {
	users     repository.UserRepository
	registry  *presence.Registry
	presence  *PresenceService
	transport Transport
	cfg       config.CallConfig
	log       *zap.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCallService(users repository.UserRepository, registry *presence.Registry, presenceSvc *PresenceService, transport Transport, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *CallService {
	ctx, cancel := context.WithCancel(context.Background())
	return &CallService{
		users:     users,
		registry:  registry,
		presence:  presenceSvc,
		transport: transport,
		cfg:       cfg.Calls,
		log:       log,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}
}

type CallInput struct {
	From    string
	To      string
	Payload json.RawMessage
}

// Initiate forwards a call request to input.To. When the first attempt
// cannot reach the callee, delivery is retried in the background after
// RetryBase, 2*RetryBase, ... up to RetryAttempts times. A bind of the callee
// cuts the current wait short. Each attempt resolves the callee afresh. The
// caller receives recipient-unavailable once the budget is spent.
func (s *CallService) Initiate(ctx context.Context, caller presence.Handle, input CallInput) error {
	if input.From == "" || input.To == "" {
		return domain.ErrInvalidPayload
	}

	if _, err := s.users.FindByUsername(ctx, input.To); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			s.unavailable(caller, input, protocol.MessageTypeCallInitiate)
			return nil
		}
		return err
	}

	msg := protocol.MustMessage(protocol.MessageTypeCallInitiate, protocol.CallPayload{
		From:    input.From,
		To:      input.To,
		Payload: input.Payload,
	})
	if s.deliver(ctx, input.To, msg) {
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.retry(caller, input, msg)
	}()
	return nil
}

func (s *CallService) retry(caller presence.Handle, input CallInput, msg *protocol.Message) {
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		bound, cancelWait := s.registry.Subscribe(input.To)
		timer := time.NewTimer(s.cfg.RetryBase * time.Duration(attempt))

		select {
		case <-s.ctx.Done():
			timer.Stop()
			cancelWait()
			return
		case <-bound:
		case <-timer.C:
		}
		timer.Stop()
		cancelWait()

		s.metrics.CallRetries.Inc()
		if s.deliver(s.ctx, input.To, msg) {
			s.log.Info("call delivered on retry",
				zap.String("from", input.From),
				zap.String("to", input.To),
				zap.Int("attempt", attempt))
			return
		}
	}

	s.log.Info("call delivery exhausted retries", zap.String("from", input.From), zap.String("to", input.To))
	s.unavailable(caller, input, protocol.MessageTypeCallInitiate)
}

// Forward relays a single-shot signaling event (signal, accept, reject, end)
// with no retry.
func (s *CallService) Forward(ctx context.Context, caller presence.Handle, event protocol.MessageType, input CallInput) error {
	if input.From == "" || input.To == "" {
		return domain.ErrInvalidPayload
	}
	msg := protocol.MustMessage(event, protocol.CallPayload{
		From:    input.From,
		To:      input.To,
		Payload: input.Payload,
	})
	if !s.deliver(ctx, input.To, msg) {
		s.unavailable(caller, input, event)
	}
	return nil
}

// NotAvailable relays a callee's refusal back to the caller named in
// input.To.
func (s *CallService) NotAvailable(ctx context.Context, input CallInput) error {
	if input.To == "" {
		return domain.ErrInvalidPayload
	}
	msg := protocol.MustMessage(protocol.MessageTypeRecipientUnavailable, protocol.RecipientUnavailablePayload{
		Caller: input.To,
		Callee: input.From,
		Event:  string(protocol.MessageTypeCallNoAnswer),
	})
	s.deliver(ctx, input.To, msg)
	return nil
}

// Close cancels pending retries and waits for them to exit.
func (s *CallService) Close() {
	s.cancel()
	s.wg.Wait()
}

// deliver sends msg to username's open connection, repairing a stale
// registry entry from a connection that claims username.
func (s *CallService) deliver(ctx context.Context, username string, msg *protocol.Message) bool {
	handle, ok := s.presence.Reachable(ctx, username)
	if !ok {
		return false
	}
	if !s.transport.SendTo(handle, msg) {
		return false
	}
	s.metrics.MessagesSent.Inc()
	return true
}

func (s *CallService) unavailable(caller presence.Handle, input CallInput, event protocol.MessageType) {
	msg := protocol.MustMessage(protocol.MessageTypeRecipientUnavailable, protocol.RecipientUnavailablePayload{
		Caller: input.From,
		Callee: input.To,
		Event:  string(event),
	})
	if s.transport.SendTo(caller, msg) {
		s.metrics.MessagesSent.Inc()
		return
	}
	// the calling connection is gone; try whichever connection now holds the caller
	if handle, ok := s.registry.Resolve(input.From); ok && s.transport.SendTo(handle, msg) {
		s.metrics.MessagesSent.Inc()
	}
}
