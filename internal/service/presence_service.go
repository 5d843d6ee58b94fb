package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/domain"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/repository"
	"go.uber.org/zap"
)

// PresenceService keeps the registry and the directory consistent across
// connect, resume, heartbeat, liveness queries and disconnect.
//
// The registry decides liveness; the directory decides whether an identity
// exists at all. Transitions for one username are serialized through locks.
type PresenceService struct {
	users     repository.UserRepository
	registry  *presence.Registry
	transport Transport
	auth      *AuthService
	notifier  *Notifier
	locks     *presence.KeyedMutex
	cfg       config.PresenceConfig
	log       *zap.Logger
	now       func() time.Time
}

func NewPresenceService(users repository.UserRepository, registry *presence.Registry, transport Transport, auth *AuthService, notifier *Notifier, locks *presence.KeyedMutex, cfg *config.Config, log *zap.Logger) *PresenceService {
	return &PresenceService{
		users:     users,
		registry:  registry,
		transport: transport,
		auth:      auth,
		notifier:  notifier,
		locks:     locks,
		cfg:       cfg.Presence,
		log:       log,
		now:       time.Now,
	}
}

type RegisterInput struct {
	Username string
	Age      int
	Gender   string
	Country  string
	Region   string
}

// Session is the result of a successful register or resume.
type Session struct {
	User  *domain.User
	Token string
}

// Register creates a new identity and binds it to handle.
func (s *PresenceService) Register(ctx context.Context, handle presence.Handle, input RegisterInput) (*Session, error) {
	now := s.now()
	handleStr := handle.String()
	user := &domain.User{
		Username:         input.Username,
		Age:              input.Age,
		Gender:           input.Gender,
		Country:          input.Country,
		Region:           input.Region,
		Online:           true,
		LastSeen:         now,
		ConnectionHandle: &handleStr,
	}
	if err := domain.NormalizeProfile(user); err != nil {
		return nil, err
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var displaced string
	defer func() { s.release(ctx, displaced) }()

	unlock := s.locks.Lock(user.Username)
	defer unlock()

	s.trace(user.Username, domain.PresenceConnecting)
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrIdentityConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("create user %s: %w", user.Username, err)
	}

	displaced = s.bindLocked(user.Username, handle, now)

	token, err := s.auth.IssueToken(user.Username)
	if err != nil {
		s.log.Error("issue token failed", zap.String("username", user.Username), zap.Error(err))
	}
	s.notifier.Presence(user.Username, true, now)
	return &Session{User: user, Token: token}, nil
}

// Resume binds handle to an identity that already exists in the directory.
// An unknown username yields ErrSessionStale and nothing is bound.
func (s *PresenceService) Resume(ctx context.Context, handle presence.Handle, username string) (*Session, error) {
	if username == "" {
		return nil, domain.ErrInvalidPayload
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var displaced string
	defer func() { s.release(ctx, displaced) }()

	unlock := s.locks.Lock(username)
	defer unlock()

	s.trace(username, domain.PresenceConnecting)
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrSessionStale
		}
		return nil, fmt.Errorf("find user %s: %w", username, err)
	}

	now := s.now()
	displaced = s.bindLocked(username, handle, now)
	s.persist(ctx, username, domain.OnlineUpdate(handle.String(), now))

	user.Online = true
	user.LastSeen = now

	token, err := s.auth.IssueToken(username)
	if err != nil {
		s.log.Error("issue token failed", zap.String("username", username), zap.Error(err))
	}
	s.notifier.Presence(username, true, now)
	return &Session{User: user, Token: token}, nil
}

// Heartbeat records a liveness signal. Directory writes and broadcasts are
// throttled to one per HeartbeatPersistInterval; inside the window only the
// registry is refreshed. A handle bound to another username is never moved.
func (s *PresenceService) Heartbeat(ctx context.Context, handle presence.Handle, username string) error {
	if username == "" {
		return domain.ErrInvalidPayload
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	unlock := s.locks.Lock(username)
	defer unlock()

	// a bound handle whose connection is gone may be taken over
	takeover := false
	if bound, ok := s.registry.Resolve(username); ok && bound != handle && !s.transport.IsOpen(bound) {
		takeover = true
	}

	persist, rebound, accepted := s.registry.Touch(username, handle, s.cfg.HeartbeatPersistInterval, takeover)
	if !accepted {
		s.log.Debug("heartbeat ignored, another connection is authoritative",
			zap.String("username", username),
			zap.String("handle", handle.String()))
		return nil
	}
	if !persist {
		return nil
	}

	now := s.now()
	err := s.users.UpdatePresence(ctx, username, domain.OnlineUpdate(handle.String(), now))
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		// no such identity: undo the binding, and correct clients if it was
		// ever announced
		if _, ok := s.registry.Unbind(handle); ok && !rebound {
			s.trace(username, domain.PresenceOffline)
			s.notifier.Presence(username, false, now)
		}
		return nil
	case err != nil:
		s.log.Warn("heartbeat persist failed", zap.String("username", username), zap.Error(err))
		return nil
	}

	s.registry.MarkPersisted(username, now)
	if rebound {
		s.trace(username, domain.PresenceOnline)
	}
	s.notifier.Presence(username, true, now)
	return nil
}

// Status is the answer to a liveness query.
type Status struct {
	Username string
	Online   bool
	LastSeen time.Time
}

// QueryOnline answers whether username is reachable right now. A registry
// entry is only trusted when its connection is still open; otherwise the open
// connections are scanned for one claiming username. Any discrepancy found is
// written back to both the registry and the directory before answering.
func (s *PresenceService) QueryOnline(ctx context.Context, username string) (*Status, error) {
	if username == "" {
		return nil, domain.ErrInvalidPayload
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		return &Status{Username: username}, err
	}

	unlock := s.locks.Lock(username)
	defer unlock()

	now := s.now()
	handle, bound := s.registry.Resolve(username)
	if bound && s.transport.IsOpen(handle) {
		if !user.Online {
			s.persist(ctx, username, domain.OnlineUpdate(handle.String(), now))
		}
		entry, _ := s.registry.Lookup(username)
		return &Status{Username: username, Online: true, LastSeen: latest(user.LastSeen, entry.LastActivity)}, nil
	}

	if live, ok := s.repairFromClaim(ctx, username, now); ok {
		s.log.Info("registry repaired from open connection",
			zap.String("username", username),
			zap.String("handle", live.String()))
		return &Status{Username: username, Online: true, LastSeen: now}, nil
	}

	if bound {
		s.registry.Unbind(handle)
	}
	if bound || user.Online {
		s.offlineLocked(ctx, username, now)
		return &Status{Username: username, LastSeen: now}, nil
	}
	return &Status{Username: username, LastSeen: user.LastSeen}, nil
}

// Disconnect unbinds handle. Only the authoritative handle flips the user
// offline; a superseded handle is ignored.
func (s *PresenceService) Disconnect(ctx context.Context, handle presence.Handle) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	for {
		username, ok := s.registry.UsernameOf(handle)
		if !ok {
			return
		}

		unlock := s.locks.Lock(username)
		if current, ok := s.registry.UsernameOf(handle); !ok || current != username {
			// rebound while waiting for the lock
			unlock()
			continue
		}
		if _, ok := s.registry.Unbind(handle); ok {
			s.offlineLocked(ctx, username, s.now())
		}
		unlock()
		return
	}
}

// VerifyBulk re-checks usernames a client believes are online and sends a
// corrective offline event to requester for each one that is not. It returns
// the usernames found stale.
func (s *PresenceService) VerifyBulk(ctx context.Context, requester presence.Handle, usernames []string) []string {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var stale []string
	for _, username := range usernames {
		if username == "" {
			continue
		}
		if s.verifyOne(ctx, username) {
			continue
		}
		stale = append(stale, username)
		s.notifier.ToHandle(requester, offlineEvent(username, s.now()))
	}
	return stale
}

func (s *PresenceService) verifyOne(ctx context.Context, username string) bool {
	unlock := s.locks.Lock(username)
	defer unlock()

	handle, bound := s.registry.Resolve(username)
	if bound && s.transport.IsOpen(handle) {
		return true
	}

	now := s.now()
	if _, ok := s.repairFromClaim(ctx, username, now); ok {
		return true
	}
	if bound {
		s.registry.Unbind(handle)
	}
	recorded := false
	if user, err := s.users.FindByUsername(ctx, username); err == nil {
		recorded = user.Online
	}
	if bound || recorded {
		s.offlineLocked(ctx, username, now)
	}
	return false
}

// Attach binds handle to username when username has no binding yet. It
// returns the handle authoritative for username afterwards, or "" when
// nothing is bound: handle already serves a different username or the
// identity does not exist.
func (s *PresenceService) Attach(ctx context.Context, handle presence.Handle, username string) presence.Handle {
	if handle == "" || username == "" {
		return ""
	}
	if bound, ok := s.registry.Resolve(username); ok {
		return bound
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	unlock := s.locks.Lock(username)
	defer unlock()

	if bound, ok := s.registry.Resolve(username); ok {
		return bound
	}
	if owner, ok := s.registry.UsernameOf(handle); ok && owner != username {
		return ""
	}
	if _, err := s.users.FindByUsername(ctx, username); err != nil {
		s.log.Debug("attach refused", zap.String("username", username), zap.Error(err))
		return ""
	}

	now := s.now()
	s.bindLocked(username, handle, now)
	s.persist(ctx, username, domain.OnlineUpdate(handle.String(), now))
	s.notifier.Presence(username, true, now)
	return handle
}

// Reachable returns username's open connection. When the bound one is gone
// the registry is repaired from an open connection claiming username.
func (s *PresenceService) Reachable(ctx context.Context, username string) (presence.Handle, bool) {
	if handle, ok := s.registry.Resolve(username); ok && s.transport.IsOpen(handle) {
		return handle, true
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	unlock := s.locks.Lock(username)
	defer unlock()

	handle, bound := s.registry.Resolve(username)
	if bound && s.transport.IsOpen(handle) {
		return handle, true
	}
	now := s.now()
	if live, ok := s.repairFromClaim(ctx, username, now); ok {
		s.log.Info("registry repaired from open connection",
			zap.String("username", username),
			zap.String("handle", live.String()))
		return live, true
	}
	if bound {
		s.registry.Unbind(handle)
		s.offlineLocked(ctx, username, now)
	}
	return "", false
}

// repairFromClaim binds username to an open connection that claims it.
// Callers hold the username lock.
func (s *PresenceService) repairFromClaim(ctx context.Context, username string, now time.Time) (presence.Handle, bool) {
	live, found := s.transport.FindByClaim(username)
	if !found {
		return "", false
	}
	if owner, ok := s.registry.UsernameOf(live); ok && owner != username {
		return "", false
	}
	s.bindLocked(username, live, now)
	if !s.transport.IsOpen(live) {
		// closed while binding; its disconnect may already have run
		s.registry.Unbind(live)
		return "", false
	}
	s.persist(ctx, username, domain.OnlineUpdate(live.String(), now))
	s.notifier.Presence(username, true, now)
	return live, true
}

// bindLocked binds handle to username and returns the username handle was
// bound to before, if it was a different one. Callers hold the username lock
// and pass the returned name to release once it is dropped.
func (s *PresenceService) bindLocked(username string, handle presence.Handle, now time.Time) string {
	displaced, ok := s.registry.UsernameOf(handle)
	if !ok || displaced == username {
		displaced = ""
	}

	previous, superseded := s.registry.Bind(username, handle)
	s.registry.MarkPersisted(username, now)
	if superseded {
		s.log.Info("connection superseded",
			zap.String("username", username),
			zap.String("previous", previous.String()),
			zap.String("handle", handle.String()))
	}
	if displaced != "" {
		s.log.Info("connection switched identity",
			zap.String("from", displaced),
			zap.String("to", username),
			zap.String("handle", handle.String()))
	}
	s.trace(username, domain.PresenceOnline)
	return displaced
}

// release runs the offline transition for a username whose connection moved
// to another identity, unless something bound it again meanwhile.
func (s *PresenceService) release(ctx context.Context, username string) {
	if username == "" {
		return
	}
	unlock := s.locks.Lock(username)
	defer unlock()

	if _, bound := s.registry.Resolve(username); bound {
		return
	}
	s.offlineLocked(ctx, username, s.now())
}

func (s *PresenceService) offlineLocked(ctx context.Context, username string, now time.Time) {
	s.persist(ctx, username, domain.OfflineUpdate(now))
	s.trace(username, domain.PresenceOffline)
	s.notifier.Presence(username, false, now)
}

// persist writes a presence update. A vanished row is logged, never fatal.
func (s *PresenceService) persist(ctx context.Context, username string, update domain.PresenceUpdate) {
	if err := s.users.UpdatePresence(ctx, username, update); err != nil {
		s.log.Warn("presence persist failed", zap.String("username", username), zap.Error(err))
	}
}

func (s *PresenceService) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.ConnectTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.ConnectTimeout)
}

func (s *PresenceService) trace(username string, state domain.PresenceState) {
	s.log.Debug("presence transition", zap.String("username", username), zap.String("state", string(state)))
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
