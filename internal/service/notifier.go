package service

import (
	"context"
	"strings"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/metrics"
	"github.com/gowdhamkrishna/chatup/internal/presence"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/gowdhamkrishna/chatup/internal/repository"
	"go.uber.org/zap"
)

const (
	rosterKey   = "roster"
	pairSep     = "\x00"
	flushBudget = 5 * time.Second
)

// Notifier owns the outbound side effects shared by the services: presence
// broadcasts, targeted sends and the debounced roster and conversation
// updates.
type Notifier struct {
	registry  *presence.Registry
	transport Transport
	users     repository.UserRepository
	messages  repository.MessageRepository
	log       *zap.Logger
	metrics   *metrics.Metrics

	roster        *Coalescer
	conversations *Coalescer
}

func NewNotifier(registry *presence.Registry, transport Transport, repos *repository.Repositories, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *Notifier {
	n := &Notifier{
		registry:  registry,
		transport: transport,
		users:     repos.User,
		messages:  repos.Message,
		log:       log,
		metrics:   m,
	}
	n.roster = NewCoalescer(cfg.Presence.BroadcastDebounce, n.flushRoster)
	n.conversations = NewCoalescer(cfg.Delivery.UpdateDebounce, n.flushConversations)
	return n
}

// Presence broadcasts an online or offline transition for username and
// schedules a roster update.
func (n *Notifier) Presence(username string, online bool, at time.Time) {
	msgType := protocol.MessageTypeOffline
	if online {
		msgType = protocol.MessageTypeOnline
	}
	n.transport.Broadcast(protocol.MustMessage(msgType, protocol.PresencePayload{
		Username: username,
		Online:   online,
		LastSeen: at,
	}))
	n.metrics.ActiveUsers.Set(float64(n.registry.Len()))
	n.RosterChanged()
}

func (n *Notifier) RosterChanged() {
	n.roster.Add(rosterKey)
}

// ConversationChanged schedules state updates for both parties of a
// conversation.
func (n *Notifier) ConversationChanged(a, b string) {
	n.conversations.Add(a+pairSep+b, b+pairSep+a)
}

// ToUser sends msg to the connection bound for username.
func (n *Notifier) ToUser(username string, msg *protocol.Message) bool {
	handle, ok := n.registry.Resolve(username)
	if !ok {
		return false
	}
	return n.ToHandle(handle, msg)
}

func (n *Notifier) ToHandle(handle presence.Handle, msg *protocol.Message) bool {
	if !n.transport.SendTo(handle, msg) {
		return false
	}
	n.metrics.MessagesSent.Inc()
	return true
}

func (n *Notifier) Close() {
	n.roster.Stop()
	n.conversations.Stop()
}

func (n *Notifier) flushRoster(_ []string) {
	n.transport.Broadcast(protocol.MustMessage(protocol.MessageTypeRosterUpdate, protocol.RosterPayload{
		Online: n.registry.LiveUsernames(),
	}))
}

func (n *Notifier) flushConversations(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), flushBudget)
	defer cancel()

	selfSent := make(map[string]bool)
	for _, key := range keys {
		self, partner, ok := strings.Cut(key, pairSep)
		if !ok {
			continue
		}
		handle, bound := n.registry.Resolve(self)
		if !bound {
			continue
		}

		if !selfSent[self] {
			selfSent[self] = true
			n.sendSelfState(ctx, handle, self)
		}
		n.sendPartnerUpdate(ctx, handle, self, partner)
	}
}

func (n *Notifier) sendSelfState(ctx context.Context, handle presence.Handle, username string) {
	user, err := n.users.FindByUsername(ctx, username)
	if err != nil {
		n.log.Debug("self state skipped", zap.String("username", username), zap.Error(err))
		return
	}
	unread, err := n.messages.UnreadCount(ctx, username)
	if err != nil {
		n.log.Warn("unread count failed", zap.String("username", username), zap.Error(err))
	}
	n.ToHandle(handle, protocol.MustMessage(protocol.MessageTypeSelfStateUpdate, protocol.SelfStatePayload{
		User:        protocol.NewUserView(user),
		UnreadCount: unread,
	}))
}

func (n *Notifier) sendPartnerUpdate(ctx context.Context, handle presence.Handle, self, partner string) {
	user, err := n.users.FindByUsername(ctx, partner)
	if err != nil {
		n.log.Debug("partner update skipped", zap.String("partner", partner), zap.Error(err))
		return
	}
	msgs, err := n.messages.Conversation(ctx, self, partner)
	if err != nil {
		n.log.Warn("conversation load failed",
			zap.String("username", self),
			zap.String("partner", partner),
			zap.Error(err))
		return
	}

	view := protocol.NewUserView(user)
	if _, live := n.registry.Resolve(partner); !live {
		view.Online = false
	}
	n.ToHandle(handle, protocol.MustMessage(protocol.MessageTypePartnerUpdate, protocol.PartnerUpdatePayload{
		Partner:  view,
		Messages: protocol.NewMessageViews(msgs),
	}))
}

func offlineEvent(username string, at time.Time) *protocol.Message {
	return protocol.MustMessage(protocol.MessageTypeOffline, protocol.PresencePayload{
		Username: username,
		LastSeen: at,
	})
}
