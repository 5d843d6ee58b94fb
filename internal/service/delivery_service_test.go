package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gowdhamkrishna/chatup/internal/config"
	"github.com/gowdhamkrishna/chatup/internal/domain"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/gowdhamkrishna/chatup/internal/service"
	"github.com/gowdhamkrishna/chatup/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryService_SendToLiveRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	result, err := f.services.Delivery.Send(ctx, alice, service.SendInput{
		Sender:    "alice",
		Recipient: "bob",
		Body:      "hi",
		ID:        "a_1",
	})
	require.NoError(t, err)
	assert.True(t, result.Delivered)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "a_1", result.Message.MessageID)
	assert.True(t, result.Message.Read, "sender copy is born read")

	incoming := f.transport.Sent(bob, protocol.MessageTypeIncomingMessage)
	require.Len(t, incoming, 1)
	var view protocol.MessageView
	testutil.DecodePayload(t, incoming[0], &view)
	assert.Equal(t, "a_1", view.ID)
	assert.Equal(t, "alice", view.Sender)
	assert.Equal(t, "hi", view.Body)
	assert.False(t, view.Read)

	bobHistory, err := f.services.Delivery.History(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, testutil.AssertSingleCopy(t, bobHistory, "a_1").Read)

	aliceHistory, err := f.services.Delivery.History(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, testutil.AssertSingleCopy(t, aliceHistory, "a_1").Read)

	assert.Equal(t, float64(1), f.metrics.Snapshot().MessagesReceived)
}

func TestDeliveryService_OfflineRecipientKeepsMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.connect(t, "alice")
	testutil.NewUserBuilder().WithUsername("bob").Build(t, f.db.DB)

	result, err := f.services.Delivery.Send(ctx, alice, service.SendInput{
		Sender:    "alice",
		Recipient: "bob",
		Body:      "are you there?",
	})
	require.NoError(t, err)
	assert.False(t, result.Delivered)
	assert.Equal(t, domain.NewMessageID("alice", result.Message.Timestamp), result.Message.MessageID)

	history, err := f.services.Delivery.History(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Read)

	unread, err := f.repos.Message.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)
}

func TestDeliveryService_RetriesAreDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	input := service.SendInput{Sender: "alice", Recipient: "bob", Body: "once", ID: "a_retry"}
	for attempt := 0; attempt < 3; attempt++ {
		result, err := f.services.Delivery.Send(ctx, alice, input)
		require.NoError(t, err, "attempt %d", attempt)
		assert.Equal(t, attempt > 0, result.Duplicate, "attempt %d", attempt)
	}

	assert.Len(t, f.transport.Sent(bob, protocol.MessageTypeIncomingMessage), 1)

	bobHistory, err := f.services.Delivery.History(ctx, "bob")
	require.NoError(t, err)
	testutil.AssertSingleCopy(t, bobHistory, "a_retry")

	aliceHistory, err := f.services.Delivery.History(ctx, "alice")
	require.NoError(t, err)
	testutil.AssertSingleCopy(t, aliceHistory, "a_retry")
}

func TestDeliveryService_RateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.connect(t, "alice")
	f.connect(t, "bob")

	for i := 0; i < f.cfg.Delivery.RateLimitMessages; i++ {
		_, err := f.services.Delivery.Send(ctx, alice, service.SendInput{
			Sender:    "alice",
			Recipient: "bob",
			Body:      "spam",
			ID:        fmt.Sprintf("a_%d", i),
		})
		require.NoError(t, err, "message %d", i)
	}

	_, err := f.services.Delivery.Send(ctx, alice, service.SendInput{
		Sender:    "alice",
		Recipient: "bob",
		Body:      "one too many",
		ID:        "a_over",
	})
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	history, err := f.services.Delivery.History(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, history, f.cfg.Delivery.RateLimitMessages)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.RateLimited))

	// another sender has its own window
	carol := f.connect(t, "carol")
	_, err = f.services.Delivery.Send(ctx, carol, service.SendInput{Sender: "carol", Recipient: "bob", Body: "hey"})
	assert.NoError(t, err)
}

func TestDeliveryService_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.connect(t, "alice")

	tests := []struct {
		name  string
		input service.SendInput
	}{
		{name: "missing recipient", input: service.SendInput{Sender: "alice", Body: "hi"}},
		{name: "missing sender", input: service.SendInput{Recipient: "bob", Body: "hi"}},
		{name: "no content", input: service.SendInput{Sender: "alice", Recipient: "bob"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.services.Delivery.Send(ctx, alice, tt.input)
			assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		})
	}

	t.Run("attachment without body", func(t *testing.T) {
		f.connect(t, "bob")
		_, err := f.services.Delivery.Send(ctx, alice, service.SendInput{
			Sender:        "alice",
			Recipient:     "bob",
			AttachmentRef: "/uploads/cat.png",
		})
		assert.NoError(t, err)
	})
}

func TestDeliveryService_Persistence(t *testing.T) {
	ctx := context.Background()

	t.Run("missing recipient is a partial write", func(t *testing.T) {
		f := newFixture(t)
		alice := f.connect(t, "alice")

		result, err := f.services.Delivery.Send(ctx, alice, service.SendInput{
			Sender:    "alice",
			Recipient: "deleted-user",
			Body:      "hello?",
			ID:        "a_partial",
		})
		require.NoError(t, err)
		assert.False(t, result.Delivered)

		history, err := f.services.Delivery.History(ctx, "alice")
		require.NoError(t, err)
		testutil.AssertSingleCopy(t, history, "a_partial")
	})

	t.Run("both copies failing fails the send", func(t *testing.T) {
		f := newFixture(t)
		h := f.transport.Connect("ghost")

		_, err := f.services.Delivery.Send(ctx, h, service.SendInput{
			Sender:    "ghost",
			Recipient: "phantom",
			Body:      "boo",
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
		assert.Equal(t, float64(1), f.metrics.Snapshot().Errors)
	})
}

func TestDeliveryService_SenderClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testutil.NewUserBuilder().WithUsername("alice").Build(t, f.db.DB)
	f.connect(t, "bob")

	// alice never resumed; sending still binds the connection
	h := f.transport.Connect("alice")
	_, err := f.services.Delivery.Send(ctx, h, service.SendInput{Sender: "alice", Recipient: "bob", Body: "hi"})
	require.NoError(t, err)

	got, ok := f.registry.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, h, got)

	stored, err := f.repos.User.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.Online)

	// a second connection does not steal the binding
	other := f.transport.Connect("alice")
	_, err = f.services.Delivery.Send(ctx, other, service.SendInput{Sender: "alice", Recipient: "bob", Body: "again"})
	require.NoError(t, err)
	got, _ = f.registry.Resolve("alice")
	assert.Equal(t, h, got)
}

func TestDeliveryService_UnknownSenderIsNotBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bob := f.connect(t, "bob")
	h := f.transport.Connect("")

	result, err := f.services.Delivery.Send(ctx, h, service.SendInput{Sender: "ghost", Recipient: "bob", Body: "boo", ID: "g1"})
	require.NoError(t, err, "the recipient copy alone is a successful send")
	assert.True(t, result.Delivered)
	f.transport.WaitSent(t, bob, protocol.MessageTypeIncomingMessage, time.Second)

	_, ok := f.registry.Resolve("ghost")
	assert.False(t, ok)
	_, ok = f.registry.UsernameOf(h)
	assert.False(t, ok)
	assert.Equal(t, []string{"bob"}, f.registry.LiveUsernames())
	_, err = f.repos.User.FindByUsername(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestDeliveryService_SendNeverMovesAHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.connect(t, "alice")
	f.connect(t, "bob")
	testutil.NewUserBuilder().WithUsername("carol").Build(t, f.db.DB)

	_, err := f.services.Delivery.Send(ctx, alice, service.SendInput{Sender: "carol", Recipient: "bob", Body: "hi"})
	require.NoError(t, err)

	got, ok := f.registry.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, alice, got)
	_, ok = f.registry.Resolve("carol")
	assert.False(t, ok)

	stored, err := f.repos.User.FindByUsername(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, stored.Online)
}

func TestDeliveryService_MarkRead(t *testing.T) {
	ctx := context.Background()

	t.Run("flips unread copies once", func(t *testing.T) {
		f := newFixture(t)
		testutil.NewUserBuilder().WithUsername("alice").Build(t, f.db.DB)
		bob := f.connect(t, "bob")
		testutil.NewMessageBuilder("alice", "bob").BuildFor(t, f.db.DB, "bob")
		testutil.NewMessageBuilder("alice", "bob").BuildFor(t, f.db.DB, "bob")
		testutil.NewMessageBuilder("carol", "bob").BuildFor(t, f.db.DB, "bob")

		n, err := f.services.Delivery.MarkRead(ctx, bob, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = f.services.Delivery.MarkRead(ctx, bob, "alice", "bob")
		require.NoError(t, err)
		assert.Zero(t, n)

		unread, err := f.repos.Message.UnreadCount(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(1), unread, "other senders are untouched")
	})

	t.Run("repeat inside the debounce window is dropped", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.Delivery.MarkReadDebounce = time.Hour })
		testutil.NewUserBuilder().WithUsername("alice").Build(t, f.db.DB)
		bob := f.connect(t, "bob")
		testutil.NewMessageBuilder("alice", "bob").BuildFor(t, f.db.DB, "bob")

		n, err := f.services.Delivery.MarkRead(ctx, bob, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		testutil.NewMessageBuilder("alice", "bob").BuildFor(t, f.db.DB, "bob")
		n, err = f.services.Delivery.MarkRead(ctx, bob, "alice", "bob")
		require.NoError(t, err)
		assert.Zero(t, n)

		unread, err := f.repos.Message.UnreadCount(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(1), unread)
	})

	t.Run("invalid input", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.services.Delivery.MarkRead(ctx, f.transport.Connect(""), "", "bob")
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	})
}

func TestDeliveryService_ConversationUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	_, err := f.services.Delivery.Send(ctx, alice, service.SendInput{Sender: "alice", Recipient: "bob", Body: "hi", ID: "a_1"})
	require.NoError(t, err)

	var self protocol.SelfStatePayload
	testutil.DecodePayload(t, f.transport.WaitSent(t, bob, protocol.MessageTypeSelfStateUpdate, time.Second), &self)
	assert.Equal(t, "bob", self.User.Username)
	assert.Equal(t, int64(1), self.UnreadCount)

	var partner protocol.PartnerUpdatePayload
	testutil.DecodePayload(t, f.transport.WaitSent(t, alice, protocol.MessageTypePartnerUpdate, time.Second), &partner)
	assert.Equal(t, "bob", partner.Partner.Username)
	assert.True(t, partner.Partner.Online)
	require.Len(t, partner.Messages, 1)
	assert.Equal(t, "a_1", partner.Messages[0].ID)
}

func TestDeliveryService_HistoryUnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.services.Delivery.History(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
