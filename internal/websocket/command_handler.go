package websocket

import (
	"context"
	"errors"

	"github.com/gowdhamkrishna/chatup/internal/domain"
	"github.com/gowdhamkrishna/chatup/internal/protocol"
	"github.com/gowdhamkrishna/chatup/internal/service"
	"go.uber.org/zap"
)

var errInternal = errors.New("internal error")

// CommandHandler routes inbound events from one client to the services and
// turns their results into response events. Payloads that do not decode are
// logged and dropped without a response.
type CommandHandler struct {
	client   *Client
	services *service.Services
}

func NewCommandHandler(client *Client, services *service.Services) *CommandHandler {
	return &CommandHandler{client: client, services: services}
}

func (ch *CommandHandler) Handle(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeRegister:
		ch.handleRegister(ctx, msg)
	case protocol.MessageTypeResume:
		ch.handleResume(ctx, msg)
	case protocol.MessageTypeHeartbeat:
		ch.handleHeartbeat(ctx, msg)
	case protocol.MessageTypeSendMessage:
		ch.handleSendMessage(ctx, msg)
	case protocol.MessageTypeMarkRead:
		ch.handleMarkRead(ctx, msg)
	case protocol.MessageTypeQueryOnline:
		ch.handleQueryOnline(ctx, msg)
	case protocol.MessageTypeVerifyOnline:
		ch.handleVerifyOnline(ctx, msg)
	case protocol.MessageTypeSyncHistory:
		ch.handleSyncHistory(ctx, msg)
	case protocol.MessageTypeCallInitiate,
		protocol.MessageTypeCallSignal,
		protocol.MessageTypeCallAccept,
		protocol.MessageTypeCallReject,
		protocol.MessageTypeCallEnd,
		protocol.MessageTypeCallNoAnswer:
		ch.handleCall(ctx, msg)
	default:
		ch.client.log.Warn("unknown event dropped", zap.String("type", string(msg.Type)))
	}
}

func (ch *CommandHandler) handleRegister(ctx context.Context, msg *protocol.Message) {
	var p protocol.RegisterPayload
	if !ch.decode(msg, &p) {
		return
	}

	session, err := ch.services.Presence.Register(ctx, ch.client.handle, service.RegisterInput{
		Username: p.Username,
		Age:      p.Age,
		Gender:   p.Gender,
		Country:  p.Country,
		Region:   p.Region,
	})
	switch {
	case errors.Is(err, domain.ErrIdentityConflict):
		ch.reply(protocol.MessageTypeExists, protocol.UsernamePayload{Username: p.Username})
	case err != nil:
		ch.fail(msg.Type, err)
	default:
		ch.client.SetClaim(session.User.Username)
		ch.reply(protocol.MessageTypeCreated, protocol.SessionPayload{
			User:  protocol.NewUserView(session.User),
			Token: session.Token,
		})
	}
}

func (ch *CommandHandler) handleResume(ctx context.Context, msg *protocol.Message) {
	var p protocol.UsernamePayload
	if !ch.decode(msg, &p) {
		return
	}

	session, err := ch.services.Presence.Resume(ctx, ch.client.handle, p.Username)
	switch {
	case errors.Is(err, domain.ErrSessionStale):
		ch.reply(protocol.MessageTypeRefused, protocol.ErrorPayload{
			Code:    domain.CodeSessionStale,
			Message: err.Error(),
		})
	case err != nil:
		ch.fail(msg.Type, err)
	default:
		ch.client.SetClaim(session.User.Username)
		ch.reply(protocol.MessageTypeResumed, protocol.SessionPayload{
			User:  protocol.NewUserView(session.User),
			Token: session.Token,
		})
	}
}

// handleHeartbeat accepts an empty payload; the connection's claim is used
// then.
func (ch *CommandHandler) handleHeartbeat(ctx context.Context, msg *protocol.Message) {
	var p protocol.UsernamePayload
	if len(msg.Payload) > 0 && !ch.decode(msg, &p) {
		return
	}
	username := p.Username
	if username == "" {
		username = ch.client.Claim()
	}
	if username == "" {
		return
	}
	if !ch.speaksFor(username) {
		ch.client.log.Debug("heartbeat for another identity dropped",
			zap.String("username", username),
			zap.String("claim", ch.client.Claim()))
		return
	}

	if err := ch.services.Presence.Heartbeat(ctx, ch.client.handle, username); err != nil {
		ch.client.log.Debug("heartbeat rejected", zap.String("username", username), zap.Error(err))
	}
}

func (ch *CommandHandler) handleSendMessage(ctx context.Context, msg *protocol.Message) {
	var p protocol.SendMessagePayload
	if !ch.decode(msg, &p) {
		return
	}

	var (
		result *service.SendResult
		err    error
	)
	if ch.speaksFor(p.Sender) {
		result, err = ch.services.Delivery.Send(ctx, ch.client.handle, service.SendInput{
			Sender:        p.Sender,
			Recipient:     p.Recipient,
			Body:          p.Body,
			AttachmentRef: p.AttachmentRef,
			ID:            p.ID,
		})
	} else {
		err = domain.ErrInvalidPayload
	}
	if err != nil {
		code := domain.ErrorCode(err)
		text := err.Error()
		if code == domain.CodeInternal {
			ch.client.log.Error("send failed", zap.String("id", p.ID), zap.Error(err))
			text = "message could not be stored"
		}
		ch.reply(protocol.MessageTypeSendAck, protocol.SendAckPayload{
			ID:      p.ID,
			Success: false,
			Error:   text,
			Code:    code,
		})
		return
	}

	view := protocol.NewMessageView(result.Message)
	ch.reply(protocol.MessageTypeSendAck, protocol.SendAckPayload{
		ID:      result.Message.MessageID,
		Success: true,
		Message: &view,
	})
}

func (ch *CommandHandler) handleMarkRead(ctx context.Context, msg *protocol.Message) {
	var p protocol.MarkReadPayload
	if !ch.decode(msg, &p) {
		return
	}
	if !ch.speaksFor(p.To) {
		ch.fail(msg.Type, domain.ErrInvalidPayload)
		return
	}
	if _, err := ch.services.Delivery.MarkRead(ctx, ch.client.handle, p.From, p.To); err != nil {
		ch.fail(msg.Type, err)
	}
}

func (ch *CommandHandler) handleQueryOnline(ctx context.Context, msg *protocol.Message) {
	var p protocol.UsernamePayload
	if !ch.decode(msg, &p) {
		return
	}

	status, err := ch.services.Presence.QueryOnline(ctx, p.Username)
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		ch.reply(protocol.MessageTypeOnlineStatus, protocol.OnlineStatusPayload{
			Username: p.Username,
			Error:    err.Error(),
		})
	case err != nil:
		ch.fail(msg.Type, err)
	default:
		ch.reply(protocol.MessageTypeOnlineStatus, protocol.OnlineStatusPayload{
			Username: status.Username,
			Online:   status.Online,
			LastSeen: status.LastSeen,
		})
	}
}

func (ch *CommandHandler) handleVerifyOnline(ctx context.Context, msg *protocol.Message) {
	var p protocol.VerifyOnlinePayload
	if !ch.decode(msg, &p) {
		return
	}
	stale := ch.services.Presence.VerifyBulk(ctx, ch.client.handle, p.Usernames)
	if len(stale) > 0 {
		ch.client.log.Debug("stale roster entries corrected", zap.Strings("usernames", stale))
	}
}

// handleSyncHistory serves the history of the username this connection is
// for; requests naming anyone else are refused.
func (ch *CommandHandler) handleSyncHistory(ctx context.Context, msg *protocol.Message) {
	var p protocol.UsernamePayload
	if len(msg.Payload) > 0 && !ch.decode(msg, &p) {
		return
	}
	claim := ch.client.Claim()
	username := p.Username
	if username == "" {
		username = claim
	}
	if username == "" || username != claim {
		ch.fail(msg.Type, domain.ErrInvalidPayload)
		return
	}

	history, err := ch.services.Delivery.History(ctx, username)
	if err != nil {
		ch.fail(msg.Type, err)
		return
	}
	ch.reply(protocol.MessageTypeHistory, protocol.HistoryPayload{
		Username: username,
		Messages: protocol.NewMessageViews(history),
	})
}

func (ch *CommandHandler) handleCall(ctx context.Context, msg *protocol.Message) {
	var p protocol.CallPayload
	if !ch.decode(msg, &p) {
		return
	}
	input := service.CallInput{From: p.From, To: p.To, Payload: p.Payload}
	if input.From == "" {
		input.From = ch.client.Claim()
	}
	if !ch.speaksFor(input.From) {
		ch.fail(msg.Type, domain.ErrInvalidPayload)
		return
	}

	var err error
	switch msg.Type {
	case protocol.MessageTypeCallInitiate:
		err = ch.services.Calls.Initiate(ctx, ch.client.handle, input)
	case protocol.MessageTypeCallNoAnswer:
		err = ch.services.Calls.NotAvailable(ctx, input)
	default:
		err = ch.services.Calls.Forward(ctx, ch.client.handle, msg.Type, input)
	}
	if err != nil {
		ch.fail(msg.Type, err)
	}
}

// speaksFor reports whether events from this connection may act as
// username. Once a connection holds a claim it acts for nobody else.
func (ch *CommandHandler) speaksFor(username string) bool {
	claim := ch.client.Claim()
	return claim == "" || claim == username
}

func (ch *CommandHandler) decode(msg *protocol.Message, v interface{}) bool {
	if err := msg.Decode(v); err != nil {
		ch.client.log.Warn("malformed payload dropped", zap.String("type", string(msg.Type)))
		return false
	}
	return true
}

func (ch *CommandHandler) reply(msgType protocol.MessageType, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		ch.client.log.Error("failed to build reply", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	if ch.client.Send(msg) {
		ch.client.hub.metrics.MessagesSent.Inc()
	}
}

// fail reports err to the client as an error event. Internal errors are
// logged and counted; their text is not sent.
func (ch *CommandHandler) fail(event protocol.MessageType, err error) {
	if domain.ErrorCode(err) == domain.CodeInternal {
		ch.client.log.Error("event failed", zap.String("type", string(event)), zap.Error(err))
		ch.client.hub.metrics.Errors.Inc()
		err = errInternal
	} else {
		ch.client.log.Debug("event rejected", zap.String("type", string(event)), zap.Error(err))
	}
	if ch.client.Send(protocol.ErrorMessage(err)) {
		ch.client.hub.metrics.MessagesSent.Inc()
	}
}
