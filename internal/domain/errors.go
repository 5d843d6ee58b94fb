package domain

import "errors"

// Directory errors
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrIdentityConflict = errors.New("username already exists")
	ErrSessionStale     = errors.New("session refers to a user that no longer exists")
)

// Delivery errors
var (
	ErrRateLimited          = errors.New("sending messages too quickly")
	ErrRecipientUnreachable = errors.New("recipient has no live connection")
	ErrPartialPersistence   = errors.New("only one history copy was persisted")
	ErrInvalidPayload       = errors.New("invalid payload")
)

// Error codes carried in response events.
const (
	CodeIdentityConflict     = "IDENTITY_CONFLICT"
	CodeSessionStale         = "SESSION_STALE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeRecipientUnavailable = "RECIPIENT_UNAVAILABLE"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL"
)

// ErrorCode maps a domain error onto its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrIdentityConflict):
		return CodeIdentityConflict
	case errors.Is(err, ErrSessionStale):
		return CodeSessionStale
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrRecipientUnreachable):
		return CodeRecipientUnavailable
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, ErrUserNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
