package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Copies(t *testing.T) {
	msg := &Message{
		MessageID: "alice_1000",
		Sender:    "alice",
		Recipient: "bob",
		Body:      "hi",
		Timestamp: time.UnixMilli(1000),
	}

	recipientCopy, senderCopy := msg.Copies()

	assert.Equal(t, "bob", recipientCopy.Owner)
	assert.False(t, recipientCopy.Read)
	assert.Equal(t, "alice", senderCopy.Owner)
	assert.True(t, senderCopy.Read)

	// content identical apart from owner and read flag
	recipientCopy.Owner, senderCopy.Owner = "", ""
	recipientCopy.Read, senderCopy.Read = false, false
	assert.Equal(t, recipientCopy, senderCopy)
}

func TestNewMessageID(t *testing.T) {
	assert.Equal(t, "alice_1000", NewMessageID("alice", time.UnixMilli(1000)))
}

func TestPresenceUpdate_Columns(t *testing.T) {
	now := time.Now()

	online := OnlineUpdate("h1", now).Columns()
	assert.Equal(t, true, online["online"])
	assert.Equal(t, now, online["last_seen"])
	assert.Equal(t, "h1", online["connection_handle"])

	offline := OfflineUpdate(now).Columns()
	assert.Equal(t, false, offline["online"])
	v, ok := offline["connection_handle"]
	assert.True(t, ok)
	assert.Nil(t, v)

	assert.Empty(t, PresenceUpdate{}.Columns())
}

func TestNormalizeProfile(t *testing.T) {
	tests := []struct {
		name    string
		user    User
		wantErr bool
		country string
	}{
		{name: "valid with defaults", user: User{Username: " carol ", Age: 20, Gender: "f"}, country: DefaultLocation},
		{name: "keeps country", user: User{Username: "dan", Age: 30, Gender: "m", Country: "IN"}, country: "IN"},
		{name: "empty username", user: User{Username: "  ", Age: 20, Gender: "f"}, wantErr: true},
		{name: "bad age", user: User{Username: "eve", Age: 0, Gender: "f"}, wantErr: true},
		{name: "missing gender", user: User{Username: "eve", Age: 22}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := tt.user
			err := NormalizeProfile(&u)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.country, u.Country)
			assert.Equal(t, DefaultLocation, u.Region)
		})
	}
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeIdentityConflict, ErrorCode(fmt.Errorf("create: %w", ErrIdentityConflict)))
	assert.Equal(t, CodeRateLimited, ErrorCode(ErrRateLimited))
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))
}
