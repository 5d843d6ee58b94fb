package domain

import (
	"strings"
	"time"
)

const (
	DefaultLocation = "Unknown"
	RoleAdmin       = "admin"
	MaxUsernameLen  = 32
)

// User is a guest identity. Username is the immutable primary key and is
// compared case-sensitively.
type User struct {
	Username         string    `json:"userName" gorm:"primaryKey;size:64"`
	Age              int       `json:"age" gorm:"not null"`
	Gender           string    `json:"gender" gorm:"not null"`
	Country          string    `json:"country" gorm:"not null"`
	Region           string    `json:"region" gorm:"not null"`
	Role             string    `json:"role,omitempty" gorm:"size:16"`
	KeepAlive        bool      `json:"keepAlive,omitempty" gorm:"not null;default:false"`
	Online           bool      `json:"online" gorm:"not null;default:false;index:idx_users_presence,priority:2"`
	LastSeen         time.Time `json:"lastSeen" gorm:"not null;index;index:idx_users_presence,priority:1"`
	ConnectionHandle *string   `json:"-" gorm:"size:64"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Protected users are never removed by the inactivity sweep.
func (u *User) Protected() bool {
	return u.Role == RoleAdmin || u.KeepAlive
}

// PresenceUpdate is a partial update of the presence columns. Nil fields are
// left untouched.
type PresenceUpdate struct {
	Online           *bool
	LastSeen         *time.Time
	ConnectionHandle *string
	ClearHandle      bool
}

func (p PresenceUpdate) Columns() map[string]interface{} {
	cols := make(map[string]interface{}, 3)
	if p.Online != nil {
		cols["online"] = *p.Online
	}
	if p.LastSeen != nil {
		cols["last_seen"] = *p.LastSeen
	}
	if p.ClearHandle {
		cols["connection_handle"] = nil
	} else if p.ConnectionHandle != nil {
		cols["connection_handle"] = *p.ConnectionHandle
	}
	return cols
}

// OnlineUpdate marks a user reachable under handle at the given instant.
func OnlineUpdate(handle string, at time.Time) PresenceUpdate {
	online := true
	upd := PresenceUpdate{Online: &online, LastSeen: &at}
	if handle != "" {
		upd.ConnectionHandle = &handle
	}
	return upd
}

// OfflineUpdate marks a user unreachable and drops its connection handle.
func OfflineUpdate(at time.Time) PresenceUpdate {
	online := false
	return PresenceUpdate{Online: &online, LastSeen: &at, ClearHandle: true}
}

// NormalizeProfile trims input and applies location defaults.
func NormalizeProfile(u *User) error {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" || len(u.Username) > MaxUsernameLen {
		return ErrInvalidPayload
	}
	if u.Age <= 0 || u.Age > 150 {
		return ErrInvalidPayload
	}
	u.Gender = strings.TrimSpace(u.Gender)
	if u.Gender == "" {
		return ErrInvalidPayload
	}
	u.Country = strings.TrimSpace(u.Country)
	if u.Country == "" {
		u.Country = DefaultLocation
	}
	u.Region = strings.TrimSpace(u.Region)
	if u.Region == "" {
		u.Region = DefaultLocation
	}
	return nil
}
