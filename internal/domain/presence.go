package domain

// PresenceState is the per-username reconciliation state.
type PresenceState string

const (
	PresenceUnknown    PresenceState = "unknown"
	PresenceConnecting PresenceState = "connecting"
	PresenceOnline     PresenceState = "online"
	PresenceOffline    PresenceState = "offline"
)
