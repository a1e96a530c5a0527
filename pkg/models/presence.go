package models

import "time"

// PresenceState is a user-level status, independent of any single
// connection. Transitions are timer- or event-driven: activity resets to
// online, idle timeouts step through away to offline, busy is explicit.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceAway    PresenceState = "away"
	PresenceBusy    PresenceState = "busy"
	PresenceOffline PresenceState = "offline"
)

// PresenceRecord is the per-user presence snapshot. One user may hold
// several connections; DeviceCount tracks them.
type PresenceRecord struct {
	UserID      string        `json:"user_id"`
	State       PresenceState `json:"state"`
	LastSeen    time.Time     `json:"last_seen"`
	OnlineSince time.Time     `json:"online_since"`
	// Context is the client surface the user is currently on
	// (e.g. "checkout", "product_page", "support_chat").
	Context string `json:"context,omitempty"`
	// Activity is a shopping-activity snapshot set by the client
	// (e.g. "browsing", "cart", "idle").
	Activity    string `json:"activity,omitempty"`
	DeviceCount int    `json:"device_count"`
}

// PresenceUpdate is emitted on every state transition for observability
// and cross-instance propagation.
type PresenceUpdate struct {
	UserID   string        `json:"user_id"`
	Previous PresenceState `json:"previous"`
	Current  PresenceState `json:"current"`
	At       time.Time     `json:"at"`
}
