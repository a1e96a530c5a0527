package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultOfflineRetention bounds how long durable offline entries survive
// before the expiry sweep reclaims them.
const DefaultOfflineRetention = 72 * time.Hour

// OfflineEntry is an undelivered event parked for a disconnected user.
// Entries live in the bounded ephemeral queue; high and critical entries
// are additionally mirrored into the durable store so they survive
// eviction and restarts.
type OfflineEntry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  Priority        `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
	Retries   int             `json:"retries"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// OfflineEntryFromEvent parks an event for the given user.
func OfflineEntryFromEvent(userID string, ev *Event) *OfflineEntry {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	expires := ts.Add(DefaultOfflineRetention)
	if ev.TTL > 0 {
		expires = ts.Add(time.Duration(ev.TTL) * time.Second)
	}
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &OfflineEntry{
		ID:        id,
		UserID:    userID,
		Type:      ev.Type,
		Payload:   ev.Data,
		Priority:  ev.Priority,
		Timestamp: ts,
		ExpiresAt: expires,
	}
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e *OfflineEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
