package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Conditions narrows an event's recipient set beyond channel membership.
// Empty slices mean "no constraint" for that dimension.
type Conditions struct {
	UserTypes []string `json:"userTypes,omitempty"`
	Locations []string `json:"locations,omitempty"`
	Devices   []string `json:"devices,omitempty"`
}

// Empty reports whether the filter constrains nothing.
func (c *Conditions) Empty() bool {
	return c == nil || (len(c.UserTypes) == 0 && len(c.Locations) == 0 && len(c.Devices) == 0)
}

// Event is the intake contract consumed from business services and the
// unit carried through the broadcaster, the cross-instance topic, and
// client delivery.
//
// Targeting precedence: Recipients (explicit user ids) beats Channel,
// which beats global (neither set).
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Channel    string          `json:"channel,omitempty"`
	Recipients []string        `json:"recipients,omitempty"`
	Data       json.RawMessage `json:"data"`
	Priority   Priority        `json:"priority"`
	Conditions *Conditions     `json:"conditions,omitempty"`
	// TTL in seconds; zero means the event never expires.
	TTL       int       `json:"ttl,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType string, data json.RawMessage, priority Priority) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
	}
}

// Normalize fills in the id and timestamp when a producer omitted them.
func (e *Event) Normalize() {
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// Expired reports whether the event's TTL has elapsed at the given instant.
func (e *Event) Expired(now time.Time) bool {
	if e.TTL <= 0 || e.Timestamp.IsZero() {
		return false
	}
	return now.After(e.Timestamp.Add(time.Duration(e.TTL) * time.Second))
}

// Global reports whether the event targets every connection.
func (e *Event) Global() bool {
	return len(e.Recipients) == 0 && strings.TrimSpace(e.Channel) == ""
}
