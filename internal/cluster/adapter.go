// Package cluster bridges sibling relay instances over publish/subscribe:
// raw events, presence transitions, and channel membership changes are
// propagated so every instance can resolve and deliver to the
// connections it holds. Consistency is eventual; an outage degrades to
// single-instance operation rather than failing deliveries.
package cluster

import (
	"context"

	"github.com/storewire/relay/pkg/models"
)

// Channel membership actions.
const (
	ChannelJoin  = "join"
	ChannelLeave = "leave"
)

// ChannelChange propagates a join or leave between instances.
type ChannelChange struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
	Action  string `json:"action"`
}

// Adapter is the cross-instance bridge. Outbound publishes are
// fire-and-forget with bounded timeouts; inbound messages arrive on the
// typed channels, already filtered to exclude this instance's own
// publishes.
type Adapter interface {
	PublishEvent(ctx context.Context, ev *models.Event) error
	PublishPresence(ctx context.Context, update models.PresenceUpdate) error
	PublishChannelChange(ctx context.Context, change ChannelChange) error

	// Events streams events published by sibling instances.
	Events() <-chan *models.Event
	// Presence streams presence transitions from sibling instances.
	Presence() <-chan models.PresenceUpdate

	Close() error
}

// Noop is the single-instance adapter: publishes succeed silently and
// the inbound channels never deliver.
type Noop struct{}

// NewNoop returns the single-instance adapter.
func NewNoop() Noop { return Noop{} }

func (Noop) PublishEvent(context.Context, *models.Event) error            { return nil }
func (Noop) PublishPresence(context.Context, models.PresenceUpdate) error { return nil }
func (Noop) PublishChannelChange(context.Context, ChannelChange) error    { return nil }
func (Noop) Events() <-chan *models.Event                                 { return nil }
func (Noop) Presence() <-chan models.PresenceUpdate                       { return nil }
func (Noop) Close() error                                                 { return nil }
