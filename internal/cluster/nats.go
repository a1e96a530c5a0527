package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/storewire/relay/pkg/models"
)

// envelope wraps every cross-instance message with its origin so
// subscribers can skip their own publishes.
type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// NATSAdapter is the production Adapter on core NATS pub/sub.
type NATSAdapter struct {
	nc         *nats.Conn
	instanceID string
	prefix     string
	logger     *slog.Logger

	events   chan *models.Event
	presence chan models.PresenceUpdate
	subs     []*nats.Subscription
}

// NewNATSAdapter connects to NATS and subscribes to the relay subjects.
// The connection retries forever in the background; while disconnected,
// publishes buffer and inbound propagation pauses (eventual consistency,
// never an error surfaced to delivery paths).
func NewNATSAdapter(url, prefix, instanceID string, logger *slog.Logger) (*NATSAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "relay"
	}

	nc, err := nats.Connect(url,
		nats.Name("relay-"+instanceID),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	a := &NATSAdapter{
		nc:         nc,
		instanceID: instanceID,
		prefix:     prefix,
		logger:     logger,
		events:     make(chan *models.Event, 256),
		presence:   make(chan models.PresenceUpdate, 256),
	}
	if err := a.subscribe(); err != nil {
		nc.Close()
		return nil, err
	}
	return a, nil
}

func (a *NATSAdapter) subject(kind string) string {
	return a.prefix + "." + kind
}

func (a *NATSAdapter) subscribe() error {
	eventSub, err := a.nc.Subscribe(a.subject("events"), func(msg *nats.Msg) {
		var ev models.Event
		if !a.open(msg.Data, &ev) {
			return
		}
		select {
		case a.events <- &ev:
		default:
			a.logger.Warn("cluster event buffer full, dropping", "event_id", ev.ID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	presenceSub, err := a.nc.Subscribe(a.subject("presence"), func(msg *nats.Msg) {
		var update models.PresenceUpdate
		if !a.open(msg.Data, &update) {
			return
		}
		select {
		case a.presence <- update:
		default:
			a.logger.Warn("cluster presence buffer full, dropping", "user_id", update.UserID)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}

	// Channel changes are logged for observability; membership itself is
	// instance-local (each instance fans out only to its own sockets).
	channelSub, err := a.nc.Subscribe(a.subject("channels"), func(msg *nats.Msg) {
		var change ChannelChange
		if !a.open(msg.Data, &change) {
			return
		}
		a.logger.Debug("sibling channel change",
			"user_id", change.UserID, "channel", change.Channel, "action", change.Action)
	})
	if err != nil {
		return fmt.Errorf("subscribe channels: %w", err)
	}

	a.subs = []*nats.Subscription{eventSub, presenceSub, channelSub}
	return nil
}

// open unmarshals an envelope, returning false for this instance's own
// messages or malformed payloads.
func (a *NATSAdapter) open(data []byte, out any) bool {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.logger.Warn("malformed cluster message", "error", err)
		return false
	}
	if env.Origin == a.instanceID {
		return false
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		a.logger.Warn("malformed cluster payload", "error", err)
		return false
	}
	return true
}

func (a *NATSAdapter) publish(subject string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cluster payload: %w", err)
	}
	data, err := json.Marshal(envelope{Origin: a.instanceID, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal cluster envelope: %w", err)
	}
	return a.nc.Publish(subject, data)
}

func (a *NATSAdapter) PublishEvent(_ context.Context, ev *models.Event) error {
	return a.publish(a.subject("events"), ev)
}

func (a *NATSAdapter) PublishPresence(_ context.Context, update models.PresenceUpdate) error {
	return a.publish(a.subject("presence"), update)
}

func (a *NATSAdapter) PublishChannelChange(_ context.Context, change ChannelChange) error {
	return a.publish(a.subject("channels"), change)
}

func (a *NATSAdapter) Events() <-chan *models.Event { return a.events }

func (a *NATSAdapter) Presence() <-chan models.PresenceUpdate { return a.presence }

// Close drains the subscriptions and closes the connection.
func (a *NATSAdapter) Close() error {
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	a.nc.Close()
	return nil
}
