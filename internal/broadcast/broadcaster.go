// Package broadcast turns accepted events into deliveries: a bounded
// priority queue, a periodic drain loop, recipient resolution with
// condition filtering, and hand-off to the offline queue for users
// without an active connection.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/storewire/relay/internal/cluster"
	"github.com/storewire/relay/internal/observability"
	"github.com/storewire/relay/internal/offline"
	"github.com/storewire/relay/internal/presence"
	"github.com/storewire/relay/internal/registry"
	"github.com/storewire/relay/pkg/models"
)

// Source tags where a queued event came from.
const (
	SourceLocal   = "local"
	SourceCluster = "cluster"
)

// PresenceChannelPrefix is the channel clients join to watch a user's
// presence transitions.
const PresenceChannelPrefix = "presence:"

type queued struct {
	event  *models.Event
	source string
	seq    uint64
}

// Broadcaster owns the event queue and the drain loop.
type Broadcaster struct {
	registry *registry.Registry
	offline  *offline.Queue
	tracker  *presence.Tracker
	adapter  cluster.Adapter
	stats    *StatsBook
	metrics  *observability.Metrics
	logger   *slog.Logger

	drainInterval time.Duration
	drainBatch    int
	queueLimit    int

	mu      sync.Mutex
	queue   []*queued
	nextSeq uint64

	nowFn func() time.Time
}

type Option func(*Broadcaster)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// WithNow overrides the clock for tests.
func WithNow(fn func() time.Time) Option {
	return func(b *Broadcaster) { b.nowFn = fn }
}

// WithStats attaches a delivery stats book.
func WithStats(s *StatsBook) Option {
	return func(b *Broadcaster) { b.stats = s }
}

func New(reg *registry.Registry, off *offline.Queue, tracker *presence.Tracker, adapter cluster.Adapter,
	drainInterval time.Duration, drainBatch, queueLimit int, logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if adapter == nil {
		adapter = cluster.Noop{}
	}
	b := &Broadcaster{
		registry:      reg,
		offline:       off,
		tracker:       tracker,
		adapter:       adapter,
		logger:        logger.With("component", "broadcast"),
		drainInterval: drainInterval,
		drainBatch:    drainBatch,
		queueLimit:    queueLimit,
		nowFn:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Stats returns the delivery stats book, if one is attached.
func (b *Broadcaster) Stats() *StatsBook { return b.stats }

// QueueEvent accepts an event for fan-out. Local events are also
// published to sibling instances; cluster-sourced events are delivered
// locally only, so nothing loops back onto the bus.
func (b *Broadcaster) QueueEvent(ctx context.Context, ev *models.Event, source string) {
	ev.Normalize()
	if ev.Expired(b.nowFn()) {
		b.logger.Debug("dropping expired event at intake", "event_id", ev.ID)
		return
	}

	b.mu.Lock()
	b.queue = append(b.queue, &queued{event: ev, source: source, seq: b.nextSeq})
	b.nextSeq++
	if b.queueLimit > 0 && len(b.queue) > b.queueLimit {
		b.dropLowestLocked()
	}
	depth := len(b.queue)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventsQueued.WithLabelValues(ev.Priority.String(), source).Inc()
	}
	b.logger.Debug("event queued",
		"event_id", ev.ID, "type", ev.Type, "priority", ev.Priority.String(),
		"source", source, "depth", depth)

	if source == SourceLocal {
		if err := b.adapter.PublishEvent(ctx, ev); err != nil {
			b.logger.Warn("cluster publish failed", "event_id", ev.ID, "error", err)
		}
	}
}

// dropLowestLocked evicts the oldest event of the lowest priority
// present. Callers hold b.mu.
func (b *Broadcaster) dropLowestLocked() {
	victim := 0
	for i, q := range b.queue {
		if q.event.Priority < b.queue[victim].event.Priority ||
			(q.event.Priority == b.queue[victim].event.Priority && q.seq < b.queue[victim].seq) {
			victim = i
		}
	}
	dropped := b.queue[victim]
	b.queue = append(b.queue[:victim], b.queue[victim+1:]...)
	if b.metrics != nil {
		b.metrics.EventsDropped.WithLabelValues(dropped.event.Priority.String()).Inc()
	}
	b.logger.Warn("queue overflow, event dropped",
		"event_id", dropped.event.ID, "priority", dropped.event.Priority.String())
}

// Run drives the drain loop and consumes the cross-instance and
// presence streams until the context is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.drainInterval)
	defer ticker.Stop()

	var presenceUpdates <-chan models.PresenceUpdate
	if b.tracker != nil {
		presenceUpdates = b.tracker.Updates()
	}
	clusterEvents := b.adapter.Events()
	clusterPresence := b.adapter.Presence()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.DrainTick(ctx)
		case ev, ok := <-clusterEvents:
			if !ok {
				clusterEvents = nil
				continue
			}
			b.QueueEvent(ctx, ev, SourceCluster)
		case update, ok := <-presenceUpdates:
			if !ok {
				presenceUpdates = nil
				continue
			}
			b.fanOutPresence(ctx, update, true)
		case update, ok := <-clusterPresence:
			if !ok {
				clusterPresence = nil
				continue
			}
			b.fanOutPresence(ctx, update, false)
		}
	}
}

// fanOutPresence pushes a presence transition to watchers of the
// user's presence channel. Locally observed transitions are also
// published to sibling instances.
func (b *Broadcaster) fanOutPresence(ctx context.Context, update models.PresenceUpdate, local bool) {
	notice := models.NewNotice(models.NoticePresenceUpdate, update)
	b.registry.FanOut(PresenceChannelPrefix+update.UserID, notice)
	if local {
		if err := b.adapter.PublishPresence(ctx, update); err != nil {
			b.logger.Warn("presence publish failed", "user_id", update.UserID, "error", err)
		}
	}
}

// DrainTick pops one batch off the queue, highest priority first, and
// dispatches it. Exposed for tests; Run calls it on the ticker.
func (b *Broadcaster) DrainTick(ctx context.Context) {
	start := b.nowFn()

	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	sort.SliceStable(b.queue, func(i, j int) bool {
		return b.queue[i].event.Priority > b.queue[j].event.Priority
	})
	n := len(b.queue)
	if b.drainBatch > 0 && n > b.drainBatch {
		n = b.drainBatch
	}
	batch := make([]*queued, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	b.mu.Unlock()

	for _, q := range batch {
		if ctx.Err() != nil {
			return
		}
		b.dispatch(ctx, q.event)
	}

	if b.metrics != nil {
		b.metrics.DrainDuration.Observe(time.Since(start).Seconds())
	}
}

// dispatch resolves an event's recipients and delivers. Offline
// targeted users get the event queued for their next connection.
func (b *Broadcaster) dispatch(ctx context.Context, ev *models.Event) {
	if ev.Expired(b.nowFn()) {
		b.count("expired", 1)
		b.logger.Debug("skipping expired event", "event_id", ev.ID)
		return
	}

	notice := models.NewNotice(models.NoticeMessage, ev)
	stats := EventStats{EventID: ev.ID, DispatchedAt: b.nowFn()}

	switch {
	case len(ev.Recipients) > 0:
		for _, userID := range ev.Recipients {
			conns := b.connectionsFor(userID, ev.Conditions)
			if len(conns) == 0 {
				if b.offline != nil {
					b.offline.Enqueue(ctx, models.OfflineEntryFromEvent(userID, ev))
					stats.OfflineQueued++
				}
				continue
			}
			stats.Resolved += len(conns)
			for _, connID := range conns {
				if err := b.registry.Deliver(connID, notice); err != nil {
					if !errors.Is(err, registry.ErrGone) {
						stats.Failed++
					}
					continue
				}
				stats.Delivered++
			}
		}
	case ev.Channel != "":
		if ev.Conditions.Empty() {
			members, delivered, failed := b.registry.FanOut(ev.Channel, notice)
			stats.Resolved = members
			stats.Delivered = delivered
			stats.Failed = failed
		} else {
			for _, connID := range b.registry.Directory().Members(ev.Channel) {
				conn := b.registry.Get(connID)
				if conn == nil || !matchesConditions(conn, ev.Conditions) {
					continue
				}
				stats.Resolved++
				if err := b.registry.Deliver(connID, notice); err != nil {
					if !errors.Is(err, registry.ErrGone) {
						stats.Failed++
					}
					continue
				}
				stats.Delivered++
			}
		}
	default:
		b.registry.Each(func(conn *registry.Connection) {
			if !matchesConditions(conn, ev.Conditions) {
				return
			}
			stats.Resolved++
			if err := b.registry.Deliver(conn.ID, notice); err != nil {
				if !errors.Is(err, registry.ErrGone) {
					stats.Failed++
				}
				return
			}
			stats.Delivered++
		})
	}

	b.count("delivered", stats.Delivered)
	b.count("failed", stats.Failed)
	b.count("offline_queued", stats.OfflineQueued)
	if b.metrics != nil {
		b.metrics.FanOutSize.Observe(float64(stats.Resolved))
	}
	if b.stats != nil {
		b.stats.Record(stats)
	}
	if stats.Failed > 0 {
		b.logger.Warn("event dispatched with failures",
			"event_id", ev.ID, "delivered", stats.Delivered, "failed", stats.Failed)
	}
}

// connectionsFor lists a user's live connections that pass the
// event's condition filter.
func (b *Broadcaster) connectionsFor(userID string, cond *models.Conditions) []string {
	ids := b.registry.ConnectionsForUser(userID)
	if cond.Empty() {
		return ids
	}
	out := ids[:0]
	for _, id := range ids {
		conn := b.registry.Get(id)
		if conn != nil && matchesConditions(conn, cond) {
			out = append(out, id)
		}
	}
	return out
}

func (b *Broadcaster) count(outcome string, n int) {
	if b.metrics == nil || n == 0 {
		return
	}
	b.metrics.DeliveryCounter.WithLabelValues(outcome).Add(float64(n))
}

// matchesConditions applies an event's user-type, location, and device
// filters against one connection.
func matchesConditions(conn *registry.Connection, cond *models.Conditions) bool {
	if cond.Empty() {
		return true
	}
	if len(cond.UserTypes) > 0 && !contains(cond.UserTypes, conn.Role()) {
		return false
	}
	if len(cond.Locations) > 0 && !contains(cond.Locations, conn.Location()) {
		return false
	}
	if len(cond.Devices) > 0 && !contains(cond.Devices, string(conn.Device().Kind)) {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
