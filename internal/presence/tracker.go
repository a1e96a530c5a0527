// Package presence tracks user-level online/away/busy/offline status with
// timer-driven transitions. Presence is per user, not per connection: one
// user may hold several connections, and the record only goes offline
// when the last one closes or the idle timers expire.
package presence

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/storewire/relay/internal/observability"
	"github.com/storewire/relay/internal/storage"
	"github.com/storewire/relay/pkg/models"
)

const trackerShards = 16

// record is the tracked state for one user. Guarded by the owning
// shard's mutex, giving single-writer semantics per user id.
type record struct {
	models.PresenceRecord
	conns map[string]bool
}

type trackerShard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Tracker is the presence state machine for all users on this instance.
type Tracker struct {
	shards [trackerShards]*trackerShard

	awayThreshold    time.Duration
	offlineThreshold time.Duration

	store   storage.PresenceStore
	logger  *slog.Logger
	metrics *observability.Metrics
	updates chan models.PresenceUpdate
	nowFn   func() time.Time

	persistTimeout time.Duration
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithStore persists records across restarts. Store failures are soft.
func WithStore(store storage.PresenceStore) Option {
	return func(t *Tracker) { t.store = store }
}

// WithMetrics counts transitions in Prometheus.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithNow overrides the clock for tests.
func WithNow(fn func() time.Time) Option {
	return func(t *Tracker) { t.nowFn = fn }
}

// NewTracker builds a tracker with the given idle thresholds. The away
// threshold is idle time before online becomes away; the offline
// threshold is measured from the timestamp the user last became online.
func NewTracker(awayThreshold, offlineThreshold time.Duration, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		awayThreshold:    awayThreshold,
		offlineThreshold: offlineThreshold,
		logger:           logger,
		updates:          make(chan models.PresenceUpdate, 256),
		nowFn:            time.Now,
		persistTimeout:   2 * time.Second,
	}
	for i := range t.shards {
		t.shards[i] = &trackerShard{records: make(map[string]*record)}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Updates is the stream of presence transitions. Consumers (the
// broadcaster and the cross-instance adapter) must drain it; the channel
// is buffered and transitions are dropped with a warning when it fills.
func (t *Tracker) Updates() <-chan models.PresenceUpdate {
	return t.updates
}

func (t *Tracker) shard(userID string) *trackerShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return t.shards[h.Sum32()%trackerShards]
}

// Connect registers a connection for the user, creating the record on
// first sight and transitioning it to online.
func (t *Tracker) Connect(userID, connID string) {
	shard := t.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := t.nowFn()
	rec, ok := shard.records[userID]
	if !ok {
		rec = &record{
			PresenceRecord: models.PresenceRecord{
				UserID:      userID,
				State:       models.PresenceOffline,
				OnlineSince: now,
			},
			conns: make(map[string]bool),
		}
		shard.records[userID] = rec
	}
	rec.conns[connID] = true
	rec.DeviceCount = len(rec.conns)
	t.activityLocked(rec, now)
}

// Disconnect drops the connection from the user's record. When the last
// connection closes, the record short-circuits both idle timers and goes
// offline immediately.
func (t *Tracker) Disconnect(userID, connID string) {
	shard := t.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec, ok := shard.records[userID]
	if !ok {
		return
	}
	delete(rec.conns, connID)
	rec.DeviceCount = len(rec.conns)
	if len(rec.conns) == 0 && rec.State != models.PresenceOffline {
		t.transitionLocked(rec, models.PresenceOffline, t.nowFn())
	}
}

// Touch records user activity: the record resets to online and both idle
// timers restart.
func (t *Tracker) Touch(userID string) {
	shard := t.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec, ok := shard.records[userID]
	if !ok {
		return
	}
	t.activityLocked(rec, t.nowFn())
}

// activityLocked applies the activity rule: reset to online, restart timers.
func (t *Tracker) activityLocked(rec *record, now time.Time) {
	rec.LastSeen = now
	rec.OnlineSince = now
	if rec.State != models.PresenceOnline {
		t.transitionLocked(rec, models.PresenceOnline, now)
	} else {
		t.persist(rec)
	}
}

// SetBusy marks the user busy. Reachable only from online or away.
func (t *Tracker) SetBusy(userID string) bool {
	shard := t.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec, ok := shard.records[userID]
	if !ok {
		return false
	}
	if rec.State != models.PresenceOnline && rec.State != models.PresenceAway {
		return false
	}
	t.transitionLocked(rec, models.PresenceBusy, t.nowFn())
	return true
}

// SetOffline forces the record offline, short-circuiting the timers.
func (t *Tracker) SetOffline(userID string) {
	shard := t.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec, ok := shard.records[userID]
	if !ok || rec.State == models.PresenceOffline {
		return
	}
	t.transitionLocked(rec, models.PresenceOffline, t.nowFn())
}

// UpdateActivity attaches the shopping-activity snapshot without forcing
// a state change beyond the usual activity reset.
func (t *Tracker) UpdateActivity(userID, context, activity string) {
	shard := t.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec, ok := shard.records[userID]
	if !ok {
		return
	}
	rec.Context = context
	rec.Activity = activity
	t.activityLocked(rec, t.nowFn())
}

// Record returns a copy of the user's presence record.
func (t *Tracker) Record(userID string) (models.PresenceRecord, bool) {
	shard := t.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	rec, ok := shard.records[userID]
	if !ok {
		return models.PresenceRecord{}, false
	}
	return rec.PresenceRecord, true
}

// Online reports whether the user currently has any state other than
// offline; the broadcaster uses it to choose direct delivery over the
// offline queue.
func (t *Tracker) Online(userID string) bool {
	rec, ok := t.Record(userID)
	return ok && rec.State != models.PresenceOffline
}

// Stats aggregates record counts per state for the query surface.
func (t *Tracker) Stats() map[models.PresenceState]int {
	out := map[models.PresenceState]int{
		models.PresenceOnline:  0,
		models.PresenceAway:    0,
		models.PresenceBusy:    0,
		models.PresenceOffline: 0,
	}
	for _, shard := range t.shards {
		shard.mu.Lock()
		for _, rec := range shard.records {
			out[rec.State]++
		}
		shard.mu.Unlock()
	}
	return out
}

// transitionLocked applies and publishes one state change. Every
// transition is emitted for observability; the sweep calls this once per
// intermediate state so none is skipped silently.
func (t *Tracker) transitionLocked(rec *record, to models.PresenceState, now time.Time) {
	from := rec.State
	if from == to {
		return
	}
	rec.State = to
	rec.LastSeen = now
	if to == models.PresenceOnline {
		rec.OnlineSince = now
	}

	update := models.PresenceUpdate{UserID: rec.UserID, Previous: from, Current: to, At: now}
	select {
	case t.updates <- update:
	default:
		t.logger.Warn("presence update channel full, dropping transition",
			"user_id", rec.UserID, "from", from, "to", to)
	}

	if t.metrics != nil {
		t.metrics.PresenceTransitions.WithLabelValues(string(to)).Inc()
	}
	t.logger.Debug("presence transition", "user_id", rec.UserID, "from", from, "to", to)
	t.persist(rec)
}

// persist saves the record, failing open on store errors.
func (t *Tracker) persist(rec *record) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.persistTimeout)
	defer cancel()
	snapshot := rec.PresenceRecord
	if err := t.store.SavePresence(ctx, &snapshot); err != nil {
		t.logger.Warn("presence persistence failed", "user_id", rec.UserID, "error", err)
	}
}

// Restore loads persisted records so presence survives a restart.
// Records restore as offline: their connections did not survive the
// restart, and the first reconnect flips them back online.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	records, err := t.store.LoadAllPresence(ctx)
	if err != nil {
		t.logger.Warn("presence restore failed", "error", err)
		return err
	}
	for _, saved := range records {
		shard := t.shard(saved.UserID)
		shard.mu.Lock()
		rec := &record{PresenceRecord: *saved, conns: make(map[string]bool)}
		rec.State = models.PresenceOffline
		rec.DeviceCount = 0
		shard.records[saved.UserID] = rec
		shard.mu.Unlock()
	}
	t.logger.Info("presence restored", "records", len(records))
	return nil
}

// StartSweep runs the timeout sweep until ctx is done.
func (t *Tracker) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()
}

// Sweep applies idle transitions across all records: online becomes away
// past the away threshold, and away becomes offline once the offline
// threshold has elapsed from the original online timestamp. A late sweep
// steps through both transitions rather than skipping away.
func (t *Tracker) Sweep() {
	now := t.nowFn()
	for _, shard := range t.shards {
		shard.mu.Lock()
		for _, rec := range shard.records {
			t.sweepRecordLocked(rec, now)
		}
		shard.mu.Unlock()
	}
}

func (t *Tracker) sweepRecordLocked(rec *record, now time.Time) {
	// Busy is an explicit state; only activity or disconnect leaves it.
	if rec.State == models.PresenceBusy || rec.State == models.PresenceOffline {
		return
	}
	if rec.State == models.PresenceOnline && now.Sub(rec.LastSeen) >= t.awayThreshold {
		t.transitionLocked(rec, models.PresenceAway, now)
	}
	if rec.State == models.PresenceAway && now.Sub(rec.OnlineSince) >= t.offlineThreshold {
		t.transitionLocked(rec, models.PresenceOffline, now)
	}
}
