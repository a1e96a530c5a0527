// Package offline parks undelivered events for disconnected users and
// replays them on reconnect. The per-user queue is ephemeral and bounded;
// high and critical entries are mirrored into the durable store so they
// survive eviction and restarts.
package offline

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/storewire/relay/internal/observability"
	"github.com/storewire/relay/internal/storage"
	"github.com/storewire/relay/pkg/models"
)

const queueShards = 16

// DeliverFunc pushes one replayed entry to the client. Returning an
// error counts the entry as failed without aborting the batch.
type DeliverFunc func(entry *models.OfflineEntry) error

// DrainResult reports one replay run.
type DrainResult struct {
	Delivered int
	Failed    int
}

type queueShard struct {
	mu    sync.Mutex
	users map[string][]*models.OfflineEntry
}

// Queue is the per-user offline backlog.
type Queue struct {
	shards     [queueShards]*queueShard
	maxPerUser int

	store   storage.OfflineStore
	logger  *slog.Logger
	metrics *observability.Metrics

	storeTimeout time.Duration
	// batching resolves batch size and inter-batch delay per network
	// class; sleepFn is injectable for tests.
	batching func(class models.NetworkClass) (int, time.Duration)
	sleepFn  func(ctx context.Context, d time.Duration)
}

// Option customizes a Queue.
type Option func(*Queue)

// WithStore mirrors durable-priority entries. Store failures are soft.
func WithStore(store storage.OfflineStore) Option {
	return func(q *Queue) { q.store = store }
}

// WithMetrics tracks queue depth and drain outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithBatching overrides the per-class batch size and pacing.
func WithBatching(fn func(class models.NetworkClass) (int, time.Duration)) Option {
	return func(q *Queue) { q.batching = fn }
}

// WithSleep overrides the inter-batch pacing primitive, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration)) Option {
	return func(q *Queue) { q.sleepFn = fn }
}

// NewQueue builds an offline queue bounded at maxPerUser ephemeral
// entries per user.
func NewQueue(maxPerUser int, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		maxPerUser:   maxPerUser,
		logger:       logger,
		storeTimeout: 3 * time.Second,
		batching: func(class models.NetworkClass) (int, time.Duration) {
			return class.DrainBatchSize(), class.DrainBatchDelay()
		},
		sleepFn: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}
	for i := range q.shards {
		q.shards[i] = &queueShard{users: make(map[string][]*models.OfflineEntry)}
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) shard(userID string) *queueShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return q.shards[h.Sum32()%queueShards]
}

// Enqueue parks an entry for the user. The ephemeral queue is bounded;
// past the bound the oldest entry of the lowest present priority is
// dropped first, never a newer critical one. High and critical entries
// are additionally mirrored into the durable store (fail open).
func (q *Queue) Enqueue(ctx context.Context, entry *models.OfflineEntry) {
	shard := q.shard(entry.UserID)
	shard.mu.Lock()
	queue := shard.users[entry.UserID]
	if len(queue) >= q.maxPerUser {
		queue = dropLowestOldest(queue)
		if q.metrics != nil {
			q.metrics.EventsDropped.WithLabelValues(entry.Priority.String()).Inc()
		}
	}
	shard.users[entry.UserID] = append(queue, entry)
	shard.mu.Unlock()

	if entry.Priority.Durable() && q.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
		defer cancel()
		if err := q.store.UpsertEntry(storeCtx, entry); err != nil {
			q.logger.Warn("durable mirror write failed",
				"user_id", entry.UserID, "entry_id", entry.ID, "error", err)
		}
	}
	q.updateDepth()
}

// dropLowestOldest removes the oldest entry of the lowest priority
// present. Entries are appended in arrival order, so the first match in
// a front-to-back scan is the oldest of its tier.
func dropLowestOldest(queue []*models.OfflineEntry) []*models.OfflineEntry {
	if len(queue) == 0 {
		return queue
	}
	lowest := queue[0].Priority
	for _, e := range queue {
		if e.Priority < lowest {
			lowest = e.Priority
		}
	}
	for i, e := range queue {
		if e.Priority == lowest {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue[1:]
}

// Pending returns the user's merged, deduplicated backlog without
// consuming it, sorted the same way Drain will deliver it.
func (q *Queue) Pending(ctx context.Context, userID string) []*models.OfflineEntry {
	return q.collect(ctx, userID)
}

// collect merges the ephemeral queue and the durable mirror, dropping
// duplicates by entry id (a critical entry exists in both stores) and
// expired entries.
func (q *Queue) collect(ctx context.Context, userID string) []*models.OfflineEntry {
	now := time.Now()
	seen := make(map[string]bool)
	var merged []*models.OfflineEntry

	shard := q.shard(userID)
	shard.mu.Lock()
	for _, e := range shard.users[userID] {
		if e.Expired(now) || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		merged = append(merged, e)
	}
	shard.mu.Unlock()

	if q.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
		defer cancel()
		durable, err := q.store.ListEntries(storeCtx, userID)
		if err != nil {
			q.logger.Warn("durable mirror read failed", "user_id", userID, "error", err)
		}
		for _, e := range durable {
			if e.Expired(now) || seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			merged = append(merged, e)
		}
	}

	// Priority descending, then most-recent-first within a tier.
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Priority != merged[j].Priority {
			return merged[i].Priority > merged[j].Priority
		}
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	return merged
}

// Drain replays the user's backlog through deliver, batched and paced by
// the connection's current network class. Individual failures do not
// abort the run; delivered entries are consumed from both stores and the
// ephemeral queue is cleared.
func (q *Queue) Drain(ctx context.Context, userID string, class models.NetworkClass, deliver DeliverFunc) DrainResult {
	entries := q.collect(ctx, userID)
	if len(entries) == 0 {
		return DrainResult{}
	}

	batchSize, delay := q.batching(class)
	if batchSize < 1 {
		batchSize = 1
	}

	var result DrainResult
	var deliveredIDs []string
	for start := 0; start < len(entries); start += batchSize {
		if start > 0 {
			q.sleepFn(ctx, delay)
		}
		if ctx.Err() != nil {
			break
		}
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		for _, entry := range entries[start:end] {
			if err := deliver(entry); err != nil {
				entry.Retries++
				result.Failed++
				q.logger.Debug("offline replay delivery failed",
					"user_id", userID, "entry_id", entry.ID, "error", err)
				continue
			}
			result.Delivered++
			deliveredIDs = append(deliveredIDs, entry.ID)
		}
	}

	q.consume(ctx, userID, deliveredIDs)

	if q.metrics != nil {
		q.metrics.OfflineDrained.WithLabelValues("delivered").Add(float64(result.Delivered))
		q.metrics.OfflineDrained.WithLabelValues("failed").Add(float64(result.Failed))
	}
	q.logger.Debug("offline queue drained",
		"user_id", userID, "delivered", result.Delivered, "failed", result.Failed, "class", class)
	return result
}

// consume clears the ephemeral queue and marks delivered ids in the
// durable store.
func (q *Queue) consume(ctx context.Context, userID string, deliveredIDs []string) {
	shard := q.shard(userID)
	shard.mu.Lock()
	delete(shard.users, userID)
	shard.mu.Unlock()

	if q.store != nil && len(deliveredIDs) > 0 {
		storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
		defer cancel()
		if err := q.store.MarkConsumed(storeCtx, userID, deliveredIDs); err != nil {
			q.logger.Warn("durable mirror consume failed", "user_id", userID, "error", err)
		}
	}
	q.updateDepth()
}

// EvictEphemeral drops every in-memory entry, simulating cache pressure.
// Durable-priority entries remain recoverable through the mirror.
func (q *Queue) EvictEphemeral() {
	for _, shard := range q.shards {
		shard.mu.Lock()
		shard.users = make(map[string][]*models.OfflineEntry)
		shard.mu.Unlock()
	}
	q.updateDepth()
}

// Depth returns the total ephemeral entry count across users.
func (q *Queue) Depth() int {
	total := 0
	for _, shard := range q.shards {
		shard.mu.Lock()
		for _, queue := range shard.users {
			total += len(queue)
		}
		shard.mu.Unlock()
	}
	return total
}

func (q *Queue) updateDepth() {
	if q.metrics != nil {
		q.metrics.OfflineQueueDepth.Set(float64(q.Depth()))
	}
}

// StartSweep periodically drops expired ephemeral entries and purges the
// durable store until ctx is done.
func (q *Queue) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.sweep(ctx)
			}
		}
	}()
}

func (q *Queue) sweep(ctx context.Context) {
	now := time.Now()
	for _, shard := range q.shards {
		shard.mu.Lock()
		for userID, queue := range shard.users {
			kept := queue[:0]
			for _, e := range queue {
				if !e.Expired(now) {
					kept = append(kept, e)
				}
			}
			if len(kept) == 0 {
				delete(shard.users, userID)
			} else {
				shard.users[userID] = kept
			}
		}
		shard.mu.Unlock()
	}

	if q.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
		defer cancel()
		if purged, err := q.store.PurgeExpired(storeCtx, now); err != nil {
			q.logger.Warn("durable mirror purge failed", "error", err)
		} else if purged > 0 {
			q.logger.Debug("purged expired offline entries", "count", purged)
		}
	}
	q.updateDepth()
}
