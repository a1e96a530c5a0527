package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// CounterStore supplies the fixed-window counter primitive. The default
// implementation is in-process; the interface exists so a shared counter
// backend can be swapped in without touching the limiter.
type CounterStore interface {
	// Incr increments the counter for key within the window beginning at
	// windowStart and returns the post-increment count. A stored counter
	// from an older window is discarded, not carried over.
	Incr(ctx context.Context, key string, windowStart int64) (int, error)
}

const counterShards = 32

type counterWindow struct {
	start int64
	count int
}

type counterShard struct {
	mu      sync.Mutex
	windows map[string]*counterWindow
}

// ShardedCounters is the in-process CounterStore. Keys hash across
// shards so unrelated identities never contend on one lock.
type ShardedCounters struct {
	shards [counterShards]*counterShard
}

// NewShardedCounters builds an empty counter store.
func NewShardedCounters() *ShardedCounters {
	s := &ShardedCounters{}
	for i := range s.shards {
		s.shards[i] = &counterShard{windows: make(map[string]*counterWindow)}
	}
	return s
}

func (s *ShardedCounters) shard(key string) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%counterShards]
}

func (s *ShardedCounters) Incr(_ context.Context, key string, windowStart int64) (int, error) {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	w, ok := shard.windows[key]
	if !ok || w.start != windowStart {
		// Stale window: reset to 1, never inherit the old count.
		shard.windows[key] = &counterWindow{start: windowStart, count: 1}
		return 1, nil
	}
	w.count++
	return w.count, nil
}

// Peek returns the count for key in the given window without
// incrementing it; zero when absent or stale.
func (s *ShardedCounters) Peek(_ context.Context, key string, windowStart int64) (int, error) {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	w, ok := shard.windows[key]
	if !ok || w.start != windowStart {
		return 0, nil
	}
	return w.count, nil
}

// Sweep drops windows older than the cutoff to bound memory. Called from
// the limiter's background sweep.
func (s *ShardedCounters) Sweep(cutoff int64) int {
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, w := range shard.windows {
			if w.start < cutoff {
				delete(shard.windows, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// windowStart computes the fixed-window boundary for an instant.
func windowStart(now time.Time, window time.Duration) int64 {
	if window <= 0 {
		window = time.Second
	}
	return now.UnixNano() / int64(window) * int64(window)
}
