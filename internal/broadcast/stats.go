package broadcast

import (
	"sync"
	"time"
)

// EventStats summarizes how one event fanned out.
type EventStats struct {
	EventID       string    `json:"event_id"`
	Resolved      int       `json:"resolved"`
	Delivered     int       `json:"delivered"`
	Failed        int       `json:"failed"`
	OfflineQueued int       `json:"offline_queued"`
	DispatchedAt  time.Time `json:"dispatched_at"`
}

// StatsBook keeps recent per-event delivery stats queryable for a
// bounded retention window.
type StatsBook struct {
	mu        sync.RWMutex
	entries   map[string]EventStats
	retention time.Duration
	nowFn     func() time.Time
}

func NewStatsBook(retention time.Duration) *StatsBook {
	return &StatsBook{
		entries:   make(map[string]EventStats),
		retention: retention,
		nowFn:     time.Now,
	}
}

func (b *StatsBook) Record(stats EventStats) {
	if stats.DispatchedAt.IsZero() {
		stats.DispatchedAt = b.nowFn()
	}
	b.mu.Lock()
	b.entries[stats.EventID] = stats
	b.mu.Unlock()
}

// Lookup returns the stats for an event id, if still retained.
func (b *StatsBook) Lookup(eventID string) (EventStats, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats, ok := b.entries[eventID]
	return stats, ok
}

// Sweep drops entries older than the retention window.
func (b *StatsBook) Sweep() {
	cutoff := b.nowFn().Add(-b.retention)
	b.mu.Lock()
	for id, stats := range b.entries {
		if stats.DispatchedAt.Before(cutoff) {
			delete(b.entries, id)
		}
	}
	b.mu.Unlock()
}

func (b *StatsBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
