package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/storewire/relay/internal/cluster"
	"github.com/storewire/relay/internal/offline"
	"github.com/storewire/relay/internal/registry"
	"github.com/storewire/relay/internal/storage"
	"github.com/storewire/relay/pkg/models"
)

type captureSink struct {
	mu       sync.Mutex
	payloads []any
}

func (s *captureSink) Send(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *captureSink) events(t *testing.T) []*models.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, p := range s.payloads {
		notice, ok := p.(*models.Notice)
		if !ok {
			t.Fatalf("unexpected payload type %T", p)
		}
		ev, ok := notice.Payload.(*models.Event)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func testBroadcaster(t *testing.T, reg *registry.Registry, off *offline.Queue) *Broadcaster {
	t.Helper()
	return New(reg, off, nil, cluster.Noop{},
		10*time.Millisecond, 50, 100, nil,
		WithStats(NewStatsBook(time.Minute)))
}

func event(eventType, channel string, priority models.Priority) *models.Event {
	ev := models.NewEvent(eventType, json.RawMessage(`{}`), priority)
	ev.Channel = channel
	return ev
}

func TestDrainOrdersByPriorityThenArrival(t *testing.T) {
	reg := registry.New(nil)
	sink := &captureSink{}
	conn := reg.Admit("u-1", "s-1", "customer", false, registry.Metadata{Sink: sink})
	if err := reg.Join(conn.ID, "orders"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	b := testBroadcaster(t, reg, nil)
	ctx := context.Background()

	low := event("inventory_alert", "orders", models.PriorityLow)
	crit1 := event("payment_failed", "orders", models.PriorityCritical)
	med := event("order_update", "orders", models.PriorityMedium)
	crit2 := event("fraud_alert", "orders", models.PriorityCritical)
	high := event("shipment_update", "orders", models.PriorityHigh)
	for _, ev := range []*models.Event{low, crit1, med, crit2, high} {
		b.QueueEvent(ctx, ev, SourceLocal)
	}

	b.DrainTick(ctx)

	got := sink.events(t)
	want := []string{crit1.ID, crit2.ID, high.ID, med.ID, low.ID}
	if len(got) != len(want) {
		t.Fatalf("delivered %d events, want %d", len(got), len(want))
	}
	for i, ev := range got {
		if ev.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, ev.ID, want[i])
		}
	}
}

func TestOfflineRecipientQueuedThenDrainedOnReconnect(t *testing.T) {
	reg := registry.New(nil)
	store := storage.NewMemoryStore()
	off := offline.NewQueue(100, nil, offline.WithStore(store))
	b := testBroadcaster(t, reg, off)
	ctx := context.Background()

	ev := models.NewEvent("order_update", json.RawMessage(`{"order":"o-9"}`), models.PriorityHigh)
	ev.Recipients = []string{"u-offline"}
	b.QueueEvent(ctx, ev, SourceLocal)
	b.DrainTick(ctx)

	pending := off.Pending(ctx, "u-offline")
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].ID != ev.ID {
		t.Fatalf("queued wrong event: %s", pending[0].ID)
	}

	stats, ok := b.Stats().Lookup(ev.ID)
	if !ok || stats.OfflineQueued != 1 || stats.Delivered != 0 {
		t.Fatalf("stats = %+v, ok=%v", stats, ok)
	}

	var delivered []*models.OfflineEntry
	result := off.Drain(ctx, "u-offline", models.NetworkExcellent, func(entry *models.OfflineEntry) error {
		delivered = append(delivered, entry)
		return nil
	})
	if result.Delivered != 1 || result.Failed != 0 {
		t.Fatalf("drain result = %+v", result)
	}
	if len(off.Pending(ctx, "u-offline")) != 0 {
		t.Fatal("queue should be empty after drain")
	}
	remaining, err := store.ListEntries(ctx, "u-offline")
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("durable store retains %d entries after consumption", len(remaining))
	}
}

func TestConditionsFilterRecipients(t *testing.T) {
	reg := registry.New(nil)
	vendorSink := &captureSink{}
	customerSink := &captureSink{}
	vendor := reg.Admit("u-v", "s-v", "vendor", false, registry.Metadata{
		Sink:     vendorSink,
		Location: "US",
		Device:   models.Device{Kind: models.DeviceDesktop},
	})
	customer := reg.Admit("u-c", "s-c", "customer", false, registry.Metadata{
		Sink:     customerSink,
		Location: "DE",
		Device:   models.Device{Kind: models.DeviceMobile},
	})
	for _, id := range []string{vendor.ID, customer.ID} {
		if err := reg.Join(id, "store-42"); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}

	b := testBroadcaster(t, reg, nil)
	ctx := context.Background()

	ev := event("restock", "store-42", models.PriorityMedium)
	ev.Conditions = &models.Conditions{UserTypes: []string{"vendor"}}
	b.QueueEvent(ctx, ev, SourceLocal)
	b.DrainTick(ctx)

	if n := len(vendorSink.events(t)); n != 1 {
		t.Fatalf("vendor got %d events, want 1", n)
	}
	if n := len(customerSink.events(t)); n != 0 {
		t.Fatalf("customer got %d events, want 0", n)
	}

	geo := event("regional_promo", "store-42", models.PriorityMedium)
	geo.Conditions = &models.Conditions{Locations: []string{"DE"}}
	b.QueueEvent(ctx, geo, SourceLocal)
	b.DrainTick(ctx)

	if n := len(customerSink.events(t)); n != 1 {
		t.Fatalf("customer got %d geo events, want 1", n)
	}
	if n := len(vendorSink.events(t)); n != 1 {
		t.Fatal("vendor should not receive the DE-only event")
	}
}

func TestChannelStatsExcludeGoneMembers(t *testing.T) {
	reg := registry.New(nil)
	sink := &captureSink{}
	a := reg.Admit("u-1", "s-1", "customer", false, registry.Metadata{Sink: sink})
	gone := reg.Admit("u-2", "s-2", "customer", false, registry.Metadata{Sink: &captureSink{}})
	for _, id := range []string{a.ID, gone.ID} {
		if err := reg.Join(id, "orders"); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	// Leave the removed connection listed in the directory, as a
	// resolution racing the removal would see it.
	reg.Remove(gone.ID)
	reg.Directory().Add("orders", gone.ID)

	b := testBroadcaster(t, reg, nil)
	ctx := context.Background()
	ev := event("order_update", "orders", models.PriorityMedium)
	b.QueueEvent(ctx, ev, SourceLocal)
	b.DrainTick(ctx)

	stats, ok := b.Stats().Lookup(ev.ID)
	if !ok {
		t.Fatal("stats not recorded")
	}
	if stats.Resolved != 2 || stats.Delivered != 1 || stats.Failed != 0 {
		t.Errorf("stats = resolved %d delivered %d failed %d, want 2/1/0",
			stats.Resolved, stats.Delivered, stats.Failed)
	}
}

func TestBindDuringConditionedDispatch(t *testing.T) {
	reg := registry.New(nil)
	sink := &captureSink{}
	conn := reg.Admit("", "", "", true, registry.Metadata{Sink: sink})

	b := testBroadcaster(t, reg, nil)
	ctx := context.Background()

	// Drive condition-filtered global dispatches while the connection is
	// concurrently upgraded from guest to an authenticated identity. The
	// race detector covers the identity reads on the dispatch path.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			ev := event("flash_sale", "", models.PriorityMedium)
			ev.Conditions = &models.Conditions{UserTypes: []string{"customer"}}
			b.QueueEvent(ctx, ev, SourceLocal)
			b.DrainTick(ctx)
		}
	}()
	for i := 0; i < 200; i++ {
		if err := reg.Bind(conn.ID, "u-1", "s-1", "customer"); err != nil {
			t.Errorf("Bind: %v", err)
			break
		}
	}
	<-done

	if conn.Role() != "customer" || conn.Guest() {
		t.Fatalf("connection not bound: role=%q guest=%v", conn.Role(), conn.Guest())
	}
}

func TestGlobalEventReachesEveryConnection(t *testing.T) {
	reg := registry.New(nil)
	sinks := make([]*captureSink, 3)
	for i := range sinks {
		sinks[i] = &captureSink{}
		reg.Admit("", "", "", true, registry.Metadata{Sink: sinks[i]})
	}

	b := testBroadcaster(t, reg, nil)
	ctx := context.Background()
	b.QueueEvent(ctx, models.NewEvent("maintenance", json.RawMessage(`{}`), models.PriorityCritical), SourceLocal)
	b.DrainTick(ctx)

	for i, s := range sinks {
		if n := len(s.events(t)); n != 1 {
			t.Fatalf("connection %d got %d events, want 1", i, n)
		}
	}
}

func TestOverflowDropsOldestLowestPriority(t *testing.T) {
	reg := registry.New(nil)
	b := New(reg, nil, nil, cluster.Noop{}, 10*time.Millisecond, 50, 3, nil)
	ctx := context.Background()

	lowOld := event("a", "", models.PriorityLow)
	lowNew := event("b", "", models.PriorityLow)
	high := event("c", "", models.PriorityHigh)
	crit := event("d", "", models.PriorityCritical)
	for _, ev := range []*models.Event{lowOld, lowNew, high, crit} {
		b.QueueEvent(ctx, ev, SourceLocal)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) != 3 {
		t.Fatalf("queue depth = %d, want 3", len(b.queue))
	}
	for _, q := range b.queue {
		if q.event.ID == lowOld.ID {
			t.Fatal("oldest low-priority event should have been dropped")
		}
	}
}

func TestExpiredEventSkipped(t *testing.T) {
	reg := registry.New(nil)
	sink := &captureSink{}
	conn := reg.Admit("u-1", "s-1", "customer", false, registry.Metadata{Sink: sink})
	if err := reg.Join(conn.ID, "flash"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	now := time.Now()
	b := New(reg, nil, nil, cluster.Noop{}, 10*time.Millisecond, 50, 100, nil,
		WithNow(func() time.Time { return now }))
	ctx := context.Background()

	ev := event("flash_sale", "flash", models.PriorityHigh)
	ev.TTL = 30
	b.QueueEvent(ctx, ev, SourceLocal)

	now = now.Add(31 * time.Second)
	b.DrainTick(ctx)

	if n := len(sink.events(t)); n != 0 {
		t.Fatalf("expired event delivered %d times", n)
	}
}

func TestPresenceFanOutToWatchers(t *testing.T) {
	reg := registry.New(nil)
	watcher := &captureSink{}
	conn := reg.Admit("u-w", "s-w", "customer", false, registry.Metadata{Sink: watcher})
	if err := reg.Join(conn.ID, PresenceChannelPrefix+"u-seller"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	b := testBroadcaster(t, reg, nil)
	b.fanOutPresence(context.Background(), models.PresenceUpdate{
		UserID:   "u-seller",
		Previous: models.PresenceOnline,
		Current:  models.PresenceAway,
		At:       time.Now(),
	}, true)

	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	if len(watcher.payloads) != 1 {
		t.Fatalf("watcher got %d payloads, want 1", len(watcher.payloads))
	}
	notice := watcher.payloads[0].(*models.Notice)
	if notice.Kind != models.NoticePresenceUpdate {
		t.Fatalf("kind = %s", notice.Kind)
	}
}

func TestStatsBookRetention(t *testing.T) {
	book := NewStatsBook(time.Minute)
	now := time.Now()
	book.nowFn = func() time.Time { return now }

	book.Record(EventStats{EventID: "ev-1", Delivered: 3})
	if _, ok := book.Lookup("ev-1"); !ok {
		t.Fatal("stats should be queryable immediately")
	}

	now = now.Add(2 * time.Minute)
	book.Sweep()
	if _, ok := book.Lookup("ev-1"); ok {
		t.Fatal("stats should expire after the retention window")
	}
	if book.Len() != 0 {
		t.Fatalf("book holds %d entries after sweep", book.Len())
	}
}
