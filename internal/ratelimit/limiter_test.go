package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/storewire/relay/internal/config"
	"github.com/storewire/relay/pkg/models"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCheckWithinLimit(t *testing.T) {
	// Scenario: limit 5 per 10s window; 5 calls allowed, the 6th denied
	// with a positive reset time.
	now := time.Now()
	l := New(NewRuleTable(nil), nil, nil, WithNow(fixedClock(now)))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := l.CheckWith(ctx, "u-1", "send_message", 5, 10*time.Second, models.NetworkExcellent)
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if d.Remaining != 5-(i+1) {
			t.Errorf("call %d remaining = %d, want %d", i+1, d.Remaining, 5-(i+1))
		}
	}

	d := l.CheckWith(ctx, "u-1", "send_message", 5, 10*time.Second, models.NetworkExcellent)
	if d.Allowed {
		t.Error("6th call should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}
	if !d.ResetAt.After(now) {
		t.Errorf("reset time %v should be after now %v", d.ResetAt, now)
	}
}

func TestRequestAtLimitIsLastAllowed(t *testing.T) {
	now := time.Now()
	l := New(NewRuleTable(nil), nil, nil, WithNow(fixedClock(now)))
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.CheckWith(ctx, "u-2", "x", 3, time.Minute, models.NetworkExcellent).Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d requests, want exactly the limit 3", allowed)
	}
}

func TestWindowBoundaryResets(t *testing.T) {
	now := time.Unix(1000, 0)
	current := now
	l := New(NewRuleTable(nil), nil, nil, WithNow(func() time.Time { return current }))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.CheckWith(ctx, "u-3", "x", 3, 10*time.Second, models.NetworkExcellent)
	}
	if l.CheckWith(ctx, "u-3", "x", 3, 10*time.Second, models.NetworkExcellent).Allowed {
		t.Fatal("limit should be exhausted")
	}

	// Cross the window boundary: the counter resets to 1, not the old value.
	current = now.Add(10 * time.Second)
	d := l.CheckWith(ctx, "u-3", "x", 3, 10*time.Second, models.NetworkExcellent)
	if !d.Allowed {
		t.Error("first request of the new window should be allowed")
	}
	if d.Remaining != 2 {
		t.Errorf("remaining = %d, want 2", d.Remaining)
	}
}

func TestNetworkClassScalesLimit(t *testing.T) {
	now := time.Now()
	l := New(NewRuleTable(nil), nil, nil, WithNow(fixedClock(now)))
	ctx := context.Background()

	// Poor class scales limit 10 down to 3.
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.CheckWith(ctx, "u-4", "x", 10, time.Minute, models.NetworkPoor).Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("poor class allowed %d, want 3", allowed)
	}

	// Separate identity on the best class gets the full limit.
	allowed = 0
	for i := 0; i < 12; i++ {
		if l.CheckWith(ctx, "u-5", "x", 10, time.Minute, models.NetworkExcellent).Allowed {
			allowed++
		}
	}
	if allowed != 10 {
		t.Errorf("excellent class allowed %d, want 10", allowed)
	}
}

func TestScaleLimitFloor(t *testing.T) {
	if scaleLimit(1, models.NetworkPoor) != 1 {
		t.Error("scaled limit must never drop below 1")
	}
}

type failingCounters struct{}

func (failingCounters) Incr(context.Context, string, int64) (int, error) {
	return 0, errors.New("backend down")
}

func TestFailOpenOnStoreError(t *testing.T) {
	l := New(NewRuleTable(nil), failingCounters{}, nil)
	d := l.Check(context.Background(), "u-6", ActionSendMessage, models.NetworkGood)
	if !d.Allowed {
		t.Error("limiter must fail open when the counter store errors")
	}
}

func TestRuleTableOverrides(t *testing.T) {
	table := NewRuleTable([]config.RateLimitRule{
		{Action: ActionSendMessage, Limit: 5, Window: 10 * time.Second},
	})
	rule := table.Lookup(ActionSendMessage)
	if rule.Limit != 5 || rule.Window != 10*time.Second {
		t.Errorf("override not applied: %+v", rule)
	}
	if table.Lookup("unknown_action") != DefaultRule {
		t.Error("unknown actions use DefaultRule")
	}
	// Built-in differentiation: broadcast is stricter than heartbeat.
	if table.Lookup(ActionBroadcast).Limit >= table.Lookup(ActionHeartbeat).Limit {
		t.Error("broadcast should be stricter than heartbeat")
	}
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	now := time.Now()
	l := New(NewRuleTable(nil), nil, nil, WithNow(fixedClock(now)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.CheckWith(ctx, "u-7", "a", 3, time.Minute, models.NetworkExcellent)
	}
	if l.CheckWith(ctx, "u-7", "a", 3, time.Minute, models.NetworkExcellent).Allowed {
		t.Fatal("action a should be exhausted")
	}
	if !l.CheckWith(ctx, "u-7", "b", 3, time.Minute, models.NetworkExcellent).Allowed {
		t.Error("action b must not share action a's window")
	}
	if !l.CheckWith(ctx, "u-8", "a", 3, time.Minute, models.NetworkExcellent).Allowed {
		t.Error("another identity must not share the window")
	}
}

func TestShardedCountersSweep(t *testing.T) {
	s := NewShardedCounters()
	ctx := context.Background()
	old := windowStart(time.Now().Add(-time.Hour), time.Minute)
	s.Incr(ctx, "stale", old)
	s.Incr(ctx, "live", windowStart(time.Now(), time.Minute))

	removed := s.Sweep(time.Now().Add(-10 * time.Minute).UnixNano())
	if removed != 1 {
		t.Errorf("swept %d windows, want 1", removed)
	}
}
