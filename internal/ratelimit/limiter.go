// Package ratelimit implements the fixed-window rate limiter with a
// per-action rule table and network-aware limit multipliers.
//
// The fixed-window algorithm resets the counter at window boundaries
// rather than over a rolling interval. A client can therefore burst up to
// 2x the limit across a boundary; the behavior is inherited from the
// source system and kept as-is.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/storewire/relay/internal/observability"
	"github.com/storewire/relay/pkg/models"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the current window closes and the counter resets.
	ResetAt time.Time
	Limit   int
}

// Limiter checks (identity, action) pairs against the rule table.
type Limiter struct {
	rules   *RuleTable
	store   CounterStore
	logger  *slog.Logger
	metrics *observability.Metrics
	nowFn   func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithMetrics records limiter decisions in Prometheus.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithNow overrides the clock; used by tests to pin window boundaries.
func WithNow(fn func() time.Time) Option {
	return func(l *Limiter) { l.nowFn = fn }
}

// New builds a limiter over the given rule table and counter store.
func New(rules *RuleTable, store CounterStore, logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewShardedCounters()
	}
	l := &Limiter{rules: rules, store: store, logger: logger, nowFn: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check applies the action's configured rule for the identity.
func (l *Limiter) Check(ctx context.Context, identity, action string, class models.NetworkClass) Decision {
	rule := l.rules.Lookup(action)
	return l.CheckWith(ctx, identity, action, rule.Limit, rule.Window, class)
}

// CheckWith applies an explicit limit and window, scaled down by the
// connection's network class. Any counter-store failure fails OPEN: the
// request is allowed and the failure logged, so a limiter outage never
// becomes a delivery outage.
func (l *Limiter) CheckWith(ctx context.Context, identity, action string, limit int, window time.Duration, class models.NetworkClass) Decision {
	now := l.nowFn()
	effective := scaleLimit(limit, class)
	start := windowStart(now, window)
	resetAt := time.Unix(0, start+int64(window))

	count, err := l.store.Incr(ctx, identity+":"+action, start)
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request",
			"identity", identity, "action", action, "error", err)
		l.observe(action, "failopen")
		return Decision{Allowed: true, Remaining: effective, ResetAt: resetAt, Limit: effective}
	}

	remaining := effective - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= effective,
		Remaining: remaining,
		ResetAt:   resetAt,
		Limit:     effective,
	}
	if !d.Allowed {
		l.logger.Info("rate limit exceeded",
			"identity", identity, "action", action,
			"count", count, "limit", effective, "reset_at", resetAt)
		l.observe(action, "denied")
	} else {
		l.observe(action, "allowed")
	}
	return d
}

// Rule exposes the configured rule for an action; the operational query
// surface reports it alongside live window state.
func (l *Limiter) Rule(action string) Rule {
	return l.rules.Lookup(action)
}

// peeker is implemented by counter stores that can report a window
// count without incrementing it.
type peeker interface {
	Peek(ctx context.Context, key string, windowStart int64) (int, error)
}

// Status reports the live window state for one identity and action
// without consuming a slot. Stores without Peek report a full window.
func (l *Limiter) Status(ctx context.Context, identity, action string, class models.NetworkClass) Decision {
	rule := l.rules.Lookup(action)
	now := l.nowFn()
	effective := scaleLimit(rule.Limit, class)
	start := windowStart(now, rule.Window)
	resetAt := time.Unix(0, start+int64(rule.Window))

	count := 0
	if p, ok := l.store.(peeker); ok {
		if c, err := p.Peek(ctx, identity+":"+action, start); err == nil {
			count = c
		}
	}
	remaining := effective - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count < effective, Remaining: remaining, ResetAt: resetAt, Limit: effective}
}

func (l *Limiter) observe(action, outcome string) {
	if l.metrics != nil {
		l.metrics.RateLimitDecisions.WithLabelValues(action, outcome).Inc()
	}
}

// StartSweep prunes stale counter windows until ctx is done. Only the
// in-process store needs this; other backends expire keys themselves.
func (l *Limiter) StartSweep(ctx context.Context, interval time.Duration) {
	sharded, ok := l.store.(*ShardedCounters)
	if !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := l.nowFn().Add(-10 * time.Minute).UnixNano()
				sharded.Sweep(cutoff)
			}
		}
	}()
}

// scaleLimit multiplies the limit downward for constrained network
// classes, keeping at least one slot per window.
func scaleLimit(limit int, class models.NetworkClass) int {
	scaled := int(float64(limit) * class.LimitMultiplier())
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}
