package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storewire/relay/internal/storage"
)

// Suspicion point weights for the signals the gate observes.
const (
	SuspicionAutomatedAgent = 10
	SuspicionConnFlood      = 15
	SuspicionAuthFailure    = 5
)

// Reputation accrues per-IP suspicion scores over a rolling window and
// promotes heavy offenders to the persistent block list. Scoring is
// in-process; the block itself is durable so it survives restarts and is
// shared through the store.
type Reputation struct {
	mu        sync.Mutex
	scores    map[string]*suspicion
	threshold int
	window    time.Duration
	blockTTL  time.Duration

	store  storage.BlocklistStore
	logger *slog.Logger
	nowFn  func() time.Time
}

type suspicion struct {
	score       int
	windowStart time.Time
}

// NewReputation builds the scorer. store may be nil; blocks then last
// only for the process lifetime via the in-window score.
func NewReputation(threshold int, window, blockTTL time.Duration, store storage.BlocklistStore, logger *slog.Logger) *Reputation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reputation{
		scores:    make(map[string]*suspicion),
		threshold: threshold,
		window:    window,
		blockTTL:  blockTTL,
		store:     store,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// Raise adds points to the IP's rolling score. Crossing the threshold
// moves the IP to the persistent block list, independent of the rest of
// the admission pipeline.
func (r *Reputation) Raise(ctx context.Context, ip string, points int, reason string) {
	if ip == "" || points <= 0 {
		return
	}
	now := r.nowFn()

	r.mu.Lock()
	s, ok := r.scores[ip]
	if !ok || now.Sub(s.windowStart) > r.window {
		s = &suspicion{windowStart: now}
		r.scores[ip] = s
	}
	s.score += points
	score := s.score
	r.mu.Unlock()

	r.logger.Debug("suspicion raised", "ip", ip, "points", points, "score", score, "reason", reason)

	if score >= r.threshold {
		r.block(ctx, ip, score)
	}
}

func (r *Reputation) block(ctx context.Context, ip string, score int) {
	r.logger.Warn("ip moved to block list", "ip", ip, "score", score, "ttl", r.blockTTL)
	if r.store == nil {
		return
	}
	if err := r.store.Block(ctx, ip, r.nowFn().Add(r.blockTTL)); err != nil {
		// Fail open: the in-window score still rejects via Blocked below.
		r.logger.Warn("block list write failed", "ip", ip, "error", err)
	}
}

// Blocked reports whether the IP is currently blocked, either by an
// unexpired in-window score past the threshold or by the durable list.
// Store errors fail open.
func (r *Reputation) Blocked(ctx context.Context, ip string) bool {
	now := r.nowFn()

	r.mu.Lock()
	if s, ok := r.scores[ip]; ok && now.Sub(s.windowStart) <= r.window && s.score >= r.threshold {
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	if r.store == nil {
		return false
	}
	blocked, err := r.store.Blocked(ctx, ip)
	if err != nil {
		r.logger.Warn("block list lookup failed, allowing", "ip", ip, "error", err)
		return false
	}
	return blocked
}

// Sweep drops expired score windows to bound memory.
func (r *Reputation) Sweep() {
	now := r.nowFn()
	r.mu.Lock()
	defer r.mu.Unlock()
	for ip, s := range r.scores {
		if now.Sub(s.windowStart) > r.window {
			delete(r.scores, ip)
		}
	}
}
