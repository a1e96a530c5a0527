// Package gate runs the ordered admission pipeline for inbound
// connections: origin allow-list, IP reputation, authentication, device
// fingerprinting, connection-rate accounting, and network classification.
// Steps one through three reject with a typed reason; the rest are
// advisory and only annotate the admission.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/storewire/relay/internal/auth"
	"github.com/storewire/relay/internal/config"
	"github.com/storewire/relay/internal/observability"
	"github.com/storewire/relay/internal/ratelimit"
	"github.com/storewire/relay/pkg/models"
)

// RejectionReason types an admission failure.
type RejectionReason string

const (
	ReasonOrigin    RejectionReason = "origin"
	ReasonBlockedIP RejectionReason = "blocked_ip"
	ReasonAuth      RejectionReason = "auth"
)

// Rejection is the typed admission error returned to the transport.
type Rejection struct {
	Reason RejectionReason
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("admission rejected (%s): %v", r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Request carries everything the pipeline inspects about an attempt.
type Request struct {
	RemoteIP  string
	Origin    string
	Token     string
	UserAgent string
	Header    http.Header
}

// Admission is the pipeline's output, consumed by the registry.
type Admission struct {
	Identity *auth.Identity
	Device   models.Device
	Location string
	Network  models.NetworkClass
	// ConnRateExceeded marks an attempt over the per-IP connection cap.
	// Advisory: the connection is admitted but warned and scored.
	ConnRateExceeded bool
}

// Gate is the admission pipeline.
type Gate struct {
	cfg        config.GateConfig
	auth       *auth.Service
	reputation *Reputation
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// New builds the gate.
func New(cfg config.GateConfig, authSvc *auth.Service, reputation *Reputation, limiter *ratelimit.Limiter, logger *slog.Logger, metrics *observability.Metrics) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:        cfg,
		auth:       authSvc,
		reputation: reputation,
		limiter:    limiter,
		logger:     logger,
		metrics:    metrics,
	}
}

// Admit runs the pipeline once for an inbound attempt.
func (g *Gate) Admit(ctx context.Context, req Request) (*Admission, error) {
	// (1) Origin allow-list.
	if !g.originAllowed(req.Origin) {
		g.reject(ReasonOrigin, req.RemoteIP)
		return nil, &Rejection{Reason: ReasonOrigin, Err: fmt.Errorf("origin %q not allowed", req.Origin)}
	}

	// (2) IP reputation. Blocking is independent of the rest of the
	// pipeline; the store look-up fails open inside Blocked.
	if g.reputation != nil && g.reputation.Blocked(ctx, req.RemoteIP) {
		g.reject(ReasonBlockedIP, req.RemoteIP)
		return nil, &Rejection{Reason: ReasonBlockedIP, Err: fmt.Errorf("ip %s is blocked", req.RemoteIP)}
	}

	// (3) Authentication. A missing token admits a guest; a present but
	// invalid token rejects.
	identity, err := g.authenticate(ctx, req)
	if err != nil {
		if g.reputation != nil {
			g.reputation.Raise(ctx, req.RemoteIP, SuspicionAuthFailure, "auth_failure")
		}
		g.reject(ReasonAuth, req.RemoteIP)
		return nil, &Rejection{Reason: ReasonAuth, Err: err}
	}

	adm := &Admission{Identity: identity}

	// (4) Device fingerprinting (advisory).
	adm.Device = ParseDevice(req.UserAgent)
	if adm.Device.Suspicious && g.reputation != nil {
		g.reputation.Raise(ctx, req.RemoteIP, SuspicionAutomatedAgent, "automated_agent")
	}

	// (5) Connection-rate accounting per IP (advisory; sustained abuse
	// converges to a reputation block via the suspicion score).
	if g.limiter != nil {
		d := g.limiter.CheckWith(ctx, req.RemoteIP, ratelimit.ActionConnectionAttempt,
			g.cfg.ConnRateLimit, g.cfg.ConnRateWindow, models.NetworkExcellent)
		if !d.Allowed {
			adm.ConnRateExceeded = true
			if g.reputation != nil {
				g.reputation.Raise(ctx, req.RemoteIP, SuspicionConnFlood, "conn_flood")
			}
		}
	}

	// (6) Geography / network classification (advisory).
	adm.Network = ClassifyNetwork(req.Header)
	adm.Location = ClassifyLocation(req.Header)

	if g.metrics != nil {
		kind := "authenticated"
		if identity.Guest {
			kind = "guest"
		}
		g.metrics.ConnectionsAdmitted.WithLabelValues(kind).Inc()
	}
	return adm, nil
}

func (g *Gate) originAllowed(origin string) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin = strings.ToLower(strings.TrimSpace(origin))
	for _, allowed := range g.cfg.AllowedOrigins {
		a := strings.ToLower(strings.TrimSpace(allowed))
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// Authenticate verifies an in-band token for a connection upgrading
// from guest after admission. A blank token stays a guest.
func (g *Gate) Authenticate(ctx context.Context, token string) (*auth.Identity, error) {
	return g.authenticate(ctx, Request{Token: token})
}

func (g *Gate) authenticate(ctx context.Context, req Request) (*auth.Identity, error) {
	if strings.TrimSpace(req.Token) == "" {
		return auth.Guest(), nil
	}
	if g.auth == nil || !g.auth.Enabled() {
		// A token was presented but verification is not configured.
		// Treat as a guest rather than inventing trust.
		return auth.Guest(), nil
	}
	identity, err := g.auth.Authenticate(ctx, req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			return auth.Guest(), nil
		}
		return nil, err
	}
	return identity, nil
}

func (g *Gate) reject(reason RejectionReason, ip string) {
	g.logger.Info("connection rejected", "reason", reason, "ip", ip)
	if g.metrics != nil {
		g.metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
	}
}
