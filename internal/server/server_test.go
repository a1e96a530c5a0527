package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/storewire/relay/internal/auth"
	"github.com/storewire/relay/internal/broadcast"
	"github.com/storewire/relay/internal/cluster"
	"github.com/storewire/relay/internal/config"
	"github.com/storewire/relay/internal/gate"
	"github.com/storewire/relay/internal/offline"
	"github.com/storewire/relay/internal/presence"
	"github.com/storewire/relay/internal/ratelimit"
	"github.com/storewire/relay/internal/registry"
	"github.com/storewire/relay/internal/storage"
	"github.com/storewire/relay/pkg/models"
)

const testSecret = "test-secret"

type testHarness struct {
	server  *Server
	store   *storage.MemoryStore
	authSvc *auth.Service
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	cfg := config.Default()
	store := storage.NewMemoryStore()
	authSvc := auth.NewService(testSecret, store, nil)

	tracker := presence.NewTracker(cfg.Presence.AwayThreshold, cfg.Presence.OfflineThreshold, nil,
		presence.WithStore(store))
	reg := registry.New(nil, registry.WithUnlinker(tracker.Disconnect))
	limiter := ratelimit.New(ratelimit.NewRuleTable(nil), nil, nil)
	reputation := gate.NewReputation(cfg.Gate.SuspicionThreshold, cfg.Gate.SuspicionWindow,
		cfg.Gate.BlockTTL, store, nil)
	g := gate.New(cfg.Gate, authSvc, reputation, limiter, nil, nil)
	off := offline.NewQueue(cfg.Offline.MaxPerUser, nil, offline.WithStore(store))
	b := broadcast.New(reg, off, tracker, cluster.Noop{},
		cfg.Broadcast.DrainInterval, cfg.Broadcast.DrainBatch, cfg.Broadcast.QueueLimit, nil,
		broadcast.WithStats(broadcast.NewStatsBook(cfg.Broadcast.StatsRetention)))

	srv := New(Deps{
		Config:      cfg,
		Registry:    reg,
		Gate:        g,
		Tracker:     tracker,
		Limiter:     limiter,
		Offline:     off,
		Broadcaster: b,
	})
	return &testHarness{server: srv, store: store, authSvc: authSvc}
}

func (h *testHarness) token(t *testing.T, userID, sessionID, role string) string {
	t.Helper()
	if err := h.store.PutSession(context.Background(), &storage.Session{
		ID:        sessionID,
		UserID:    userID,
		Role:      role,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	token, err := auth.NewJWTVerifier(testSecret).Sign(userID, sessionID, role, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}

func (h *testHarness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.get(t, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestConnectionLookup(t *testing.T) {
	h := newHarness(t)
	conn := h.server.registry.Admit("u-1", "s-1", "customer", false, registry.Metadata{
		Network: models.NetworkGood,
	})

	rec := h.get(t, "/v1/connections/"+conn.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snapshot registry.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot.UserID != "u-1" || !snapshot.Authenticated {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	if rec := h.get(t, "/v1/connections/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing connection status = %d", rec.Code)
	}
}

func TestChannelLookup(t *testing.T) {
	h := newHarness(t)
	conn := h.server.registry.Admit("u-1", "s-1", "customer", false, registry.Metadata{})
	if err := h.server.registry.Join(conn.ID, "orders"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	rec := h.get(t, "/v1/channels/orders")
	var body struct {
		Channel     string   `json:"channel"`
		MemberCount int      `json:"member_count"`
		Members     []string `json:"members"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.MemberCount != 1 || body.Members[0] != conn.ID {
		t.Fatalf("body = %+v", body)
	}
}

func TestRateLimitStatusDoesNotConsume(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		rec := h.get(t, "/v1/ratelimit/u-1")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	d := h.server.limiter.Status(context.Background(), "u-1", ratelimit.ActionSendMessage, models.NetworkGood)
	if d.Remaining != d.Limit {
		t.Fatalf("status lookups consumed slots: %+v", d)
	}
}

func TestEventIntake(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events",
		strings.NewReader(`{"type":"order_update","channel":"orders","data":{"order":"o-1"},"priority":"high"}`))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] == "" {
		t.Fatal("intake should return the assigned event id")
	}

	bad := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(`{"data":{}}`))
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("typeless event status = %d", rec.Code)
	}
}

func TestPresenceStats(t *testing.T) {
	h := newHarness(t)
	h.server.tracker.Connect("u-1", "c-1")

	rec := h.get(t, "/v1/presence/stats")
	var stats map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["online"] != 1 {
		t.Fatalf("stats = %v", stats)
	}
}
