package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/storewire/relay/internal/broadcast"
	"github.com/storewire/relay/internal/gate"
	"github.com/storewire/relay/internal/ratelimit"
	"github.com/storewire/relay/pkg/models"
)

func newGuestSession(t *testing.T, h *testHarness) *wsSession {
	t.Helper()
	admission, err := h.server.gate.Admit(context.Background(), gate.Request{
		RemoteIP:  "203.0.113.5",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X) Safari/605.1",
		Header:    http.Header{},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	return newWSSession(h.server, nil, admission, "203.0.113.5")
}

// popNotice drains the session's send buffer until a notice of the
// given kind appears.
func popNotice(t *testing.T, s *wsSession, kind models.NoticeKind) map[string]any {
	t.Helper()
	for {
		select {
		case data := <-s.send:
			var notice struct {
				Kind    models.NoticeKind `json:"kind"`
				Payload map[string]any    `json:"payload"`
			}
			if err := json.Unmarshal(data, &notice); err != nil {
				t.Fatalf("decode notice: %v", err)
			}
			if notice.Kind == kind {
				return notice.Payload
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s notice in send buffer", kind)
		}
	}
}

func TestAuthFrameUpgradesGuest(t *testing.T) {
	h := newHarness(t)
	session := newGuestSession(t, h)
	token := h.token(t, "u-7", "s-7", "customer")

	session.dispatch(context.Background(), &clientFrame{Type: frameAuth, Token: token})

	payload := popNotice(t, session, models.NoticeAuthenticated)
	if payload["user_id"] != "u-7" {
		t.Fatalf("payload = %v", payload)
	}
	snapshot, ok := h.server.registry.Lookup(session.connRec.ID)
	if !ok || !snapshot.Authenticated || snapshot.UserID != "u-7" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if !h.server.tracker.Online("u-7") {
		t.Fatal("presence should be online after auth")
	}
}

func TestAuthFrameRejectsBadToken(t *testing.T) {
	h := newHarness(t)
	session := newGuestSession(t, h)

	session.dispatch(context.Background(), &clientFrame{Type: frameAuth, Token: "garbage"})

	popNotice(t, session, models.NoticeAuthenticationFailed)
	if snapshot, _ := h.server.registry.Lookup(session.connRec.ID); snapshot.Authenticated {
		t.Fatal("bad token must not authenticate the connection")
	}
}

func TestJoinFrame(t *testing.T) {
	h := newHarness(t)
	session := newGuestSession(t, h)

	session.dispatch(context.Background(), &clientFrame{
		Type:     frameJoin,
		Channels: []string{"orders", " ", "chat:42"},
	})

	payload := popNotice(t, session, models.NoticeChannelsJoined)
	joined, _ := payload["channels"].([]any)
	if len(joined) != 2 {
		t.Fatalf("joined = %v", joined)
	}
	if !h.server.registry.Directory().Contains("orders", session.connRec.ID) {
		t.Fatal("membership missing after join")
	}
}

func TestGuestCannotSendMessages(t *testing.T) {
	h := newHarness(t)
	session := newGuestSession(t, h)

	ev := models.NewEvent("chat_message", json.RawMessage(`{}`), models.PriorityMedium)
	ev.Channel = "chat:42"
	session.dispatch(context.Background(), &clientFrame{Type: frameMessage, Event: ev})

	if stats, ok := h.server.broadcaster.Stats().Lookup(ev.ID); ok {
		t.Fatalf("guest message was dispatched: %+v", stats)
	}
	d := h.server.limiter.Status(context.Background(), session.limitKey(),
		ratelimit.ActionSendMessage, models.NetworkGood)
	if d.Remaining != d.Limit {
		t.Fatal("permission check must run before the rate limiter")
	}
}

func TestMessageFrameQueuesEvent(t *testing.T) {
	h := newHarness(t)
	session := newGuestSession(t, h)
	token := h.token(t, "u-8", "s-8", "customer")
	session.dispatch(context.Background(), &clientFrame{Type: frameAuth, Token: token})

	ev := models.NewEvent("chat_message", json.RawMessage(`{"text":"hi"}`), models.PriorityMedium)
	ev.Channel = "chat:42"
	session.dispatch(context.Background(), &clientFrame{Type: frameMessage, Event: ev})

	h.server.broadcaster.DrainTick(context.Background())
	if _, ok := h.server.broadcaster.Stats().Lookup(ev.ID); !ok {
		t.Fatal("message event never reached the broadcaster")
	}
}

func TestRateLimitWarningNotice(t *testing.T) {
	h := newHarness(t)
	session := newGuestSession(t, h)
	ctx := context.Background()

	// Broadcast is the tightest default rule: 5 per minute.
	for i := 0; i < 5; i++ {
		if !session.allow(ctx, ratelimit.ActionBroadcast) {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if session.allow(ctx, ratelimit.ActionBroadcast) {
		t.Fatal("6th call should be denied")
	}
	payload := popNotice(t, session, models.NoticeGlobalRateLimit)
	if payload["action"] != ratelimit.ActionBroadcast {
		t.Fatalf("payload = %v", payload)
	}
}

func TestConnRateWarningOnAdmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The per-IP connection cap is 20 per minute; the 21st attempt is
	// admitted (advisory check) but flagged.
	var admission *gate.Admission
	for i := 0; i < 21; i++ {
		var err error
		admission, err = h.server.gate.Admit(ctx, gate.Request{
			RemoteIP:  "203.0.113.9",
			UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X) Safari/605.1",
			Header:    http.Header{},
		})
		if err != nil {
			t.Fatalf("Admit %d: %v", i+1, err)
		}
	}
	if !admission.ConnRateExceeded {
		t.Fatal("21st attempt should be flagged over the connection cap")
	}

	session := newWSSession(h.server, nil, admission, "203.0.113.9")
	session.greet(ctx)
	popNotice(t, session, models.NoticeConnectionEstablished)
	payload := popNotice(t, session, models.NoticeRateLimitWarning)
	if payload["action"] != ratelimit.ActionConnectionAttempt {
		t.Fatalf("payload = %v", payload)
	}
}

func TestRepeatedViolationsForceDisconnect(t *testing.T) {
	h := newHarness(t)
	session := newGuestSession(t, h)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		session.allow(ctx, ratelimit.ActionBroadcast)
	}
	for session.violations < maxViolations {
		if session.allow(ctx, ratelimit.ActionBroadcast) {
			t.Fatal("denied action should stay denied within the window")
		}
		popNotice(t, session, models.NoticeGlobalRateLimit)
	}
	popNotice(t, session, models.NoticeForceDisconnect)
	select {
	case <-session.done:
	default:
		t.Fatal("session should be closed after force disconnect")
	}
	if _, ok := h.server.registry.Lookup(session.connRec.ID); ok {
		t.Fatal("connection should be removed from the registry")
	}
}

func TestHeartbeatNetworkDowngrade(t *testing.T) {
	h := newHarness(t)
	session := newGuestSession(t, h)

	session.dispatch(context.Background(), &clientFrame{Type: frameHeartbeat, Network: "poor"})

	payload := popNotice(t, session, models.NoticeNetworkOptimization)
	if payload["network"] != "poor" {
		t.Fatalf("payload = %v", payload)
	}
	if session.connRec.Network() != models.NetworkPoor {
		t.Fatal("registry network class not updated")
	}
}

func TestDrainOfflineReplaysQueue(t *testing.T) {
	h := newHarness(t)
	session := newGuestSession(t, h)
	ctx := context.Background()

	ev := models.NewEvent("order_update", json.RawMessage(`{"order":"o-3"}`), models.PriorityHigh)
	ev.Recipients = []string{"u-9"}
	h.server.broadcaster.QueueEvent(ctx, ev, broadcast.SourceLocal)
	h.server.broadcaster.DrainTick(ctx)

	session.drainOffline(ctx, "u-9")

	payload := popNotice(t, session, models.NoticeMessage)
	if payload["id"] != ev.ID {
		t.Fatalf("payload = %v", payload)
	}
	if len(h.server.offline.Pending(ctx, "u-9")) != 0 {
		t.Fatal("offline queue should be empty after replay")
	}
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "198.51.100.7:52114"
	if ip := remoteIP(r); ip != "198.51.100.7" {
		t.Fatalf("remoteIP = %s", ip)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if ip := remoteIP(r); ip != "203.0.113.9" {
		t.Fatalf("forwarded remoteIP = %s", ip)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=query-token", nil)
	if tok := bearerToken(r); tok != "query-token" {
		t.Fatalf("query token = %s", tok)
	}
	r.Header.Set("Authorization", "Bearer header-token")
	if tok := bearerToken(r); tok != "header-token" {
		t.Fatalf("header token = %s", tok)
	}
}
