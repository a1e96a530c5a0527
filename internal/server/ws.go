package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storewire/relay/internal/auth"
	"github.com/storewire/relay/internal/broadcast"
	"github.com/storewire/relay/internal/cluster"
	"github.com/storewire/relay/internal/gate"
	"github.com/storewire/relay/internal/ratelimit"
	"github.com/storewire/relay/internal/registry"
	"github.com/storewire/relay/pkg/models"
)

// clientFrame is the tagged-variant wire format for client requests.
// Type selects the variant; unrelated fields are ignored.
type clientFrame struct {
	Type     string        `json:"type"`
	Token    string        `json:"token,omitempty"`
	Channels []string      `json:"channels,omitempty"`
	Event    *models.Event `json:"event,omitempty"`
	State    string        `json:"state,omitempty"`
	Context  string        `json:"context,omitempty"`
	Activity string        `json:"activity,omitempty"`
	Network  string        `json:"network,omitempty"`
}

const (
	frameAuth      = "auth"
	frameJoin      = "join"
	frameLeave     = "leave"
	frameMessage   = "message"
	framePresence  = "presence"
	frameHeartbeat = "heartbeat"
)

type wsHandler struct {
	server   *Server
	upgrader websocket.Upgrader
}

func (s *Server) newWSHandler() http.Handler {
	return &wsHandler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			// The gate runs its own origin allow-list after the upgrade
			// handshake, with a typed rejection frame.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := h.server

	req := gate.Request{
		RemoteIP:  remoteIP(r),
		Origin:    r.Header.Get("Origin"),
		Token:     bearerToken(r),
		UserAgent: r.Header.Get("User-Agent"),
		Header:    r.Header,
	}

	admission, err := s.gate.Admit(r.Context(), req)
	if err != nil {
		var rejection *gate.Rejection
		status := http.StatusForbidden
		reason := "rejected"
		if errors.As(err, &rejection) {
			reason = string(rejection.Reason)
			if rejection.Reason == gate.ReasonAuth {
				status = http.StatusUnauthorized
			}
		}
		writeJSON(w, status, map[string]any{"error": reason})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := newWSSession(s, conn, admission, req.RemoteIP)
	session.run(r.Context())
}

// wsSession owns one client socket: the read pump dispatching frames,
// the write pump draining the send buffer, and synchronous registry
// cleanup when either pump exits.
type wsSession struct {
	server   *Server
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	logger   *slog.Logger
	remoteIP string

	identity *auth.Identity
	connRec  *registry.Connection

	// connRateWarn marks an admission over the per-IP connection cap.
	// Advisory per the gate contract; the client is warned once.
	connRateWarn bool

	// violations counts rate limit denials on this session. Crossing
	// maxViolations forcibly disconnects the client.
	violations int
}

// maxViolations is the number of rate limit denials a session may accrue
// before it is forcibly disconnected.
const maxViolations = 10

func newWSSession(s *Server, conn *websocket.Conn, admission *gate.Admission, remoteIP string) *wsSession {
	buffer := s.cfg.Server.SendBuffer
	if buffer <= 0 {
		buffer = 64
	}
	session := &wsSession{
		server:   s,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		remoteIP: remoteIP,
		identity: admission.Identity,

		connRateWarn: admission.ConnRateExceeded,
	}
	session.connRec = s.registry.Admit(
		admission.Identity.UserID,
		admission.Identity.SessionID,
		admission.Identity.Role,
		admission.Identity.Guest,
		registry.Metadata{
			Device:   admission.Device,
			Location: admission.Location,
			Network:  admission.Network,
			Sink:     session,
		},
	)
	session.logger = s.logger.With("conn_id", session.connRec.ID)
	return session
}

// Send implements registry.Sink. A full buffer is a delivery error,
// never a stall for the broadcaster.
func (s *wsSession) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}
	select {
	case <-s.done:
		return errors.New("session closed")
	case s.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (s *wsSession) run(ctx context.Context) {
	defer s.close()
	go s.writePump()
	s.greet(ctx)
	s.readPump(ctx)
}

// greet pushes the connect-time notices before the read loop starts.
func (s *wsSession) greet(ctx context.Context) {
	s.notify(models.NoticeConnectionEstablished, map[string]any{
		"connection_id": s.connRec.ID,
		"guest":         s.identity.Guest,
		"network":       s.connRec.Network(),
	})
	if s.connRateWarn {
		s.notify(models.NoticeRateLimitWarning, map[string]any{
			"action": ratelimit.ActionConnectionAttempt,
		})
	}
	if !s.identity.Guest {
		s.onAuthenticated(ctx, s.identity)
	}
}

// close tears the session down in the required order: registry purge
// first (channels, presence linkage, record), then the socket.
func (s *wsSession) close() {
	select {
	case <-s.done:
		return
	default:
	}
	s.server.registry.Remove(s.connRec.ID)
	close(s.done)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.logger.Debug("session closed", "user_id", s.connRec.UserID())
}

func (s *wsSession) readPump(ctx context.Context) {
	cfg := s.server.cfg.Server
	if cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.server.registry.Touch(s.connRec.ID)
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.notify(models.NoticeAuthenticationFailed, map[string]any{"error": "invalid frame"})
			continue
		}
		s.dispatch(ctx, &frame)
	}
}

func (s *wsSession) writePump() {
	cfg := s.server.cfg.Server
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) dispatch(ctx context.Context, frame *clientFrame) {
	switch frame.Type {
	case frameAuth:
		s.handleAuth(ctx, frame)
	case frameJoin:
		s.handleJoin(ctx, frame)
	case frameLeave:
		s.handleLeave(ctx, frame)
	case frameMessage:
		s.handleMessage(ctx, frame)
	case framePresence:
		s.handlePresence(ctx, frame)
	case frameHeartbeat:
		s.handleHeartbeat(ctx, frame)
	default:
		s.logger.Debug("unknown frame type", "type", frame.Type)
	}
}

// limitKey is the rate-limit identity: the user id once authenticated,
// the connection id for guests.
func (s *wsSession) limitKey() string {
	if s.identity != nil && s.identity.UserID != "" {
		return s.identity.UserID
	}
	return s.connRec.ID
}

// allow runs the per-action limiter and pushes a warning notice on
// denial.
func (s *wsSession) allow(ctx context.Context, action string) bool {
	d := s.server.limiter.Check(ctx, s.limitKey(), action, s.connRec.Network())
	if d.Allowed {
		return true
	}
	kind := models.NoticeRateLimitWarning
	if action == ratelimit.ActionBroadcast {
		kind = models.NoticeGlobalRateLimit
	}
	s.notify(kind, map[string]any{
		"action":   action,
		"limit":    d.Limit,
		"reset_at": d.ResetAt,
	})
	s.violations++
	if s.violations >= maxViolations {
		s.notify(models.NoticeForceDisconnect, map[string]any{
			"reason": "rate limit violations",
		})
		s.logger.Warn("force disconnect after repeated rate limit violations",
			"user_id", s.connRec.UserID(), "violations", s.violations)
		s.close()
	}
	return false
}

func (s *wsSession) handleAuth(ctx context.Context, frame *clientFrame) {
	identity, err := s.server.gate.Authenticate(ctx, frame.Token)
	if err != nil || identity.Guest {
		s.notify(models.NoticeAuthenticationFailed, map[string]any{"error": "invalid token"})
		return
	}
	if err := s.server.registry.Bind(s.connRec.ID, identity.UserID, identity.SessionID, identity.Role); err != nil {
		return
	}
	s.identity = identity
	s.onAuthenticated(ctx, identity)
}

// onAuthenticated links presence and replays the user's offline queue.
func (s *wsSession) onAuthenticated(ctx context.Context, identity *auth.Identity) {
	s.server.tracker.Connect(identity.UserID, s.connRec.ID)
	s.notify(models.NoticeAuthenticated, map[string]any{
		"user_id": identity.UserID,
		"role":    identity.Role,
	})
	go s.drainOffline(ctx, identity.UserID)
}

// drainOffline replays queued entries batched and paced to the
// connection's network class.
func (s *wsSession) drainOffline(ctx context.Context, userID string) {
	if s.server.offline == nil {
		return
	}
	result := s.server.offline.Drain(ctx, userID, s.connRec.Network(), func(entry *models.OfflineEntry) error {
		return s.Send(models.NewNotice(models.NoticeMessage, &models.Event{
			ID:        entry.ID,
			Type:      entry.Type,
			Data:      entry.Payload,
			Priority:  entry.Priority,
			Timestamp: entry.Timestamp,
		}))
	})
	if result.Delivered > 0 || result.Failed > 0 {
		s.logger.Info("offline queue drained",
			"user_id", userID, "delivered", result.Delivered, "failed", result.Failed)
	}
}

func (s *wsSession) handleJoin(ctx context.Context, frame *clientFrame) {
	if !s.identity.Can(auth.PermJoin) {
		return
	}
	if !s.allow(ctx, ratelimit.ActionJoinChannel) {
		return
	}
	var joined []string
	for _, channel := range frame.Channels {
		channel = strings.TrimSpace(channel)
		if channel == "" {
			continue
		}
		if err := s.server.registry.Join(s.connRec.ID, channel); err != nil {
			continue
		}
		joined = append(joined, channel)
		if err := s.server.adapter.PublishChannelChange(ctx, cluster.ChannelChange{
			UserID: s.connRec.UserID(), Channel: channel, Action: cluster.ChannelJoin,
		}); err != nil {
			s.logger.Warn("channel change publish failed", "channel", channel, "error", err)
		}
	}
	if len(joined) > 0 {
		s.notify(models.NoticeChannelsJoined, map[string]any{"channels": joined})
	}
	s.touch()
}

func (s *wsSession) handleLeave(ctx context.Context, frame *clientFrame) {
	var left []string
	for _, channel := range frame.Channels {
		if err := s.server.registry.Leave(s.connRec.ID, channel); err != nil {
			continue
		}
		left = append(left, channel)
		if err := s.server.adapter.PublishChannelChange(ctx, cluster.ChannelChange{
			UserID: s.connRec.UserID(), Channel: channel, Action: cluster.ChannelLeave,
		}); err != nil {
			s.logger.Warn("channel change publish failed", "channel", channel, "error", err)
		}
	}
	if len(left) > 0 {
		s.notify(models.NoticeChannelsLeft, map[string]any{"channels": left})
	}
	s.touch()
}

func (s *wsSession) handleMessage(ctx context.Context, frame *clientFrame) {
	if frame.Event == nil {
		return
	}
	if !s.identity.Can(auth.PermSend) {
		return
	}
	action := ratelimit.ActionSendMessage
	if frame.Event.Global() {
		if !s.identity.Can(auth.PermBroadcast) {
			return
		}
		action = ratelimit.ActionBroadcast
	}
	if !s.allow(ctx, action) {
		return
	}
	frame.Event.Normalize()
	s.server.broadcaster.QueueEvent(ctx, frame.Event, broadcast.SourceLocal)
	s.touch()
}

func (s *wsSession) handlePresence(ctx context.Context, frame *clientFrame) {
	if s.identity.Guest || !s.identity.Can(auth.PermPresence) {
		return
	}
	if !s.allow(ctx, ratelimit.ActionPresenceUpdate) {
		return
	}
	userID := s.connRec.UserID()
	switch frame.State {
	case string(models.PresenceBusy):
		s.server.tracker.SetBusy(userID)
	case string(models.PresenceOffline):
		s.server.tracker.SetOffline(userID)
	default:
		s.server.tracker.UpdateActivity(userID, frame.Context, frame.Activity)
	}
	s.touch()
}

func (s *wsSession) handleHeartbeat(ctx context.Context, frame *clientFrame) {
	if !s.allow(ctx, ratelimit.ActionHeartbeat) {
		return
	}
	s.touch()
	if frame.Network == "" {
		return
	}
	class := models.ParseNetworkClass(frame.Network)
	previous := s.connRec.Network()
	if class == previous {
		return
	}
	if err := s.server.registry.UpdateNetworkQuality(s.connRec.ID, class); err != nil {
		return
	}
	if class.LimitMultiplier() < previous.LimitMultiplier() {
		s.notify(models.NoticeNetworkOptimization, map[string]any{
			"network":          class,
			"drain_batch_size": class.DrainBatchSize(),
		})
	}
}

func (s *wsSession) touch() {
	s.server.registry.Touch(s.connRec.ID)
	if userID := s.connRec.UserID(); userID != "" {
		s.server.tracker.Touch(userID)
	}
}

// notify pushes a lifecycle notice, tolerating a full buffer.
func (s *wsSession) notify(kind models.NoticeKind, payload any) {
	if err := s.Send(models.NewNotice(kind, payload)); err != nil {
		s.logger.Debug("notice dropped", "kind", kind, "error", err)
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken pulls the client token from the Authorization header or
// the token query parameter (browsers cannot set WebSocket headers).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}
