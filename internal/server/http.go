package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/storewire/relay/internal/broadcast"
	"github.com/storewire/relay/internal/ratelimit"
	"github.com/storewire/relay/pkg/models"
)

const maxIntakeBytes = 1 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
		"channels":    s.registry.Directory().ChannelCount(),
	})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.registry.Lookup(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "connection not found"})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	members := s.registry.Directory().Members(name)
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":      name,
		"member_count": len(members),
		"members":      members,
	})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	class := models.ParseNetworkClass(r.URL.Query().Get("network"))

	actions := []string{
		ratelimit.ActionSendMessage,
		ratelimit.ActionJoinChannel,
		ratelimit.ActionPresenceUpdate,
		ratelimit.ActionHeartbeat,
		ratelimit.ActionBroadcast,
		ratelimit.ActionAdmin,
		ratelimit.ActionOfflineSync,
	}
	status := make(map[string]ratelimit.Decision, len(actions))
	for _, action := range actions {
		status[action] = s.limiter.Status(r.Context(), identity, action, class)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"network":  class,
		"actions":  status,
	})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	book := s.broadcaster.Stats()
	if book == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "stats disabled"})
		return
	}
	stats, ok := book.Lookup(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "event not found"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePresenceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Stats())
}

// handleEventIntake accepts events from business services and hands
// them to the broadcaster.
func (s *Server) handleEventIntake(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIntakeBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}
	var ev models.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if ev.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "type is required"})
		return
	}
	ev.Normalize()
	s.broadcaster.QueueEvent(r.Context(), &ev, broadcast.SourceLocal)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": ev.ID})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Best effort; the client may have gone away.
		return
	}
}
