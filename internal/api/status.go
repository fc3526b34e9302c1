package api

import (
	"net/http"
	"time"

	"github.com/alphabot-ai/replyguard/internal/ratelimit"
	"github.com/alphabot-ai/replyguard/internal/store"
)

type HealthResponse struct {
	OK     bool   `json:"ok"`
	Uptime string `json:"uptime"`
}

type StatusResponse struct {
	Governor ratelimit.Stats `json:"governor"`
	Agent    any             `json:"agent,omitempty"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		OK:     true,
		Uptime: time.Since(h.startedAt).Truncate(time.Second).String(),
	})
}

// Status handles GET /api/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Governor: h.governor.Stats()}
	if h.status != nil {
		resp.Agent = h.status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Sessions handles GET /api/sessions?limit=N
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 20)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	sessions, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("listing sessions")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// Actions handles GET /api/actions?subreddit=X&hours=N&limit=N
func (h *Handler) Actions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 50)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	hours, ok := queryInt(r, "hours", 24)
	if !ok {
		writeError(w, http.StatusBadRequest, "hours must be a positive integer")
		return
	}

	actions, err := h.store.ListActions(r.Context(), store.ListOptions{
		Since:     time.Now().Add(-time.Duration(hours) * time.Hour),
		Subreddit: r.URL.Query().Get("subreddit"),
		Limit:     limit,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("listing actions")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if actions == nil {
		actions = []*store.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}
