// Package api serves the operator HTTP API: agent status, emergency
// controls, the history report and Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alphabot-ai/replyguard/internal/ratelimit"
	"github.com/alphabot-ai/replyguard/internal/store"
	"github.com/alphabot-ai/replyguard/internal/web"
)

// Controller is the slice of the rate governor the API drives
type Controller interface {
	Stats() ratelimit.Stats
	EmergencyStop(reason string)
	ClearEmergencyStop()
}

// Handler holds dependencies for API handlers
type Handler struct {
	governor    Controller
	store       store.Store
	report      *web.Handler
	adminSecret string
	status      func() any
	startedAt   time.Time
	logger      zerolog.Logger
}

type Option func(*Handler)

// WithAgentStatus adds the agent's own status to GET /api/status
func WithAgentStatus(fn func() any) Option {
	return func(h *Handler) { h.status = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a new API handler. An empty admin secret disables
// the admin endpoints; a nil governor leaves out status and admin routes
// and serves history only.
func NewHandler(gov Controller, s store.Store, report *web.Handler, adminSecret string, opts ...Option) *Handler {
	h := &Handler{
		governor:    gov,
		store:       s,
		report:      report,
		adminSecret: adminSecret,
		startedAt:   time.Now(),
		logger:      log.Logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router mounts every route
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.LogRequests)

	r.Get("/health", h.Health)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	if h.report != nil {
		r.Get("/report", h.report.Report)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.Sessions)
		r.Get("/actions", h.Actions)

		// governor routes only make sense next to a running agent
		if h.governor == nil {
			return
		}
		r.Get("/status", h.Status)
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Post("/emergency-stop", h.EmergencyStop)
			r.Post("/clear-emergency", h.ClearEmergency)
		})
	})

	return r
}

// Response helpers

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// Request helpers

func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	// Check X-Real-IP
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	// Fall back to RemoteAddr
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

func (h *Handler) isAdmin(r *http.Request) bool {
	secret := r.Header.Get("X-Admin-Secret")
	return h.adminSecret != "" && secret == h.adminSecret
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
