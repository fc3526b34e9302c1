// Package web renders the agent history as an HTML report.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alphabot-ai/replyguard/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	defaultWindow = 24 * time.Hour
	maxWindow     = 30 * 24 * time.Hour
	recentLimit   = 20
)

// Handler holds dependencies for report rendering
type Handler struct {
	store     store.Store
	templates map[string]*template.Template
	now       func() time.Time
	logger    zerolog.Logger
}

type Option func(*Handler)

// WithClock overrides the report clock
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

var funcs = template.FuncMap{
	"score":    FormatScore,
	"percent":  FormatPercent,
	"truncate": truncate,
}

// NewHandler creates a new report handler
func NewHandler(s store.Store, opts ...Option) (*Handler, error) {
	templates := make(map[string]*template.Template)

	base, err := template.New("base.html").Funcs(funcs).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone so block overrides do not collide
	for _, page := range []string{"report.html"} {
		tmpl, err := base.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := tmpl.ParseFS(templateFS, "templates/"+page); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", page, err)
		}
		templates[page] = tmpl
	}

	h := &Handler{
		store:     s,
		templates: templates,
		now:       time.Now,
		logger:    log.Logger.With().Str("component", "web").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ReportData is the data for the report template
type ReportData struct {
	GeneratedAt time.Time                  `json:"generated_at"`
	Since       time.Time                  `json:"since"`
	Window      time.Duration              `json:"-"`
	Overview    *store.Overview            `json:"overview"`
	Subreddits  []store.SubredditStats     `json:"subreddits"`
	Sessions    []*store.Session           `json:"sessions"`
	Responses   []*store.SimulatedResponse `json:"simulated_responses"`
	Posts       []*store.SimulatedPost     `json:"simulated_posts"`
	Actions     []*store.Action            `json:"actions"`
}

// BuildReport collects history from the trailing window
func (h *Handler) BuildReport(ctx context.Context, window time.Duration) (*ReportData, error) {
	now := h.now().UTC()
	since := now.Add(-window)

	data := &ReportData{GeneratedAt: now, Since: since, Window: window}
	var err error

	if data.Overview, err = h.store.Overview(ctx, since); err != nil {
		return nil, fmt.Errorf("overview: %w", err)
	}
	if data.Subreddits, err = h.store.SubredditBreakdown(ctx, since); err != nil {
		return nil, fmt.Errorf("subreddit breakdown: %w", err)
	}
	if data.Sessions, err = h.store.ListSessions(ctx, 10); err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}
	opts := store.ListOptions{Since: since, Limit: recentLimit}
	if data.Responses, err = h.store.ListSimulatedResponses(ctx, opts); err != nil {
		return nil, fmt.Errorf("simulated responses: %w", err)
	}
	if data.Posts, err = h.store.ListSimulatedPosts(ctx, opts); err != nil {
		return nil, fmt.Errorf("simulated posts: %w", err)
	}
	if data.Actions, err = h.store.ListActions(ctx, opts); err != nil {
		return nil, fmt.Errorf("actions: %w", err)
	}
	return data, nil
}

// Render writes the HTML report
func (h *Handler) Render(w io.Writer, data *ReportData) error {
	return h.templates["report.html"].ExecuteTemplate(w, "base", data)
}

// Report handles GET /report. The window is taken from ?hours= (default 24).
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	window := defaultWindow
	if v := r.URL.Query().Get("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			http.Error(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		window = min(time.Duration(hours)*time.Hour, maxWindow)
	}

	data, err := h.BuildReport(r.Context(), window)
	if err != nil {
		h.logger.Error().Err(err).Msg("building report")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// Content negotiation
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, data)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.Render(w, data); err != nil {
		h.logger.Error().Err(err).Msg("template error")
	}
}

// Helper functions

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return accept == "application/json" || r.URL.Query().Get("format") == "json"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// FormatScore formats a score in [0,1] for display
func FormatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 2, 64)
}

// FormatPercent formats part/total as a whole percentage
func FormatPercent(part, total int) string {
	if total == 0 {
		return "0%"
	}
	return strconv.Itoa(part*100/total) + "%"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
