package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrMisconfigured = errors.New("rate governor misconfigured")
)

// ActionType is the kind of outbound action being limited
type ActionType string

const (
	ActionPost    ActionType = "post"
	ActionComment ActionType = "comment"
)

// Denial rules, reported in Verdict.Rule
const (
	RuleEmergencyStop     = "emergency_stop"
	RuleUnknownAction     = "unknown_action"
	RuleHourlyLimit       = "hourly_limit"
	RuleSubredditDelay    = "subreddit_delay"
	RuleDailyLimit        = "daily_limit"
	RuleSubredditDailyCap = "subreddit_daily_limit"
)

// ActionRecord is one attempted outbound action. Records are append-only.
type ActionRecord struct {
	ActionType ActionType `json:"action_type"`
	Subreddit  string     `json:"subreddit"`
	Timestamp  time.Time  `json:"timestamp"`
	Success    bool       `json:"success"`
	TargetID   string     `json:"target_id"`
	Content    string     `json:"content,omitempty"`
}

// Gate is the read-only view of the governor consulted before acting
type Gate interface {
	// CheckAllowed reports whether an action of the given type may be
	// performed on the subreddit right now. It never mutates state.
	CheckAllowed(actionType ActionType, subreddit string) Verdict
}

// Verdict is the outcome of a CheckAllowed call
type Verdict struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Rule       string        `json:"rule,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Config holds the governor limits. BaseLimits are maximum actions per
// trailing window and must all be positive.
type Config struct {
	BaseLimits     map[ActionType]int
	SubredditDelay time.Duration
	Window         time.Duration

	// Daily caps; zero disables a cap
	MaxActionsPerDay     int
	SubredditDailyLimits map[ActionType]int
	// SubredditCaps overrides SubredditDailyLimits for named subreddits
	SubredditCaps map[string]map[ActionType]int

	// Adaptation: reduce when the error rate is strictly above ReduceAbove,
	// grow when strictly below GrowBelow
	ReduceAbove  float64
	GrowBelow    float64
	ReduceFactor float64
	GrowFactor   float64
}

// DefaultConfig returns the limits used when configuration omits them
func DefaultConfig() Config {
	return Config{
		BaseLimits: map[ActionType]int{
			ActionPost:    2,
			ActionComment: 10,
		},
		SubredditDelay:   120 * time.Second,
		Window:           time.Hour,
		MaxActionsPerDay: 50,
		SubredditDailyLimits: map[ActionType]int{
			ActionPost:    2,
			ActionComment: 10,
		},
		ReduceAbove:  0.10,
		GrowBelow:    0.05,
		ReduceFactor: 0.8,
		GrowFactor:   1.1,
	}
}

// history older than this is pruned; it must cover a calendar day
const retention = 24 * time.Hour

// Governor tracks outbound actions over a sliding window, adapts its limits
// to the observed error rate and is the single gate every action passes
// before execution. All methods are safe for concurrent use; records are
// applied in the order RecordAction is called.
type Governor struct {
	mu sync.RWMutex

	cfg     Config
	base    map[ActionType]int
	current map[ActionType]float64

	records      []ActionRecord
	errorCount   int
	successCount int
	lastAction   map[string]time.Time

	emergency       bool
	emergencyReason string

	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Governor
type Option func(*Governor)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

// WithLogger sets the logger used for limit changes and emergency stops
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Governor) {
		g.logger = logger
	}
}

// NewGovernor creates a governor. It fails with ErrMisconfigured when any
// base limit is not positive, since current limits are kept in [1, base].
func NewGovernor(cfg Config, opts ...Option) (*Governor, error) {
	def := DefaultConfig()
	if len(cfg.BaseLimits) == 0 {
		return nil, fmt.Errorf("%w: no base limits", ErrMisconfigured)
	}
	for k, v := range cfg.BaseLimits {
		if v <= 0 {
			return nil, fmt.Errorf("%w: base limit for %s is %d", ErrMisconfigured, k, v)
		}
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SubredditDelay < 0 {
		cfg.SubredditDelay = 0
	}
	if cfg.ReduceAbove <= 0 {
		cfg.ReduceAbove = def.ReduceAbove
	}
	if cfg.GrowBelow <= 0 {
		cfg.GrowBelow = def.GrowBelow
	}
	if cfg.GrowBelow > cfg.ReduceAbove {
		return nil, fmt.Errorf("%w: grow threshold %.2f above reduce threshold %.2f", ErrMisconfigured, cfg.GrowBelow, cfg.ReduceAbove)
	}
	if cfg.ReduceFactor <= 0 || cfg.ReduceFactor >= 1 {
		cfg.ReduceFactor = def.ReduceFactor
	}
	if cfg.GrowFactor <= 1 {
		cfg.GrowFactor = def.GrowFactor
	}

	g := &Governor{
		cfg:        cfg,
		base:       make(map[ActionType]int, len(cfg.BaseLimits)),
		current:    make(map[ActionType]float64, len(cfg.BaseLimits)),
		lastAction: make(map[string]time.Time),
		now:        time.Now,
		logger:     log.Logger.With().Str("component", "governor").Logger(),
	}
	for k, v := range cfg.BaseLimits {
		g.base[k] = v
		g.current[k] = float64(v)
		currentLimitGauge.WithLabelValues(string(k)).Set(float64(v))
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// CheckAllowed evaluates, in order: the emergency stop, the trailing-window
// limit for the action type, the per-subreddit delay, then the daily caps.
// The first violated rule is reported.
func (g *Governor) CheckAllowed(actionType ActionType, subreddit string) Verdict {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v := g.check(actionType, subreddit, g.now())
	if !v.Allowed {
		deniedCount.WithLabelValues(string(actionType), v.Rule).Inc()
	}
	return v
}

func (g *Governor) check(actionType ActionType, subreddit string, now time.Time) Verdict {
	if g.emergency {
		return Verdict{
			Rule:   RuleEmergencyStop,
			Reason: "emergency stop: " + g.emergencyReason,
		}
	}

	limit, ok := g.current[actionType]
	if !ok {
		return Verdict{
			Rule:   RuleUnknownAction,
			Reason: fmt.Sprintf("no limit configured for action type %q", actionType),
		}
	}

	effective := effectiveLimit(limit)
	count, oldest := g.windowCount(actionType, now)
	if count >= effective {
		return Verdict{
			Rule:       RuleHourlyLimit,
			Reason:     fmt.Sprintf("hourly %s limit reached: %d/%d", actionType, count, effective),
			RetryAfter: positive(oldest.Add(g.cfg.Window).Sub(now)),
		}
	}

	if subreddit != "" && g.cfg.SubredditDelay > 0 {
		if last, ok := g.lastAction[subreddit]; ok {
			since := now.Sub(last)
			if since < g.cfg.SubredditDelay {
				return Verdict{
					Rule:       RuleSubredditDelay,
					Reason:     fmt.Sprintf("minimum delay on r/%s not elapsed: %s < %s", subreddit, since.Truncate(time.Second), g.cfg.SubredditDelay),
					RetryAfter: g.cfg.SubredditDelay - since,
				}
			}
		}
	}

	dayStart := startOfDay(now)
	if g.cfg.MaxActionsPerDay > 0 {
		total := 0
		for _, r := range g.records {
			if !r.Timestamp.Before(dayStart) {
				total++
			}
		}
		if total >= g.cfg.MaxActionsPerDay {
			return Verdict{
				Rule:       RuleDailyLimit,
				Reason:     fmt.Sprintf("daily action limit reached: %d/%d", total, g.cfg.MaxActionsPerDay),
				RetryAfter: dayStart.Add(24 * time.Hour).Sub(now),
			}
		}
	}

	if capLimit := g.dailyCap(actionType, subreddit); capLimit > 0 && subreddit != "" {
		n := 0
		for _, r := range g.records {
			if r.ActionType == actionType && r.Subreddit == subreddit && !r.Timestamp.Before(dayStart) {
				n++
			}
		}
		if n >= capLimit {
			return Verdict{
				Rule:       RuleSubredditDailyCap,
				Reason:     fmt.Sprintf("daily %s limit on r/%s reached: %d/%d", actionType, subreddit, n, capLimit),
				RetryAfter: dayStart.Add(24 * time.Hour).Sub(now),
			}
		}
	}

	return Verdict{Allowed: true}
}

func (g *Governor) dailyCap(actionType ActionType, subreddit string) int {
	if caps, ok := g.cfg.SubredditCaps[subreddit]; ok {
		if v, ok := caps[actionType]; ok {
			return v
		}
	}
	return g.cfg.SubredditDailyLimits[actionType]
}

// RecordAction appends an attempted action to the window, updates the
// subreddit's last-action time and the error/success counters, then adapts
// the limits. Call it exactly once per publish attempt, success or failure.
func (g *Governor) RecordAction(rec ActionRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = g.now()
	}
	g.records = append(g.records, rec)
	if rec.Subreddit != "" {
		if last, ok := g.lastAction[rec.Subreddit]; !ok || rec.Timestamp.After(last) {
			g.lastAction[rec.Subreddit] = rec.Timestamp
		}
	}
	recordedCount.WithLabelValues(string(rec.ActionType), outcome(rec.Success)).Inc()

	g.prune(g.now())
	g.adjustLocked()
}

// AdjustLimits recomputes the error rate over the trailing window and
// scales the current limits. Rates in [GrowBelow, ReduceAbove] leave the
// limits unchanged.
func (g *Governor) AdjustLimits() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adjustLocked()
}

func (g *Governor) adjustLocked() {
	g.countOutcomes(g.now())
	rate := errorRate(g.errorCount, g.successCount)

	var factor float64
	switch {
	case rate > g.cfg.ReduceAbove:
		factor = g.cfg.ReduceFactor
	case rate < g.cfg.GrowBelow:
		factor = g.cfg.GrowFactor
	default:
		return
	}

	for k, cur := range g.current {
		next := math.Min(float64(g.base[k]), math.Max(1, cur*factor))
		if next == cur {
			continue
		}
		g.current[k] = next
		currentLimitGauge.WithLabelValues(string(k)).Set(next)
		g.logger.Info().
			Str("action_type", string(k)).
			Float64("error_rate", rate).
			Float64("from", cur).
			Float64("to", next).
			Msg("adjusted rate limit")
	}
}

// EmergencyStop halts all actions until ClearEmergencyStop is called
func (g *Governor) EmergencyStop(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.emergency = true
	g.emergencyReason = reason
	emergencyGauge.Set(1)
	g.logger.Error().Str("reason", reason).Msg("emergency stop activated")
}

// ClearEmergencyStop lifts an emergency stop. It is an operator action.
func (g *Governor) ClearEmergencyStop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.emergency {
		return
	}
	g.emergency = false
	g.emergencyReason = ""
	emergencyGauge.Set(0)
	g.logger.Warn().Msg("emergency stop cleared")
}

// EmergencyStopped reports whether an emergency stop is active, and why
func (g *Governor) EmergencyStopped() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.emergency, g.emergencyReason
}

// CurrentLimit returns the adapted limit for an action type
func (g *Governor) CurrentLimit(actionType ActionType) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current[actionType]
}

// BaseLimits returns a copy of the configured base limits
func (g *Governor) BaseLimits() map[ActionType]int {
	out := make(map[ActionType]int, len(g.base))
	for k, v := range g.base {
		out[k] = v
	}
	return out
}

// History returns a copy of the retained action records, oldest first
func (g *Governor) History() []ActionRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ActionRecord, len(g.records))
	copy(out, g.records)
	return out
}

// Stats is a point-in-time snapshot of the governor state
type Stats struct {
	EmergencyStop   bool                   `json:"emergency_stop"`
	EmergencyReason string                 `json:"emergency_reason,omitempty"`
	BaseLimits      map[ActionType]int     `json:"base_limits"`
	CurrentLimits   map[ActionType]float64 `json:"current_limits"`
	EffectiveLimits map[ActionType]int     `json:"effective_limits"`
	WindowCounts    map[ActionType]int     `json:"window_counts"`
	ErrorCount      int                    `json:"error_count"`
	SuccessCount    int                    `json:"success_count"`
	ErrorRate       float64                `json:"error_rate"`
	DailyTotal      int                    `json:"daily_total"`
	DailyFailed     int                    `json:"daily_failed"`
	LastAction      map[string]time.Time   `json:"last_action_by_subreddit"`
	Retained        int                    `json:"retained_records"`
}

// Stats returns a snapshot of limits, counts and the emergency state
func (g *Governor) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	st := Stats{
		EmergencyStop:   g.emergency,
		EmergencyReason: g.emergencyReason,
		BaseLimits:      g.BaseLimits(),
		CurrentLimits:   make(map[ActionType]float64, len(g.current)),
		EffectiveLimits: make(map[ActionType]int, len(g.current)),
		WindowCounts:    make(map[ActionType]int, len(g.current)),
		LastAction:      make(map[string]time.Time, len(g.lastAction)),
		Retained:        len(g.records),
	}
	for k, v := range g.current {
		st.CurrentLimits[k] = v
		st.EffectiveLimits[k] = effectiveLimit(v)
		st.WindowCounts[k], _ = g.windowCount(k, now)
	}
	for k, v := range g.lastAction {
		st.LastAction[k] = v
	}

	cutoff := now.Add(-g.cfg.Window)
	dayStart := startOfDay(now)
	for _, r := range g.records {
		if r.Timestamp.After(cutoff) {
			if r.Success {
				st.SuccessCount++
			} else {
				st.ErrorCount++
			}
		}
		if !r.Timestamp.Before(dayStart) {
			st.DailyTotal++
			if !r.Success {
				st.DailyFailed++
			}
		}
	}
	st.ErrorRate = errorRate(st.ErrorCount, st.SuccessCount)
	return st
}

// Cleanup drops records older than the retention period
func (g *Governor) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.now())
}

// StartCleanup periodically prunes old records until ctx is done
func (g *Governor) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Cleanup()
			}
		}
	}()
}

func (g *Governor) prune(now time.Time) {
	cutoff := now.Add(-retention)
	// records are kept in completion order, which is not guaranteed to be
	// timestamp order, so filter rather than slice off a prefix
	kept := g.records[:0]
	for _, r := range g.records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(g.records); i++ {
		g.records[i] = ActionRecord{}
	}
	g.records = kept

	for sub, ts := range g.lastAction {
		if !ts.After(cutoff) {
			delete(g.lastAction, sub)
		}
	}
}

func (g *Governor) countOutcomes(now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	g.errorCount, g.successCount = 0, 0
	for _, r := range g.records {
		if !r.Timestamp.After(cutoff) {
			continue
		}
		if r.Success {
			g.successCount++
		} else {
			g.errorCount++
		}
	}
}

// windowCount counts actions of a type in the trailing window and returns
// the oldest counted timestamp
func (g *Governor) windowCount(actionType ActionType, now time.Time) (int, time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	var (
		n      int
		oldest time.Time
	)
	for _, r := range g.records {
		if r.ActionType != actionType || !r.Timestamp.After(cutoff) {
			continue
		}
		n++
		if oldest.IsZero() || r.Timestamp.Before(oldest) {
			oldest = r.Timestamp
		}
	}
	return n, oldest
}

// SortedByTime returns records ordered by timestamp, stable for ties
func SortedByTime(records []ActionRecord) []ActionRecord {
	out := make([]ActionRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func effectiveLimit(current float64) int {
	n := int(math.Floor(current))
	if n < 1 {
		return 1
	}
	return n
}

func errorRate(errs, successes int) float64 {
	return float64(errs) / float64(max(1, errs+successes))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Ensure Governor implements Gate
var _ Gate = (*Governor)(nil)
