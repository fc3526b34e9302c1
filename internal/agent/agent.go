// Package agent runs the monitoring loop: fetch items per board, score
// them, decide, generate replies and publish or simulate them under the
// rate governor.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alphabot-ai/replyguard/internal/anomaly"
	"github.com/alphabot-ai/replyguard/internal/content"
	"github.com/alphabot-ai/replyguard/internal/decision"
	"github.com/alphabot-ai/replyguard/internal/generator"
	"github.com/alphabot-ai/replyguard/internal/ratelimit"
)

var (
	ErrMisconfigured = errors.New("agent misconfigured")
	ErrPreflight     = errors.New("startup check failed")
)

// Mode selects what the agent is allowed to do with approved decisions
type Mode string

const (
	// ModeActive publishes approved replies and posts
	ModeActive Mode = "active"
	// ModeDryRun generates and gates replies like active mode but never
	// publishes; actions are recorded as simulated successes
	ModeDryRun Mode = "dry_run"
	// ModeMonitorOnly scores and persists items without generating text
	ModeMonitorOnly Mode = "monitor_only"
	// ModePassive stores generated replies and posts for review; nothing is
	// published or recorded against the governor
	ModePassive Mode = "passive"
)

// Board is one monitored subreddit or feed
type Board struct {
	Name           string
	Source         Source
	CommentEnabled bool
	PostEnabled    bool
	// ReadOnly boards are scored and persisted but never answered
	ReadOnly bool
}

type Config struct {
	Mode     Mode
	Username string

	FetchLimit       int
	CommentScanPosts int
	CommentLimit     int
	CycleInterval    time.Duration
	CreatePosts      bool
	ProcessedCache   int

	MinConfidencePost    float64
	MinConfidenceComment float64
	MinConfidenceCreate  float64

	DefaultInstruction string
	Instructions       map[string]string

	AnomalyEnabled bool
	Anomaly        anomaly.Config
}

// Deps are the collaborators the loop drives
type Deps struct {
	Matcher   *content.Matcher
	Scorer    *content.Scorer
	Engine    *decision.Engine
	Governor  *ratelimit.Governor
	Generator Generator
	Publisher Publisher
	Sink      Sink
}

// Status is a snapshot of the agent's progress
type Status struct {
	Mode         Mode      `json:"mode"`
	StartedAt    time.Time `json:"started_at"`
	LastCycle    time.Time `json:"last_cycle,omitempty"`
	Cycles       int       `json:"cycles"`
	ItemsSeen    int       `json:"items_seen"`
	Responses    int       `json:"responses"`
	Posts        int       `json:"posts"`
	Deferred     int       `json:"deferred"`
	Blocked      int       `json:"blocked"`
	Errors       int       `json:"errors"`
	LastFindings []string  `json:"last_findings,omitempty"`
}

type Agent struct {
	cfg       Config
	boards    []Board
	deps      Deps
	processed *lru.Cache[string, struct{}]
	now       func() time.Time
	logger    zerolog.Logger

	mu     sync.Mutex
	status Status
}

type Option func(*Agent)

func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New wires an agent. Generator and Publisher may be nil in modes that do
// not need them.
func New(cfg Config, boards []Board, deps Deps, opts ...Option) (*Agent, error) {
	if deps.Matcher == nil || deps.Scorer == nil || deps.Engine == nil || deps.Governor == nil {
		return nil, fmt.Errorf("%w: matcher, scorer, engine and governor are required", ErrMisconfigured)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDryRun
	}
	if cfg.Mode != ModeMonitorOnly && deps.Generator == nil {
		return nil, fmt.Errorf("%w: mode %s needs a generator", ErrMisconfigured, cfg.Mode)
	}
	if cfg.Mode == ModeActive && deps.Publisher == nil {
		return nil, fmt.Errorf("%w: active mode needs a publisher", ErrMisconfigured)
	}
	for _, b := range boards {
		if b.Source == nil {
			return nil, fmt.Errorf("%w: board %s has no source", ErrMisconfigured, b.Name)
		}
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 25
	}
	if cfg.CommentLimit <= 0 {
		cfg.CommentLimit = 20
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Minute
	}
	if cfg.ProcessedCache <= 0 {
		cfg.ProcessedCache = 10000
	}

	processed, err := lru.New[string, struct{}](cfg.ProcessedCache)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMisconfigured, err)
	}

	a := &Agent{
		cfg:       cfg,
		boards:    boards,
		deps:      deps,
		processed: processed,
		now:       time.Now,
		logger:    log.Logger.With().Str("component", "agent").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.status = Status{Mode: cfg.Mode, StartedAt: a.now()}
	return a, nil
}

// Preflight verifies the publishing account before the first cycle. It only
// runs in active mode and only when the publisher implements Identity.
func (a *Agent) Preflight(ctx context.Context) error {
	if a.cfg.Mode != ModeActive {
		return nil
	}
	id, ok := a.deps.Publisher.(Identity)
	if !ok {
		return nil
	}

	name, err := id.Me(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPreflight, err)
	}
	if a.cfg.Username != "" && !strings.EqualFold(name, a.cfg.Username) {
		return fmt.Errorf("%w: authenticated as %q, configured as %q", ErrPreflight, name, a.cfg.Username)
	}
	a.logger.Info().Str("account", name).Msg("publisher authenticated")
	return nil
}

// Status returns a copy of the current progress counters
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.status
	st.LastFindings = append([]string(nil), a.status.LastFindings...)
	return st
}

func (a *Agent) bump(fn func(*Status)) {
	a.mu.Lock()
	fn(&a.status)
	a.mu.Unlock()
}

// Run executes cycles every CycleInterval until ctx is done or maxCycles
// cycles have run. maxCycles <= 0 runs until cancelled. The session is
// finalized on return.
func (a *Agent) Run(ctx context.Context, maxCycles int) error {
	a.logger.Info().
		Str("mode", string(a.cfg.Mode)).
		Int("boards", len(a.boards)).
		Dur("interval", a.cfg.CycleInterval).
		Msg("agent starting")
	defer a.finish()

	ticker := time.NewTicker(a.cfg.CycleInterval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		if err := a.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Error().Err(err).Int("cycle", n).Msg("cycle failed")
		}
		if maxCycles > 0 && n >= maxCycles {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Agent) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := a.Status()
	if err := a.deps.Sink.UpdateSession(ctx, st, true); err != nil {
		a.logger.Error().Err(err).Msg("finalizing session")
	}
	a.logger.Info().
		Int("cycles", st.Cycles).
		Int("items", st.ItemsSeen).
		Int("responses", st.Responses).
		Int("posts", st.Posts).
		Int("errors", st.Errors).
		Msg("agent stopped")
}

// RunCycle processes every board once, then audits the action history
func (a *Agent) RunCycle(ctx context.Context) error {
	start := a.now()
	for _, b := range a.boards {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.processBoard(ctx, b)
	}
	a.audit()

	a.bump(func(s *Status) {
		s.Cycles++
		s.LastCycle = a.now()
	})
	cycleCount.Inc()
	cycleDuration.Observe(a.now().Sub(start).Seconds())

	if err := a.deps.Sink.UpdateSession(ctx, a.Status(), false); err != nil {
		a.logger.Warn().Err(err).Msg("updating session")
	}
	return nil
}

func (a *Agent) processBoard(ctx context.Context, b Board) {
	logger := a.logger.With().Str("board", b.Name).Logger()

	items, err := b.Source.FetchItems(ctx, b.Name, a.cfg.FetchLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("fetch failed, skipping board this cycle")
		a.bump(func(s *Status) { s.Errors++ })
		return
	}

	var scored []content.ScoredItem
	for _, item := range items {
		if err := item.Validate(); err != nil {
			logger.Warn().Err(err).Str("item", item.ID).Msg("skipping malformed item")
			continue
		}
		s := a.analyze(item)
		scored = append(scored, s)

		if a.seen(item.ID) {
			continue
		}
		a.handle(ctx, b, s, nil)
	}

	if b.CommentEnabled && !b.ReadOnly {
		n := min(a.cfg.CommentScanPosts, len(items))
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				return
			}
			a.scanComments(ctx, b, items[i])
		}
	}

	if a.cfg.CreatePosts && b.PostEnabled && !b.ReadOnly && a.cfg.Mode != ModeMonitorOnly {
		a.originalPost(ctx, b, scored)
	}
}

func (a *Agent) scanComments(ctx context.Context, b Board, post content.Item) {
	comments, err := b.Source.FetchComments(ctx, post.ID, a.cfg.CommentLimit)
	if err != nil {
		a.logger.Warn().Err(err).Str("post", post.ID).Msg("fetching comments failed")
		a.bump(func(s *Status) { s.Errors++ })
		return
	}

	for _, c := range comments {
		if c.Validate() != nil || a.seen(c.ID) {
			continue
		}
		if a.cfg.Username != "" && strings.EqualFold(c.AuthorID, a.cfg.Username) {
			a.markProcessed(c.ID)
			continue
		}
		a.handle(ctx, b, a.analyze(c), &post)
	}
}

func (a *Agent) analyze(item content.Item) content.ScoredItem {
	return a.deps.Scorer.Score(item, a.deps.Matcher.Match(item))
}

func (a *Agent) seen(id string) bool {
	return a.processed.Contains(id)
}

func (a *Agent) markProcessed(id string) {
	a.processed.Add(id, struct{}{})
}

func (a *Agent) minConfidence(kind content.Kind) float64 {
	if kind == content.KindComment {
		return a.cfg.MinConfidenceComment
	}
	return a.cfg.MinConfidencePost
}

func (a *Agent) instruction(board string) string {
	if v := a.cfg.Instructions[board]; v != "" {
		return v
	}
	return a.cfg.DefaultInstruction
}

func (a *Agent) canReply(b Board) bool {
	return b.CommentEnabled && !b.ReadOnly && a.cfg.Mode != ModeMonitorOnly
}

// handle decides on one unseen item and carries out the decision. Deferred
// items stay unprocessed so a later cycle can retry them.
func (a *Agent) handle(ctx context.Context, b Board, scored content.ScoredItem, parent *content.Item) {
	a.bump(func(s *Status) { s.ItemsSeen++ })

	d := a.deps.Engine.Decide(scored, a.minConfidence(scored.Kind), a.deps.Governor)
	if d.Approved() && a.canReply(b) {
		d = a.respond(ctx, b, scored, parent, d)
	}

	decisionCount.WithLabelValues(string(scored.Kind), string(d.Action)).Inc()
	if err := a.deps.Sink.RecordAnalysis(ctx, scored, d); err != nil {
		a.logger.Warn().Err(err).Str("item", scored.ID).Msg("recording analysis")
	}

	switch d.Action {
	case decision.ActionDefer:
		a.bump(func(s *Status) { s.Deferred++ })
		a.logger.Info().Str("item", scored.ID).Str("reason", strings.Join(d.Reasons, "; ")).Dur("retry_after", d.RetryAfter).Msg("deferred")
		return
	case decision.ActionIgnore:
		a.logger.Debug().Str("item", scored.ID).Strs("reasons", d.Reasons).Msg("ignored")
	}
	a.markProcessed(scored.ID)
}

// respond generates a reply for an approved decision and publishes or
// simulates it according to the mode. It returns the final decision.
func (a *Agent) respond(ctx context.Context, b Board, scored content.ScoredItem, parent *content.Item, d decision.Decision) decision.Decision {
	logger := a.logger.With().Str("board", b.Name).Str("item", scored.ID).Logger()

	prompt := commentPrompt(scored.Item)
	if scored.Kind == content.KindComment {
		prompt = replyPrompt(scored.Item, parent)
	}

	text, err := a.deps.Generator.Generate(ctx, a.instruction(b.Name), prompt)
	if err != nil {
		// nothing was published, so nothing is recorded against the governor
		logger.Error().Err(err).Msg("generation failed")
		a.bump(func(s *Status) { s.Errors++ })
		return d
	}

	reviewed := a.deps.Engine.Review(d, text)
	if !reviewed.Approved() {
		logger.Warn().Strs("reasons", reviewed.Reasons).Msg("generated reply blocked")
		a.bump(func(s *Status) { s.Blocked++ })
		return reviewed
	}

	respConf := content.ResponseConfidence(text, a.deps.Matcher.Keywords())

	if a.cfg.Mode == ModePassive {
		err := a.deps.Sink.RecordSimulatedResponse(ctx, SimulatedResponse{
			Item:               scored,
			Content:            text,
			ResponseConfidence: respConf,
			Reasons:            d.Reasons,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("recording simulated response")
		}
		a.bump(func(s *Status) { s.Responses++ })
		logger.Info().Float64("confidence", respConf).Msg("simulated reply stored")
		return reviewed
	}

	// generation takes a while; an operator stop may have arrived meanwhile
	if v := a.deps.Governor.CheckAllowed(d.ActionType, b.Name); !v.Allowed {
		deferred := reviewed
		deferred.Action = decision.ActionDefer
		deferred.BlockedBy = decision.BlockedByRateLimited
		deferred.Reasons = []string{v.Reason}
		deferred.RetryAfter = v.RetryAfter
		return deferred
	}

	entry := ActionLog{
		Record: ratelimit.ActionRecord{
			ActionType: d.ActionType,
			Subreddit:  b.Name,
			Timestamp:  a.now(),
			Content:    text,
		},
		ParentID:           scored.ID,
		Confidence:         d.Confidence,
		ResponseConfidence: respConf,
	}

	if a.cfg.Mode == ModeDryRun {
		entry.DryRun = true
		entry.Record.Success = true
		logger.Info().Str("reply", excerpt(text, 100)).Msg("[dry run] reply generated")
	} else {
		res, err := a.deps.Publisher.Publish(ctx, b.Name, scored.ID, text)
		entry.Record.Timestamp = a.now()
		entry.Record.Success = err == nil && res.Success
		entry.Record.TargetID = res.TargetID
		if err != nil {
			entry.Error = err.Error()
			logger.Error().Err(err).Msg("publish failed")
		} else {
			logger.Info().Str("target", res.TargetID).Msg("reply published")
		}
	}

	a.record(ctx, entry)
	if entry.Record.Success {
		a.bump(func(s *Status) { s.Responses++ })
	}
	return reviewed
}

// originalPost writes a new post on a board inspired by its best items
func (a *Agent) originalPost(ctx context.Context, b Board, scored []content.ScoredItem) {
	logger := a.logger.With().Str("board", b.Name).Logger()

	d := a.deps.Engine.DecideOriginalPost(b.Name, scored, a.cfg.MinConfidencePost, a.cfg.MinConfidenceCreate, a.deps.Governor)
	decisionCount.WithLabelValues("board", string(d.Action)).Inc()
	switch d.Action {
	case decision.ActionIgnore:
		logger.Debug().Strs("reasons", d.Reasons).Msg("no original post")
		return
	case decision.ActionDefer:
		logger.Debug().Strs("reasons", d.Reasons).Msg("original post deferred")
		return
	}

	inspirations := pickInspirations(scored, d.Inspirations)
	text, err := a.deps.Generator.Generate(ctx, a.instruction(b.Name), originalPostPrompt(b.Name, inspirations))
	if err != nil {
		logger.Error().Err(err).Msg("generating original post")
		a.bump(func(s *Status) { s.Errors++ })
		return
	}
	title, body, err := generator.ParsePost(text)
	if err != nil {
		logger.Warn().Err(err).Msg("unusable original post")
		a.bump(func(s *Status) { s.Errors++ })
		return
	}

	reviewed := a.deps.Engine.Review(d, title+"\n\n"+body)
	if !reviewed.Approved() {
		logger.Warn().Strs("reasons", reviewed.Reasons).Msg("original post blocked")
		a.bump(func(s *Status) { s.Blocked++ })
		return
	}

	if a.cfg.Mode == ModePassive {
		err := a.deps.Sink.RecordSimulatedPost(ctx, SimulatedPost{
			Subreddit:    b.Name,
			Title:        title,
			Body:         body,
			Inspirations: d.Inspirations,
			Confidence:   d.Confidence,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("recording simulated post")
		}
		a.bump(func(s *Status) { s.Posts++ })
		logger.Info().Str("title", title).Msg("simulated post stored")
		return
	}

	if v := a.deps.Governor.CheckAllowed(ratelimit.ActionPost, b.Name); !v.Allowed {
		logger.Info().Str("reason", v.Reason).Msg("original post deferred")
		return
	}

	entry := ActionLog{
		Record: ratelimit.ActionRecord{
			ActionType: ratelimit.ActionPost,
			Subreddit:  b.Name,
			Timestamp:  a.now(),
			Content:    body,
		},
		Title:      title,
		Confidence: d.Confidence,
	}

	if a.cfg.Mode == ModeDryRun {
		entry.DryRun = true
		entry.Record.Success = true
		logger.Info().Str("title", title).Msg("[dry run] original post generated")
	} else {
		res, err := a.deps.Publisher.Submit(ctx, b.Name, title, body)
		entry.Record.Timestamp = a.now()
		entry.Record.Success = err == nil && res.Success
		entry.Record.TargetID = res.TargetID
		if err != nil {
			entry.Error = err.Error()
			logger.Error().Err(err).Msg("submit failed")
		} else {
			logger.Info().Str("target", res.TargetID).Msg("original post published")
		}
	}

	a.record(ctx, entry)
	if entry.Record.Success {
		a.bump(func(s *Status) { s.Posts++ })
	}
}

// record feeds an attempted action to the governor and the sink, then
// checks the history for anomalies
func (a *Agent) record(ctx context.Context, entry ActionLog) {
	a.deps.Governor.RecordAction(entry.Record)
	actionCount.WithLabelValues(string(entry.Record.ActionType), outcome(entry)).Inc()
	if !entry.Record.Success {
		a.bump(func(s *Status) { s.Errors++ })
	}
	if err := a.deps.Sink.RecordAction(ctx, entry); err != nil {
		a.logger.Warn().Err(err).Msg("recording action")
	}
	a.audit()
}

// audit runs the anomaly detector and stops the governor on any finding
func (a *Agent) audit() {
	if !a.cfg.AnomalyEnabled {
		return
	}
	if stopped, _ := a.deps.Governor.EmergencyStopped(); stopped {
		return
	}

	findings := anomaly.Detect(a.deps.Governor.History(), a.cfg.Anomaly, a.now())
	if len(findings) == 0 {
		return
	}

	kinds := make([]string, len(findings))
	for i, f := range findings {
		kinds[i] = string(f.Kind)
		anomalyCount.WithLabelValues(string(f.Kind)).Inc()
	}
	a.bump(func(s *Status) { s.LastFindings = kinds })
	a.deps.Governor.EmergencyStop("anomaly detected: " + findings.String())
}

func pickInspirations(scored []content.ScoredItem, ids []string) []content.ScoredItem {
	byID := make(map[string]content.ScoredItem, len(scored))
	for _, s := range scored {
		byID[s.ID] = s
	}
	out := make([]content.ScoredItem, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func outcome(entry ActionLog) string {
	switch {
	case entry.DryRun:
		return "dry_run"
	case entry.Record.Success:
		return "success"
	default:
		return "failure"
	}
}
