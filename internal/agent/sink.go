package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/alphabot-ai/replyguard/internal/anomaly"
	"github.com/alphabot-ai/replyguard/internal/content"
	"github.com/alphabot-ai/replyguard/internal/decision"
	"github.com/alphabot-ai/replyguard/internal/store"
)

// StoreSink persists the agent's output to the history store under one
// session
type StoreSink struct {
	store   store.Store
	session *store.Session
	now     func() time.Time
}

// NewStoreSink opens a session for mode. digest identifies the
// configuration the session ran with.
func NewStoreSink(ctx context.Context, s store.Store, mode Mode, digest string, now func() time.Time) (*StoreSink, error) {
	if now == nil {
		now = time.Now
	}
	session := &store.Session{
		Mode:         string(mode),
		StartedAt:    now().UTC(),
		ConfigDigest: digest,
	}
	if err := s.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &StoreSink{store: s, session: session, now: now}, nil
}

// SessionID returns the id of the session being written
func (s *StoreSink) SessionID() string {
	return s.session.ID
}

func (s *StoreSink) RecordAnalysis(ctx context.Context, scored content.ScoredItem, d decision.Decision) error {
	at := scored.ScoredAt
	if at.IsZero() {
		at = s.now()
	}
	return s.store.SaveAnalyzedItem(ctx, &store.AnalyzedItem{
		SessionID:        s.session.ID,
		ItemID:           scored.ID,
		Kind:             string(scored.Kind),
		Subreddit:        scored.Subreddit,
		Title:            scored.Title,
		AuthorID:         scored.AuthorID,
		Score:            scored.Score,
		RelevanceScore:   scored.RelevanceScore,
		KeywordScore:     scored.KeywordScore,
		PatternScore:     scored.PatternScore,
		EngagementScore:  scored.EngagementScore,
		FreshnessScore:   scored.FreshnessScore,
		MatchedKeywords:  scored.MatchedKeywords,
		MatchedPatterns:  scored.MatchedPatterns,
		HardGateFailures: scored.HardGateFailures,
		Decision:         string(d.Action),
		BlockedBy:        string(d.BlockedBy),
		Confidence:       d.Confidence,
		Reasons:          d.Reasons,
		AnalyzedAt:       at.UTC(),
	})
}

func (s *StoreSink) RecordAction(ctx context.Context, a ActionLog) error {
	return s.store.SaveAction(ctx, &store.Action{
		SessionID:          s.session.ID,
		ActionType:         string(a.Record.ActionType),
		Subreddit:          a.Record.Subreddit,
		ParentID:           a.ParentID,
		TargetID:           a.Record.TargetID,
		Title:              a.Title,
		Content:            a.Record.Content,
		ContentHash:        anomaly.Fingerprint(a.Record.Content),
		Success:            a.Record.Success,
		Error:              a.Error,
		DryRun:             a.DryRun,
		Confidence:         a.Confidence,
		ResponseConfidence: a.ResponseConfidence,
		CreatedAt:          a.Record.Timestamp.UTC(),
	})
}

func (s *StoreSink) RecordSimulatedResponse(ctx context.Context, r SimulatedResponse) error {
	return s.store.SaveSimulatedResponse(ctx, &store.SimulatedResponse{
		SessionID:          s.session.ID,
		ItemID:             r.Item.ID,
		Subreddit:          r.Item.Subreddit,
		ItemTitle:          r.Item.Title,
		ItemBody:           r.Item.Body,
		Content:            r.Content,
		ContentHash:        anomaly.Fingerprint(r.Content),
		RelevanceScore:     r.Item.RelevanceScore,
		ResponseConfidence: r.ResponseConfidence,
		Reasons:            r.Reasons,
		CreatedAt:          s.now().UTC(),
	})
}

func (s *StoreSink) RecordSimulatedPost(ctx context.Context, p SimulatedPost) error {
	return s.store.SaveSimulatedPost(ctx, &store.SimulatedPost{
		SessionID:    s.session.ID,
		Subreddit:    p.Subreddit,
		Title:        p.Title,
		Body:         p.Body,
		Inspirations: p.Inspirations,
		Confidence:   p.Confidence,
		CreatedAt:    s.now().UTC(),
	})
}

// UpdateSession copies the progress counters into the session row; final
// also stamps the end time
func (s *StoreSink) UpdateSession(ctx context.Context, st Status, final bool) error {
	s.session.Cycles = st.Cycles
	s.session.ItemsSeen = st.ItemsSeen
	s.session.Responses = st.Responses
	s.session.Posts = st.Posts
	s.session.Deferred = st.Deferred
	s.session.Errors = st.Errors
	if final {
		end := s.now().UTC()
		s.session.EndedAt = &end
	}
	return s.store.UpdateSession(ctx, s.session)
}

var _ Sink = (*StoreSink)(nil)
