package agent

import (
	"context"

	"github.com/alphabot-ai/replyguard/internal/content"
	"github.com/alphabot-ai/replyguard/internal/decision"
	"github.com/alphabot-ai/replyguard/internal/platform"
	"github.com/alphabot-ai/replyguard/internal/ratelimit"
)

// Source fetches items for a board. Any error means no items this cycle.
type Source interface {
	FetchItems(ctx context.Context, board string, limit int) ([]content.Item, error)
	FetchComments(ctx context.Context, postID string, limit int) ([]content.Item, error)
}

// Generator produces text from a system instruction and a prompt
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Publisher writes to the platform
type Publisher interface {
	Publish(ctx context.Context, subreddit, parentID, text string) (platform.PublishResult, error)
	Submit(ctx context.Context, subreddit, title, body string) (platform.PublishResult, error)
}

// Identity is implemented by publishers that can name the account they act as
type Identity interface {
	Me(ctx context.Context) (string, error)
}

var _ Identity = (*platform.Client)(nil)

// Sink receives a one-way export of everything the agent analyzes and does
type Sink interface {
	RecordAnalysis(ctx context.Context, scored content.ScoredItem, d decision.Decision) error
	RecordAction(ctx context.Context, a ActionLog) error
	RecordSimulatedResponse(ctx context.Context, r SimulatedResponse) error
	RecordSimulatedPost(ctx context.Context, p SimulatedPost) error
	UpdateSession(ctx context.Context, st Status, final bool) error
}

// ActionLog is a publish attempt, or a dry-run stand-in for one
type ActionLog struct {
	Record             ratelimit.ActionRecord
	ParentID           string
	Title              string
	Error              string
	DryRun             bool
	Confidence         float64
	ResponseConfidence float64
}

// SimulatedResponse is a reply generated in passive mode
type SimulatedResponse struct {
	Item               content.ScoredItem
	Content            string
	ResponseConfidence float64
	Reasons            []string
}

// SimulatedPost is an original post generated in passive mode
type SimulatedPost struct {
	Subreddit    string
	Title        string
	Body         string
	Inspirations []string
	Confidence   float64
}

type nopSink struct{}

func (nopSink) RecordAnalysis(context.Context, content.ScoredItem, decision.Decision) error { return nil }
func (nopSink) RecordAction(context.Context, ActionLog) error                             { return nil }
func (nopSink) RecordSimulatedResponse(context.Context, SimulatedResponse) error          { return nil }
func (nopSink) RecordSimulatedPost(context.Context, SimulatedPost) error                  { return nil }
func (nopSink) UpdateSession(context.Context, Status, bool) error                         { return nil }
