// Package decision turns scored content into respond/ignore/defer outcomes.
package decision

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alphabot-ai/replyguard/internal/content"
	"github.com/alphabot-ai/replyguard/internal/ratelimit"
)

// Action is what the agent should do with an item
type Action string

const (
	ActionRespond    Action = "respond"
	ActionCreatePost Action = "create_post"
	ActionIgnore     Action = "ignore"
	ActionDefer      Action = "defer"
)

// BlockedBy names the safeguard that stopped an otherwise eligible action
type BlockedBy string

const (
	BlockedByNone         BlockedBy = "none"
	BlockedByRateLimited  BlockedBy = "rate_limited"
	BlockedBySafetyFilter BlockedBy = "safety_filter"
)

// maximum number of inspiration items quoted in an original post decision
const maxInspirations = 3

// Decision is the outcome for one item. Respond and CreatePost are only
// produced with BlockedBy set to BlockedByNone.
type Decision struct {
	ItemID     string               `json:"item_id,omitempty"`
	Subreddit  string               `json:"subreddit"`
	Action     Action               `json:"action"`
	ActionType ratelimit.ActionType `json:"action_type"`
	Confidence float64              `json:"confidence"`
	Reasons    []string             `json:"reasons"`
	BlockedBy  BlockedBy            `json:"blocked_by"`
	RetryAfter time.Duration        `json:"retry_after,omitempty"`

	// Inspirations lists the items an original post draws on
	Inspirations []string `json:"inspirations,omitempty"`
}

// Approved reports whether the decision calls for an outbound action
func (d Decision) Approved() bool {
	return (d.Action == ActionRespond || d.Action == ActionCreatePost) && d.BlockedBy == BlockedByNone
}

// Engine decides what to do with scored items. It holds no per-item state;
// its only external query is the read-only governor check.
type Engine struct {
	filter *content.SafetyFilter
}

// NewEngine creates an engine. The safety filter is used by Review; a nil
// filter approves all generated text.
func NewEngine(filter *content.SafetyFilter) *Engine {
	return &Engine{filter: filter}
}

// ActionTypeFor maps an item kind to the governed action a reply needs.
// Replies to posts and comments are both comments on the platform.
func ActionTypeFor(_ content.Kind) ratelimit.ActionType {
	return ratelimit.ActionComment
}

// Decide runs the eligibility, confidence and rate checks in order and
// returns at the first that fails.
func (e *Engine) Decide(scored content.ScoredItem, minConfidence float64, gate ratelimit.Gate) Decision {
	d := Decision{
		ItemID:     scored.ID,
		Subreddit:  scored.Subreddit,
		ActionType: ActionTypeFor(scored.Kind),
		BlockedBy:  BlockedByNone,
	}

	if !scored.Eligible() {
		d.Action = ActionIgnore
		d.Reasons = append([]string(nil), scored.HardGateFailures...)
		return d
	}

	d.Confidence = scored.RelevanceScore
	if scored.RelevanceScore < minConfidence {
		d.Action = ActionIgnore
		d.Reasons = []string{fmt.Sprintf("relevance %.3f below minimum confidence %.3f", scored.RelevanceScore, minConfidence)}
		return d
	}

	if v := gate.CheckAllowed(d.ActionType, scored.Subreddit); !v.Allowed {
		d.Action = ActionDefer
		d.BlockedBy = BlockedByRateLimited
		d.Reasons = []string{v.Reason}
		d.RetryAfter = v.RetryAfter
		return d
	}

	d.Action = ActionRespond
	d.Reasons = approvalReasons(scored, minConfidence)
	return d
}

// DecideOriginalPost decides whether to write a new post on a board, drawing
// on the board's best eligible posts. Posts below minRelevance are not
// considered; confidence is the mean relevance of up to three top posts.
func (e *Engine) DecideOriginalPost(subreddit string, inspirations []content.ScoredItem, minRelevance, minConfidence float64, gate ratelimit.Gate) Decision {
	d := Decision{
		Subreddit:  subreddit,
		ActionType: ratelimit.ActionPost,
		BlockedBy:  BlockedByNone,
	}

	var eligible []content.ScoredItem
	for _, s := range inspirations {
		if s.Eligible() && s.Kind == content.KindPost && s.RelevanceScore >= minRelevance {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		d.Action = ActionIgnore
		d.Reasons = []string{fmt.Sprintf("no eligible posts with relevance >= %.3f to draw on", minRelevance)}
		return d
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].RelevanceScore > eligible[j].RelevanceScore
	})
	if len(eligible) > maxInspirations {
		eligible = eligible[:maxInspirations]
	}

	var sum float64
	for _, s := range eligible {
		sum += s.RelevanceScore
		d.Inspirations = append(d.Inspirations, s.ID)
	}
	d.Confidence = sum / float64(len(eligible))

	if d.Confidence < minConfidence {
		d.Action = ActionIgnore
		d.Reasons = []string{fmt.Sprintf("inspiration relevance %.3f below minimum confidence %.3f", d.Confidence, minConfidence)}
		return d
	}

	if v := gate.CheckAllowed(ratelimit.ActionPost, subreddit); !v.Allowed {
		d.Action = ActionDefer
		d.BlockedBy = BlockedByRateLimited
		d.Reasons = []string{v.Reason}
		d.RetryAfter = v.RetryAfter
		return d
	}

	d.Action = ActionCreatePost
	d.Reasons = []string{
		fmt.Sprintf("inspiration relevance %.3f >= %.3f", d.Confidence, minConfidence),
		"inspired by " + strings.Join(d.Inspirations, ", "),
	}
	return d
}

// Review screens generated text for an approved decision. Unsafe text turns
// the decision into Ignore blocked by the safety filter; anything else is
// returned unchanged.
func (e *Engine) Review(d Decision, generated string) Decision {
	if !d.Approved() || e.filter == nil {
		return d
	}

	ok, reason := e.filter.Check(generated)
	if ok {
		return d
	}

	out := d
	out.Action = ActionIgnore
	out.BlockedBy = BlockedBySafetyFilter
	out.Reasons = append(append([]string(nil), d.Reasons...), reason)
	return out
}

func approvalReasons(scored content.ScoredItem, minConfidence float64) []string {
	reasons := []string{fmt.Sprintf("relevance %.3f >= %.3f", scored.RelevanceScore, minConfidence)}
	if len(scored.MatchedKeywords) > 0 {
		reasons = append(reasons, "keywords: "+strings.Join(scored.MatchedKeywords, ", "))
	}
	if len(scored.MatchedPatterns) > 0 {
		reasons = append(reasons, "patterns: "+strings.Join(scored.MatchedPatterns, ", "))
	}
	return reasons
}
