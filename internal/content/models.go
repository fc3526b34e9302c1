package content

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrMalformedItem = errors.New("malformed content item")
)

// Kind distinguishes top-level posts from comments
type Kind string

const (
	KindPost    Kind = "post"
	KindComment Kind = "comment"
)

// DeletedAuthor is the sentinel the platform reports for removed accounts
const DeletedAuthor = "[deleted]"

// Item is one fetched post or comment. Score and ExistingReplyCount are
// snapshots taken at fetch time.
type Item struct {
	ID                 string    `json:"id"`
	Kind               Kind      `json:"kind"`
	Title              string    `json:"title,omitempty"`
	Body               string    `json:"body,omitempty"`
	AuthorID           string    `json:"author_id,omitempty"`
	Subreddit          string    `json:"subreddit"`
	Score              int       `json:"score"`
	CreatedAt          time.Time `json:"created_at"`
	ExistingReplyCount int       `json:"existing_reply_count"`
	ParentID           string    `json:"parent_id,omitempty"`
	Permalink          string    `json:"permalink,omitempty"`
}

// Validate reports ErrMalformedItem when a required field is missing.
// Optional fields (body, score, author) may be empty.
func (i Item) Validate() error {
	if i.ID == "" {
		return errors.Join(ErrMalformedItem, errors.New("missing id"))
	}
	switch i.Kind {
	case KindPost, KindComment:
	default:
		return errors.Join(ErrMalformedItem, errors.New("unknown kind "+string(i.Kind)))
	}
	if i.Subreddit == "" {
		return errors.Join(ErrMalformedItem, errors.New("missing subreddit"))
	}
	return nil
}

// Text is the concatenation triggers are evaluated against
func (i Item) Text() string {
	if i.Title == "" {
		return i.Body
	}
	return i.Title + " " + i.Body
}

// Age returns how long ago the item was created relative to now. A zero
// CreatedAt yields a zero age.
func (i Item) Age(now time.Time) time.Duration {
	if i.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(i.CreatedAt)
}

// Hard gate names reported in MatchResult.HardGateFailures
const (
	GatePostTooNew      = "post_too_new"
	GatePostTooOld      = "post_too_old"
	GateCommentTooShort = "comment_too_short"
	GatePostTooShort    = "post_too_short"
	GateTooManyReplies  = "too_many_replies"
	GateScoreTooLow     = "score_below_threshold"
	GateBannedKeyword   = "banned_keyword"
	GateDeletedAuthor   = "deleted_author"
)

// MatchResult is the outcome of evaluating trigger rules against an item
type MatchResult struct {
	KeywordHits      []string `json:"keyword_hits,omitempty"`
	PatternHits      []string `json:"pattern_hits,omitempty"`
	HardGateFailures []string `json:"hard_gate_failures,omitempty"`
}

// Eligible is true when no hard gate tripped
func (m MatchResult) Eligible() bool {
	return len(m.HardGateFailures) == 0
}

// ScoredItem is an Item plus the analysis outputs for one cycle
type ScoredItem struct {
	Item

	RelevanceScore  float64            `json:"relevance_score"`
	KeywordScore    float64            `json:"keyword_score"`
	PatternScore    float64            `json:"pattern_score"`
	EngagementScore float64            `json:"engagement_score"`
	FreshnessScore  float64            `json:"freshness_score"`
	ExtraScores     map[string]float64 `json:"extra_scores,omitempty"`

	MatchedKeywords  []string `json:"matched_keywords,omitempty"`
	MatchedPatterns  []string `json:"matched_patterns,omitempty"`
	HardGateFailures []string `json:"hard_gate_failures,omitempty"`

	ScoredAt time.Time `json:"scored_at"`
}

// Eligible is true when no hard gate tripped during matching
func (s ScoredItem) Eligible() bool {
	return len(s.HardGateFailures) == 0
}

// dedupe returns the sorted set of values, lower-cased when fold is set
func dedupe(in []string, fold bool) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if fold {
			v = strings.ToLower(v)
		}
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
