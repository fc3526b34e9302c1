package decision

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphabot-ai/replyguard/internal/content"
	"github.com/alphabot-ai/replyguard/internal/ratelimit"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// stubGate returns a fixed verdict and counts queries
type stubGate struct {
	verdict ratelimit.Verdict
	calls   int
	last    ratelimit.ActionType
}

func (g *stubGate) CheckAllowed(actionType ratelimit.ActionType, _ string) ratelimit.Verdict {
	g.calls++
	g.last = actionType
	return g.verdict
}

func allowAll() *stubGate {
	return &stubGate{verdict: ratelimit.Verdict{Allowed: true}}
}

func scoredPost(id string, relevance float64) content.ScoredItem {
	return content.ScoredItem{
		Item: content.Item{
			ID:        id,
			Kind:      content.KindPost,
			Title:     "How do I learn Python?",
			AuthorID:  "alice",
			Subreddit: "learnprogramming",
			Score:     50,
			CreatedAt: testNow.Add(-time.Hour),
		},
		RelevanceScore:  relevance,
		MatchedKeywords: []string{"python"},
		MatchedPatterns: []string{`how (do|can) i`},
	}
}

func TestDecideApproves(t *testing.T) {
	assert := assert.New(t)
	e := NewEngine(nil)
	gate := allowAll()

	d := e.Decide(scoredPost("t3_a", 0.8), 0.6, gate)

	assert.Equal(ActionRespond, d.Action)
	assert.Equal(BlockedByNone, d.BlockedBy)
	assert.Equal(ratelimit.ActionComment, d.ActionType)
	assert.Equal(0.8, d.Confidence)
	assert.True(d.Approved())
	assert.Contains(d.Reasons, "keywords: python")
	assert.Equal(1, gate.calls)
	assert.Equal(ratelimit.ActionComment, gate.last)
}

func TestDecideCommentRepliesAreComments(t *testing.T) {
	e := NewEngine(nil)
	s := scoredPost("t1_c", 0.9)
	s.Kind = content.KindComment

	d := e.Decide(s, 0.5, allowAll())
	assert.Equal(t, ActionRespond, d.Action)
	assert.Equal(t, ratelimit.ActionComment, d.ActionType)
}

func TestDecideIgnoresOnHardGate(t *testing.T) {
	assert := assert.New(t)
	e := NewEngine(nil)
	gate := allowAll()

	s := scoredPost("t3_gate", 0.99)
	s.MatchedKeywords = []string{"python", "golang", "rust"}
	s.HardGateFailures = []string{content.GateScoreTooLow}

	d := e.Decide(s, 0.1, gate)

	assert.Equal(ActionIgnore, d.Action)
	assert.Equal(BlockedByNone, d.BlockedBy)
	assert.Equal([]string{content.GateScoreTooLow}, d.Reasons)
	assert.Zero(gate.calls, "gated items must not reach the governor")
}

func TestDecideIgnoresLowConfidence(t *testing.T) {
	e := NewEngine(nil)
	gate := allowAll()

	d := e.Decide(scoredPost("t3_low", 0.4), 0.6, gate)
	assert.Equal(t, ActionIgnore, d.Action)
	assert.Equal(t, BlockedByNone, d.BlockedBy)
	assert.Equal(t, 0.4, d.Confidence)
	assert.Zero(t, gate.calls)
}

func TestDecideDefersWhenRateLimited(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	clock := func() time.Time { return testNow }
	g, err := ratelimit.NewGovernor(ratelimit.DefaultConfig(), ratelimit.WithClock(clock))
	require.NoError(err)
	for i := 0; i < 10; i++ {
		g.RecordAction(ratelimit.ActionRecord{
			ActionType: ratelimit.ActionComment,
			Subreddit:  fmt.Sprintf("sub%d", i),
			Timestamp:  testNow.Add(-time.Duration(i+1) * time.Minute),
			Success:    true,
		})
	}

	d := NewEngine(nil).Decide(scoredPost("t3_busy", 0.9), 0.6, g)

	assert.Equal(ActionDefer, d.Action)
	assert.Equal(BlockedByRateLimited, d.BlockedBy)
	require.Len(d.Reasons, 1)
	assert.Contains(d.Reasons[0], "hourly comment limit")
	assert.Positive(d.RetryAfter)
	assert.False(d.Approved())
}

func TestDecideDefersOnEmergencyStop(t *testing.T) {
	g, err := ratelimit.NewGovernor(ratelimit.DefaultConfig())
	require.NoError(t, err)
	g.EmergencyStop("error cascade")

	d := NewEngine(nil).Decide(scoredPost("t3_stop", 0.9), 0.6, g)
	assert.Equal(t, ActionDefer, d.Action)
	assert.Equal(t, []string{"emergency stop: error cascade"}, d.Reasons)
}

func TestDecideIsIdempotent(t *testing.T) {
	g, err := ratelimit.NewGovernor(ratelimit.DefaultConfig())
	require.NoError(t, err)
	e := NewEngine(nil)

	inputs := []content.ScoredItem{
		scoredPost("t3_a", 0.9),
		scoredPost("t3_b", 0.2),
		func() content.ScoredItem {
			s := scoredPost("t3_c", 0.9)
			s.HardGateFailures = []string{content.GatePostTooOld}
			return s
		}(),
	}
	for _, s := range inputs {
		first := e.Decide(s, 0.5, g)
		second := e.Decide(s, 0.5, g)
		assert.Equal(t, first, second, s.ID)
	}
}

func TestDecideOriginalPost(t *testing.T) {
	e := NewEngine(nil)

	gated := scoredPost("t3_gated", 1.0)
	gated.HardGateFailures = []string{content.GatePostTooNew}
	comment := scoredPost("t1_c", 1.0)
	comment.Kind = content.KindComment

	items := []content.ScoredItem{
		scoredPost("t3_a", 0.9),
		scoredPost("t3_b", 0.3),
		scoredPost("t3_c", 0.7),
		scoredPost("t3_d", 0.8),
		gated,
		comment,
	}

	t.Run("approved", func(t *testing.T) {
		gate := allowAll()
		d := e.DecideOriginalPost("golang", items, 0.5, 0.6, gate)

		assert.Equal(t, ActionCreatePost, d.Action)
		assert.Equal(t, ratelimit.ActionPost, d.ActionType)
		assert.Equal(t, ratelimit.ActionPost, gate.last)
		assert.Equal(t, []string{"t3_a", "t3_d", "t3_c"}, d.Inspirations)
		assert.InDelta(t, 0.8, d.Confidence, 1e-9)
	})

	t.Run("below confidence", func(t *testing.T) {
		d := e.DecideOriginalPost("golang", items, 0.5, 0.85, allowAll())
		assert.Equal(t, ActionIgnore, d.Action)
	})

	t.Run("nothing eligible", func(t *testing.T) {
		d := e.DecideOriginalPost("golang", []content.ScoredItem{gated, comment}, 0, 0.1, allowAll())
		assert.Equal(t, ActionIgnore, d.Action)
		assert.Empty(t, d.Inspirations)
	})

	t.Run("weak posts do not dilute", func(t *testing.T) {
		strong := []content.ScoredItem{scoredPost("t3_strong", 0.9917)}
		withWeak := append(strong, scoredPost("t3_weak", 0.1917))

		alone := e.DecideOriginalPost("golang", strong, 0.6, 0.6, allowAll())
		mixed := e.DecideOriginalPost("golang", withWeak, 0.6, 0.6, allowAll())

		assert.Equal(t, ActionCreatePost, mixed.Action)
		assert.Equal(t, alone.Confidence, mixed.Confidence)
		assert.Equal(t, []string{"t3_strong"}, mixed.Inspirations)
	})

	t.Run("all below relevance floor", func(t *testing.T) {
		d := e.DecideOriginalPost("golang", items, 0.95, 0.1, allowAll())
		assert.Equal(t, ActionIgnore, d.Action)
		assert.Empty(t, d.Inspirations)
	})

	t.Run("rate limited", func(t *testing.T) {
		gate := &stubGate{verdict: ratelimit.Verdict{Reason: "hourly post limit reached: 2/2"}}
		d := e.DecideOriginalPost("golang", items, 0.5, 0.6, gate)
		assert.Equal(t, ActionDefer, d.Action)
		assert.Equal(t, BlockedByRateLimited, d.BlockedBy)
	})
}

func TestReview(t *testing.T) {
	e := NewEngine(content.NewSafetyFilter([]string{"scam"}, 200))
	approved := e.Decide(scoredPost("t3_a", 0.9), 0.5, allowAll())

	ok := e.Review(approved, "Work through the official tour, then build a small CLI.")
	assert.Equal(t, approved, ok)

	blocked := e.Review(approved, "Click here for a free course")
	assert.Equal(t, ActionIgnore, blocked.Action)
	assert.Equal(t, BlockedBySafetyFilter, blocked.BlockedBy)
	assert.Len(t, blocked.Reasons, len(approved.Reasons)+1)
	assert.Equal(t, ActionRespond, approved.Action, "input decision must not change")

	ignored := e.Decide(scoredPost("t3_low", 0.1), 0.5, allowAll())
	assert.Equal(t, ignored, e.Review(ignored, ""))
}
