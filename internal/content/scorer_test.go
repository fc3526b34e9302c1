package content

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const tolerance = 1e-9

func newTestScorer(opts ...ScorerOption) *Scorer {
	return NewScorer(DefaultScoringConfig(), append([]ScorerOption{WithScorerClock(fixedClock)}, opts...)...)
}

func weightedSum(s ScoredItem) float64 {
	return clamp01(WeightKeyword*s.KeywordScore +
		WeightPattern*s.PatternScore +
		WeightEngagement*s.EngagementScore +
		WeightFreshness*s.FreshnessScore)
}

func TestScoreScenario(t *testing.T) {
	assert := assert.New(t)
	m := newTestMatcher(t, testRules())
	s := newTestScorer()

	item := testPost()
	item.Title = "How do I learn Python"
	item.Body = ""
	scored := s.Score(item, m.Match(item))

	assert.InDelta(1.0/3.0, scored.KeywordScore, tolerance)
	assert.InDelta(1.0, scored.PatternScore, tolerance)
	assert.InDelta(1.0, scored.EngagementScore, tolerance)
	assert.InDelta(1-1.0/24.0, scored.FreshnessScore, tolerance)

	want := 0.30*(1.0/3.0) + 0.25*1.0 + 0.25*1.0 + 0.20*(1-1.0/24.0)
	assert.InDelta(want, scored.RelevanceScore, tolerance)
	assert.InDelta(0.7916666666, scored.RelevanceScore, 1e-6)
}

func TestScoreWeightInvariant(t *testing.T) {
	s := newTestScorer()

	for _, score := range []int{-100, -1, 0, 3, 19, 20, 500} {
		for _, age := range []time.Duration{0, time.Minute, 6 * time.Hour, 24 * time.Hour, 96 * time.Hour} {
			for kw := 0; kw <= 5; kw++ {
				for pat := 0; pat <= 2; pat++ {
					item := testPost()
					item.Score = score
					item.CreatedAt = testNow.Add(-age)
					match := MatchResult{
						KeywordHits: make([]string, kw),
						PatternHits: make([]string, pat),
					}

					scored := s.Score(item, match)
					assert.GreaterOrEqual(t, scored.RelevanceScore, 0.0)
					assert.LessOrEqual(t, scored.RelevanceScore, 1.0)
					assert.InDelta(t, weightedSum(scored), scored.RelevanceScore, tolerance)
				}
			}
		}
	}
}

func TestEngagementMonotonic(t *testing.T) {
	s := newTestScorer()
	prev := -1.0
	for score := -50; score <= 50; score++ {
		v := s.EngagementScore(score)
		assert.GreaterOrEqual(t, v, prev, "score %d", score)
		prev = v
	}
	assert.Equal(t, 0.0, s.EngagementScore(-3))
	assert.Equal(t, 1.0, s.EngagementScore(40))
}

func TestFreshnessMonotonic(t *testing.T) {
	s := newTestScorer()
	prev := 2.0
	for h := 0; h <= 48; h++ {
		v := s.FreshnessScore(time.Duration(h)*time.Hour, false)
		assert.LessOrEqual(t, v, prev, "age %dh", h)
		assert.GreaterOrEqual(t, v, 0.0)
		prev = v
	}
	assert.Equal(t, 0.0, s.FreshnessScore(0, true))
}

func TestScoreComputedDespiteHardGates(t *testing.T) {
	s := newTestScorer()
	item := testPost()
	match := MatchResult{
		KeywordHits:      []string{"a", "b", "c"},
		PatternHits:      []string{"p"},
		HardGateFailures: []string{GateScoreTooLow},
	}

	scored := s.Score(item, match)
	assert.False(t, scored.Eligible())
	assert.Greater(t, scored.RelevanceScore, 0.9)
}

type questionScorer struct{}

func (questionScorer) Name() string { return "question" }

func (questionScorer) ComputeSubScore(item Item, _ MatchResult) float64 {
	if item.Title != "" && item.Title[len(item.Title)-1] == '?' {
		return 3 // un-normalized on purpose, must be clamped
	}
	return 0
}

func TestScoreWithSubScorer(t *testing.T) {
	assert := assert.New(t)
	s := newTestScorer(WithSubScorer(questionScorer{}, 1.0))

	item := testPost()
	scored := s.Score(item, MatchResult{KeywordHits: []string{"python"}})

	assert.Equal(1.0, scored.ExtraScores["question"])
	want := (weightedSum(scored) + 1.0) / 2.0
	assert.InDelta(want, scored.RelevanceScore, tolerance)
	assert.LessOrEqual(scored.RelevanceScore, 1.0)
}

func TestNewScorerDefaults(t *testing.T) {
	s := NewScorer(ScoringConfig{})
	assert.Equal(t, DefaultScoringConfig(), s.cfg)
}
