package content

import (
	"math"
	"time"
)

// Base weights of the relevance score. They sum to 1.
const (
	WeightKeyword    = 0.30
	WeightPattern    = 0.25
	WeightEngagement = 0.25
	WeightFreshness  = 0.20
)

// ScoringConfig holds the tunable normalizers of the relevance score
type ScoringConfig struct {
	ExpectedKeywordCount int
	EngagementNormalizer float64
	FreshnessWindowHours float64
}

// DefaultScoringConfig returns the normalizers used when none are configured
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		ExpectedKeywordCount: 3,
		EngagementNormalizer: 20,
		FreshnessWindowHours: 24,
	}
}

// SubScorer is an additional named signal feeding the weighted sum.
// ComputeSubScore should return a value in [0,1]; out of range values are
// clamped.
type SubScorer interface {
	Name() string
	ComputeSubScore(item Item, match MatchResult) float64
}

type weightedSubScorer struct {
	SubScorer
	weight float64
}

// Scorer combines sub-scores into a single relevance score in [0,1]
type Scorer struct {
	cfg    ScoringConfig
	extras []weightedSubScorer
	now    func() time.Time
}

// ScorerOption configures a Scorer
type ScorerOption func(*Scorer)

// WithScorerClock overrides the time source used for freshness
func WithScorerClock(now func() time.Time) ScorerOption {
	return func(s *Scorer) {
		s.now = now
	}
}

// WithSubScorer registers an extra sub-score. All weights, base and extra,
// are renormalized so they still sum to 1. Non-positive weights are ignored.
func WithSubScorer(sub SubScorer, weight float64) ScorerOption {
	return func(s *Scorer) {
		if weight > 0 {
			s.extras = append(s.extras, weightedSubScorer{SubScorer: sub, weight: weight})
		}
	}
}

// NewScorer creates a Scorer. Non-positive normalizers fall back to defaults.
func NewScorer(cfg ScoringConfig, opts ...ScorerOption) *Scorer {
	def := DefaultScoringConfig()
	if cfg.ExpectedKeywordCount <= 0 {
		cfg.ExpectedKeywordCount = def.ExpectedKeywordCount
	}
	if cfg.EngagementNormalizer <= 0 {
		cfg.EngagementNormalizer = def.EngagementNormalizer
	}
	if cfg.FreshnessWindowHours <= 0 {
		cfg.FreshnessWindowHours = def.FreshnessWindowHours
	}

	s := &Scorer{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score computes the sub-scores and the clamped weighted relevance. It is
// computed even when hard gates failed, for reporting.
func (s *Scorer) Score(item Item, match MatchResult) ScoredItem {
	now := s.now()

	scored := ScoredItem{
		Item:             item,
		KeywordScore:     s.KeywordScore(len(match.KeywordHits)),
		PatternScore:     PatternScore(len(match.PatternHits)),
		EngagementScore:  s.EngagementScore(item.Score),
		FreshnessScore:   s.FreshnessScore(item.Age(now), item.CreatedAt.IsZero()),
		MatchedKeywords:  match.KeywordHits,
		MatchedPatterns:  match.PatternHits,
		HardGateFailures: match.HardGateFailures,
		ScoredAt:         now,
	}

	total := 1.0
	for _, e := range s.extras {
		total += e.weight
	}

	sum := WeightKeyword*scored.KeywordScore +
		WeightPattern*scored.PatternScore +
		WeightEngagement*scored.EngagementScore +
		WeightFreshness*scored.FreshnessScore

	if len(s.extras) > 0 {
		scored.ExtraScores = make(map[string]float64, len(s.extras))
		for _, e := range s.extras {
			v := clamp01(e.ComputeSubScore(item, match))
			scored.ExtraScores[e.Name()] = v
			sum += e.weight * v
		}
	}

	scored.RelevanceScore = clamp01(sum / total)
	return scored
}

// KeywordScore is min(1, hits / expected)
func (s *Scorer) KeywordScore(hits int) float64 {
	expected := s.cfg.ExpectedKeywordCount
	if expected < 1 {
		expected = 1
	}
	return clamp01(float64(hits) / float64(expected))
}

// PatternScore is binary: any hit scores 1
func PatternScore(hits int) float64 {
	if hits > 0 {
		return 1
	}
	return 0
}

// EngagementScore maps the platform score onto [0,1]; negative scores floor at 0
func (s *Scorer) EngagementScore(score int) float64 {
	return clamp01(float64(score) / s.cfg.EngagementNormalizer)
}

// FreshnessScore decays linearly to 0 across the freshness window. Items
// without a creation time score 0.
func (s *Scorer) FreshnessScore(age time.Duration, unknown bool) float64 {
	if unknown {
		return 0
	}
	if age < 0 {
		age = 0
	}
	return clamp01(1 - age.Hours()/s.cfg.FreshnessWindowHours)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
