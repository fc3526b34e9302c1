// Package anomaly inspects the action history for patterns that should halt
// the agent. Detection never enforces anything; the caller decides whether a
// finding warrants an emergency stop.
package anomaly

import (
	"fmt"
	"strings"
	"time"

	"github.com/alphabot-ai/replyguard/internal/ratelimit"
)

// Kind identifies an anomaly
type Kind string

const (
	ActivitySpike     Kind = "activity_spike"
	RepetitiveContent Kind = "repetitive_content"
	ErrorCascade      Kind = "error_cascade"
)

// Config holds the detection thresholds
type Config struct {
	// BaseLimits are the governor's hourly base limits; the spike threshold
	// is SpikeMultiplier times their sum
	BaseLimits      map[ratelimit.ActionType]int
	SpikeMultiplier float64
	SpikeWindow     time.Duration

	RecentContents      int
	MinContents         int
	SimilarityThreshold float64
	RepetitiveFraction  float64

	CascadeLength int
	CascadeWindow time.Duration
}

// DefaultConfig returns the standard thresholds for the given base limits
func DefaultConfig(baseLimits map[ratelimit.ActionType]int) Config {
	return Config{
		BaseLimits:          baseLimits,
		SpikeMultiplier:     2,
		SpikeWindow:         time.Hour,
		RecentContents:      20,
		MinContents:         5,
		SimilarityThreshold: 0.85,
		RepetitiveFraction:  0.40,
		CascadeLength:       5,
		CascadeWindow:       15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.BaseLimits)
	if c.SpikeMultiplier <= 0 {
		c.SpikeMultiplier = def.SpikeMultiplier
	}
	if c.SpikeWindow <= 0 {
		c.SpikeWindow = def.SpikeWindow
	}
	if c.RecentContents <= 0 {
		c.RecentContents = def.RecentContents
	}
	if c.MinContents < 2 {
		c.MinContents = 2
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = def.SimilarityThreshold
	}
	if c.RepetitiveFraction <= 0 {
		c.RepetitiveFraction = def.RepetitiveFraction
	}
	if c.CascadeLength <= 0 {
		c.CascadeLength = def.CascadeLength
	}
	if c.CascadeWindow <= 0 {
		c.CascadeWindow = def.CascadeWindow
	}
	return c
}

// Finding is one detected anomaly
type Finding struct {
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail"`
}

// Findings is the set of anomalies detected in one pass
type Findings []Finding

// Has reports whether the set contains kind
func (f Findings) Has(kind Kind) bool {
	for _, x := range f {
		if x.Kind == kind {
			return true
		}
	}
	return false
}

// String joins the details, for use as an emergency stop reason
func (f Findings) String() string {
	parts := make([]string, len(f))
	for i, x := range f {
		parts[i] = x.Detail
	}
	return strings.Join(parts, "; ")
}

// Detect evaluates the history against all anomaly rules. history may be in
// any order; it is not modified.
func Detect(history []ratelimit.ActionRecord, cfg Config, now time.Time) Findings {
	cfg = cfg.withDefaults()
	sorted := ratelimit.SortedByTime(history)

	var out Findings
	if f, ok := detectSpike(sorted, cfg, now); ok {
		out = append(out, f)
	}
	if f, ok := detectRepetition(sorted, cfg); ok {
		out = append(out, f)
	}
	if f, ok := detectCascade(sorted, cfg, now); ok {
		out = append(out, f)
	}
	return out
}

func detectSpike(history []ratelimit.ActionRecord, cfg Config, now time.Time) (Finding, bool) {
	sum := 0
	for _, v := range cfg.BaseLimits {
		sum += v
	}
	if sum == 0 {
		return Finding{}, false
	}
	threshold := cfg.SpikeMultiplier * float64(sum)

	cutoff := now.Add(-cfg.SpikeWindow)
	n := 0
	for _, r := range history {
		if r.Timestamp.After(cutoff) && !r.Timestamp.After(now) {
			n++
		}
	}
	if float64(n) <= threshold {
		return Finding{}, false
	}
	return Finding{
		Kind:   ActivitySpike,
		Detail: fmt.Sprintf("activity spike: %d actions in the last %s (threshold %.0f)", n, cfg.SpikeWindow, threshold),
	}, true
}

func detectRepetition(history []ratelimit.ActionRecord, cfg Config) (Finding, bool) {
	var contents []string
	for i := len(history) - 1; i >= 0 && len(contents) < cfg.RecentContents; i-- {
		if strings.TrimSpace(history[i].Content) != "" {
			contents = append(contents, history[i].Content)
		}
	}
	if len(contents) < cfg.MinContents {
		return Finding{}, false
	}

	sets := make([]map[string]struct{}, len(contents))
	for i, c := range contents {
		sets[i] = tokenSet(c)
	}

	dup := make([]bool, len(contents))
	for i := range sets {
		for j := i + 1; j < len(sets); j++ {
			if jaccard(sets[i], sets[j]) >= cfg.SimilarityThreshold {
				dup[i], dup[j] = true, true
			}
		}
	}
	n := 0
	for _, d := range dup {
		if d {
			n++
		}
	}

	frac := float64(n) / float64(len(contents))
	if frac <= cfg.RepetitiveFraction {
		return Finding{}, false
	}
	return Finding{
		Kind:   RepetitiveContent,
		Detail: fmt.Sprintf("repetitive content: %d of last %d responses are near-duplicates", n, len(contents)),
	}, true
}

func detectCascade(history []ratelimit.ActionRecord, cfg Config, now time.Time) (Finding, bool) {
	cutoff := now.Add(-cfg.CascadeWindow)
	run, longest := 0, 0
	for _, r := range history {
		if !r.Timestamp.After(cutoff) || r.Timestamp.After(now) {
			continue
		}
		if r.Success {
			run = 0
			continue
		}
		run++
		longest = max(longest, run)
	}
	if longest < cfg.CascadeLength {
		return Finding{}, false
	}
	return Finding{
		Kind:   ErrorCascade,
		Detail: fmt.Sprintf("error cascade: %d consecutive failures in the last %s", longest, cfg.CascadeWindow),
	}, true
}
