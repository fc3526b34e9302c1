package content

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Rules are the trigger options loaded from configuration. Zero values of
// MaxPostAgeHours and MaxExistingComments disable those gates.
type Rules struct {
	Keywords            []string
	Patterns            []string
	MinPostAgeMinutes   int
	MaxPostAgeHours     int
	MinCommentLength    int
	MaxExistingComments int
	MinScoreThreshold   int

	BannedKeywords []string
	MinPostLength  int
}

// Matcher evaluates Rules against content items. It is safe for concurrent
// use once constructed.
type Matcher struct {
	rules    Rules
	keywords []string
	banned   []string
	patterns []*regexp.Regexp
	now      func() time.Time
}

// MatcherOption configures a Matcher
type MatcherOption func(*Matcher)

// WithMatcherClock overrides the time source used for age gates
func WithMatcherClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) {
		m.now = now
	}
}

// NewMatcher compiles the trigger patterns. Patterns are matched
// case-insensitively and unanchored.
func NewMatcher(rules Rules, opts ...MatcherOption) (*Matcher, error) {
	m := &Matcher{
		rules:    rules,
		keywords: dedupe(rules.Keywords, true),
		banned:   dedupe(rules.BannedKeywords, true),
		now:      time.Now,
	}
	for _, p := range rules.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid trigger pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Keywords returns the normalized trigger keyword set
func (m *Matcher) Keywords() []string {
	return m.keywords
}

// Match evaluates hard gates first; keyword and pattern triggers are only
// evaluated when every gate passes. All tripped gates are reported.
func (m *Matcher) Match(item Item) MatchResult {
	var res MatchResult

	res.HardGateFailures = m.hardGates(item)
	if len(res.HardGateFailures) > 0 {
		return res
	}

	text := item.Text()
	lower := strings.ToLower(text)

	var kw []string
	for _, k := range m.keywords {
		if strings.Contains(lower, k) {
			kw = append(kw, k)
		}
	}
	res.KeywordHits = dedupe(kw, false)

	var pats []string
	for _, re := range m.patterns {
		if re.MatchString(text) {
			// report the pattern as configured, without the case flag
			pats = append(pats, strings.TrimPrefix(re.String(), "(?i)"))
		}
	}
	res.PatternHits = dedupe(pats, false)

	return res
}

func (m *Matcher) hardGates(item Item) []string {
	var failed []string

	lower := strings.ToLower(item.Text())
	for _, b := range m.banned {
		if strings.Contains(lower, b) {
			failed = append(failed, GateBannedKeyword)
			break
		}
	}

	if item.AuthorID == "" || item.AuthorID == DeletedAuthor {
		failed = append(failed, GateDeletedAuthor)
	}

	if !item.CreatedAt.IsZero() {
		age := item.Age(m.now())
		if m.rules.MinPostAgeMinutes > 0 && age < time.Duration(m.rules.MinPostAgeMinutes)*time.Minute {
			failed = append(failed, GatePostTooNew)
		}
		if m.rules.MaxPostAgeHours > 0 && age > time.Duration(m.rules.MaxPostAgeHours)*time.Hour {
			failed = append(failed, GatePostTooOld)
		}
	}

	switch item.Kind {
	case KindComment:
		if utf8.RuneCountInString(item.Body) < m.rules.MinCommentLength {
			failed = append(failed, GateCommentTooShort)
		}
	case KindPost:
		if m.rules.MinPostLength > 0 && utf8.RuneCountInString(strings.TrimSpace(item.Title+item.Body)) < m.rules.MinPostLength {
			failed = append(failed, GatePostTooShort)
		}
	}

	if m.rules.MaxExistingComments > 0 && item.ExistingReplyCount > m.rules.MaxExistingComments {
		failed = append(failed, GateTooManyReplies)
	}

	if item.Score < m.rules.MinScoreThreshold {
		failed = append(failed, GateScoreTooLow)
	}

	return failed
}
