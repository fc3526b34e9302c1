package content

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// phrases that mark generated text as promotional
var promotionalPhrases = []string{"buy now", "click here", "advertisement", "limited offer"}

// phrases that give away a canned assistant reply
var disclaimerPhrases = []string{"i am an ai", "as an ai", "i cannot", "i don't know"}

// SafetyFilter screens generated text before it is published
type SafetyFilter struct {
	banned    []string
	maxLength int
}

// NewSafetyFilter creates a filter. A maxLength of zero disables the length check.
func NewSafetyFilter(bannedKeywords []string, maxLength int) *SafetyFilter {
	return &SafetyFilter{
		banned:    dedupe(bannedKeywords, true),
		maxLength: maxLength,
	}
}

// Check returns false with a reason when text must not be published
func (f *SafetyFilter) Check(text string) (bool, string) {
	if strings.TrimSpace(text) == "" {
		return false, "generated content is empty"
	}

	lower := strings.ToLower(text)
	for _, b := range f.banned {
		if strings.Contains(lower, b) {
			return false, fmt.Sprintf("generated content contains banned keyword %q", b)
		}
	}
	for _, p := range promotionalPhrases {
		if strings.Contains(lower, p) {
			return false, fmt.Sprintf("generated content looks promotional (%q)", p)
		}
	}

	if f.maxLength > 0 {
		if n := utf8.RuneCountInString(text); n > f.maxLength {
			return false, fmt.Sprintf("generated content too long: %d > %d characters", n, f.maxLength)
		}
	}

	return true, ""
}

// ResponseConfidence estimates the quality of a generated reply in [0,1]:
// moderate length, keyword echo, multiple sentences and an engaging question
// raise it; assistant disclaimers lower it.
func ResponseConfidence(response string, keywords []string) float64 {
	trimmed := strings.TrimSpace(response)
	n := utf8.RuneCountInString(trimmed)

	var c float64
	switch {
	case n >= 50 && n <= 500:
		c += 0.3
	case n >= 20 && n < 50:
		c += 0.1
	case n > 500:
		c += 0.1
	}

	lower := strings.ToLower(trimmed)
	hits := 0
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			hits++
		}
	}
	if hits > 0 {
		c += min(float64(hits)*0.1, 0.3)
	}

	if len(strings.Split(trimmed, ".")) >= 2 {
		c += 0.2
	}

	if strings.Contains(trimmed, "?") {
		c += 0.1
	}

	for _, p := range disclaimerPhrases {
		if strings.Contains(lower, p) {
			c -= 0.3
			break
		}
	}

	return clamp01(c)
}
