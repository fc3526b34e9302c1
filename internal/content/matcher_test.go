package content

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func testRules() Rules {
	return Rules{
		Keywords:            []string{"Python", "golang", "rust"},
		Patterns:            []string{`how (do|can) i`, `\bhelp\b`},
		MinPostAgeMinutes:   5,
		MaxPostAgeHours:     24,
		MinCommentLength:    10,
		MaxExistingComments: 50,
		MinScoreThreshold:   -5,
		BannedKeywords:      []string{"crypto giveaway"},
	}
}

func testPost() Item {
	return Item{
		ID:        "t3_abc",
		Kind:      KindPost,
		Title:     "How do I learn Python?",
		Body:      "Looking for a structured path.",
		AuthorID:  "alice",
		Subreddit: "learnprogramming",
		Score:     50,
		CreatedAt: testNow.Add(-time.Hour),
	}
}

func newTestMatcher(t *testing.T, rules Rules) *Matcher {
	t.Helper()
	m, err := NewMatcher(rules, WithMatcherClock(fixedClock))
	require.NoError(t, err)
	return m
}

func TestMatchKeywordsAndPatterns(t *testing.T) {
	assert := assert.New(t)
	m := newTestMatcher(t, testRules())

	res := m.Match(testPost())
	assert.True(res.Eligible())
	assert.Equal([]string{"python"}, res.KeywordHits)
	assert.Equal([]string{`how (do|can) i`}, res.PatternHits)
	assert.Empty(res.HardGateFailures)
}

func TestMatchHardGates(t *testing.T) {
	m := newTestMatcher(t, testRules())

	tests := []struct {
		name   string
		mutate func(*Item)
		want   []string
	}{
		{
			name:   "too new",
			mutate: func(i *Item) { i.CreatedAt = testNow.Add(-time.Minute) },
			want:   []string{GatePostTooNew},
		},
		{
			name:   "too old",
			mutate: func(i *Item) { i.CreatedAt = testNow.Add(-48 * time.Hour) },
			want:   []string{GatePostTooOld},
		},
		{
			name:   "score below threshold",
			mutate: func(i *Item) { i.Score = -10 },
			want:   []string{GateScoreTooLow},
		},
		{
			name:   "too many replies",
			mutate: func(i *Item) { i.ExistingReplyCount = 51 },
			want:   []string{GateTooManyReplies},
		},
		{
			name:   "deleted author",
			mutate: func(i *Item) { i.AuthorID = DeletedAuthor },
			want:   []string{GateDeletedAuthor},
		},
		{
			name:   "banned keyword",
			mutate: func(i *Item) { i.Body = "Join the CRYPTO GIVEAWAY now" },
			want:   []string{GateBannedKeyword},
		},
		{
			name: "multiple gates reported together",
			mutate: func(i *Item) {
				i.Score = -10
				i.CreatedAt = testNow.Add(-72 * time.Hour)
			},
			want: []string{GatePostTooOld, GateScoreTooLow},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := testPost()
			tt.mutate(&item)

			res := m.Match(item)
			assert.False(t, res.Eligible())
			assert.Equal(t, tt.want, res.HardGateFailures)
			// keyword and pattern evaluation is skipped once a gate trips
			assert.Empty(t, res.KeywordHits)
			assert.Empty(t, res.PatternHits)
		})
	}
}

func TestMatchCommentLength(t *testing.T) {
	m := newTestMatcher(t, testRules())

	short := Item{
		ID:        "t1_x",
		Kind:      KindComment,
		Body:      "help?",
		AuthorID:  "bob",
		Subreddit: "golang",
		CreatedAt: testNow.Add(-time.Hour),
	}
	res := m.Match(short)
	assert.Equal(t, []string{GateCommentTooShort}, res.HardGateFailures)

	long := short
	long.Body = "can someone help me with golang channels"
	res = m.Match(long)
	assert.True(t, res.Eligible())
	assert.Equal(t, []string{"golang"}, res.KeywordHits)
	assert.Equal(t, []string{`\bhelp\b`}, res.PatternHits)
}

func TestMatchToleratesMissingOptionalFields(t *testing.T) {
	rules := testRules()
	rules.MinScoreThreshold = 0
	m := newTestMatcher(t, rules)

	item := Item{ID: "t3_min", Kind: KindPost, AuthorID: "carol", Subreddit: "golang"}
	res := m.Match(item)
	assert.True(t, res.Eligible())
	assert.Empty(t, res.KeywordHits)
}

func TestNewMatcherInvalidPattern(t *testing.T) {
	_, err := NewMatcher(Rules{Patterns: []string{"("}})
	assert.Error(t, err)
}

func TestItemValidate(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(testPost().Validate())

	missing := testPost()
	missing.ID = ""
	assert.ErrorIs(missing.Validate(), ErrMalformedItem)

	kind := testPost()
	kind.Kind = "link"
	assert.ErrorIs(kind.Validate(), ErrMalformedItem)
}
