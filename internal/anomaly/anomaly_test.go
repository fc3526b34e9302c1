package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alphabot-ai/replyguard/internal/ratelimit"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return DefaultConfig(map[ratelimit.ActionType]int{
		ratelimit.ActionPost:    2,
		ratelimit.ActionComment: 10,
	})
}

func record(ago time.Duration, success bool, content string) ratelimit.ActionRecord {
	return ratelimit.ActionRecord{
		ActionType: ratelimit.ActionComment,
		Subreddit:  "golang",
		Timestamp:  testNow.Add(-ago),
		Success:    success,
		Content:    content,
	}
}

func TestTokenize(t *testing.T) {
	assert := assert.New(t)

	fixtures := []struct {
		text string
		out  []string
	}{
		{text: "", out: []string{}},
		{text: "Hello, World!", out: []string{"hello", "world"}},
		{text: "Café crème", out: []string{"cafe", "creme"}},
		{text: "go-routines & channels", out: []string{"go", "routines", "channels"}},
	}

	for _, fix := range fixtures {
		assert.Equal(fix.out, Tokenize(fix.text))
	}
}

func TestFingerprint(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(Fingerprint("Try the Go tour!"), Fingerprint("try the go TOUR"))
	assert.NotEqual(Fingerprint("try the go tour"), Fingerprint("try the rust book"))
	assert.Len(Fingerprint("anything"), 16)
}

func TestSimilarity(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(1.0, Similarity("a b c", "C, B, A."))
	assert.Equal(0.0, Similarity("a b", "c d"))
	assert.InDelta(0.5, Similarity("a b c", "b c d"), 1e-9)
	assert.Equal(1.0, Similarity("", "!!"))
}

func TestDetectQuietHistory(t *testing.T) {
	var history []ratelimit.ActionRecord
	for i := 0; i < 10; i++ {
		history = append(history, record(time.Duration(i)*5*time.Minute, i%3 != 0, fmt.Sprintf("distinct reply number %d about topic %d", i, i*7)))
	}
	assert.Empty(t, Detect(history, testConfig(), testNow))
}

func TestDetectActivitySpike(t *testing.T) {
	cfg := testConfig()

	// threshold is 2 * (2 + 10) = 24
	var history []ratelimit.ActionRecord
	for i := 0; i < 24; i++ {
		history = append(history, record(time.Duration(i)*time.Minute, true, ""))
	}
	assert.False(t, Detect(history, cfg, testNow).Has(ActivitySpike), "24 is not above threshold")

	history = append(history, record(30*time.Second, true, ""))
	found := Detect(history, cfg, testNow)
	assert.True(t, found.Has(ActivitySpike))
	assert.Contains(t, found.String(), "25 actions")

	// old actions do not count
	old := append([]ratelimit.ActionRecord(nil), history...)
	for i := range old {
		old[i].Timestamp = old[i].Timestamp.Add(-2 * time.Hour)
	}
	assert.False(t, Detect(old, cfg, testNow).Has(ActivitySpike))
}

func TestDetectRepetitiveContent(t *testing.T) {
	cfg := testConfig()
	same := "Start with the official Go tour and then build a small CLI tool"
	near := "start with the official go tour and then build a small cli tool!"

	tests := []struct {
		name     string
		contents []string
		want     bool
	}{
		{
			name:     "mostly unique",
			contents: []string{same, near, "read effective go", "try exercism tracks", "pair with a friend on a project"},
			want:     false, // 2 of 5 is exactly 40%
		},
		{
			name:     "mostly duplicates",
			contents: []string{same, near, same, "read effective go", "try exercism tracks"},
			want:     true,
		},
		{
			name:     "too few samples",
			contents: []string{same, same, same},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var history []ratelimit.ActionRecord
			for i, c := range tt.contents {
				history = append(history, record(time.Duration(len(tt.contents)-i)*10*time.Minute, true, c))
			}
			assert.Equal(t, tt.want, Detect(history, cfg, testNow).Has(RepetitiveContent))
		})
	}
}

func TestDetectRepetitiveContentOnlyRecent(t *testing.T) {
	cfg := testConfig()
	cfg.RecentContents = 5

	var history []ratelimit.ActionRecord
	// older duplicates fall outside the last five contents
	for i := 0; i < 5; i++ {
		history = append(history, record(time.Duration(20-i)*time.Hour, true, "same canned reply every time"))
	}
	for i := 0; i < 5; i++ {
		history = append(history, record(time.Duration(5-i)*time.Minute, true, fmt.Sprintf("fresh answer %d on subject %d", i, i*3)))
	}
	assert.False(t, Detect(history, cfg, testNow).Has(RepetitiveContent))
}

func TestDetectErrorCascade(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name    string
		history []ratelimit.ActionRecord
		want    bool
	}{
		{
			name: "five consecutive failures",
			history: []ratelimit.ActionRecord{
				record(10*time.Minute, true, ""),
				record(9*time.Minute, false, ""),
				record(8*time.Minute, false, ""),
				record(7*time.Minute, false, ""),
				record(6*time.Minute, false, ""),
				record(5*time.Minute, false, ""),
			},
			want: true,
		},
		{
			name: "broken by a success",
			history: []ratelimit.ActionRecord{
				record(9*time.Minute, false, ""),
				record(8*time.Minute, false, ""),
				record(7*time.Minute, false, ""),
				record(6*time.Minute, true, ""),
				record(5*time.Minute, false, ""),
				record(4*time.Minute, false, ""),
			},
			want: false,
		},
		{
			name: "failures outside window",
			history: []ratelimit.ActionRecord{
				record(40*time.Minute, false, ""),
				record(30*time.Minute, false, ""),
				record(20*time.Minute, false, ""),
				record(10*time.Minute, false, ""),
				record(5*time.Minute, false, ""),
			},
			want: false,
		},
		{
			name: "unordered input",
			history: []ratelimit.ActionRecord{
				record(1*time.Minute, false, ""),
				record(5*time.Minute, false, ""),
				record(3*time.Minute, false, ""),
				record(2*time.Minute, false, ""),
				record(4*time.Minute, false, ""),
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.history, cfg, testNow).Has(ErrorCascade))
		})
	}
}
