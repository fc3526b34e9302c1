package store

import "time"

// Session is one run of the agent
type Session struct {
	ID           string     `json:"id"`
	Mode         string     `json:"mode"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Cycles       int        `json:"cycles"`
	ItemsSeen    int        `json:"items_seen"`
	Responses    int        `json:"responses"`
	Posts        int        `json:"posts"`
	Deferred     int        `json:"deferred"`
	Errors       int        `json:"errors"`
	ConfigDigest string     `json:"config_digest,omitempty"`
}

// AnalyzedItem is a scored item together with the decision taken on it
type AnalyzedItem struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	ItemID           string    `json:"item_id"`
	Kind             string    `json:"kind"`
	Subreddit        string    `json:"subreddit"`
	Title            string    `json:"title,omitempty"`
	AuthorID         string    `json:"author_id,omitempty"`
	Score            int       `json:"score"`
	RelevanceScore   float64   `json:"relevance_score"`
	KeywordScore     float64   `json:"keyword_score"`
	PatternScore     float64   `json:"pattern_score"`
	EngagementScore  float64   `json:"engagement_score"`
	FreshnessScore   float64   `json:"freshness_score"`
	MatchedKeywords  []string  `json:"matched_keywords,omitempty"`
	MatchedPatterns  []string  `json:"matched_patterns,omitempty"`
	HardGateFailures []string  `json:"hard_gate_failures,omitempty"`
	Decision         string    `json:"decision"`
	BlockedBy        string    `json:"blocked_by,omitempty"`
	Confidence       float64   `json:"confidence"`
	Reasons          []string  `json:"reasons,omitempty"`
	AnalyzedAt       time.Time `json:"analyzed_at"`
}

// Action is an attempted publish. DryRun actions were gated and logged
// but never sent.
type Action struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	ActionType         string    `json:"action_type"`
	Subreddit          string    `json:"subreddit"`
	ParentID           string    `json:"parent_id,omitempty"`
	TargetID           string    `json:"target_id,omitempty"`
	Title              string    `json:"title,omitempty"`
	Content            string    `json:"content"`
	ContentHash        string    `json:"content_hash,omitempty"`
	Success            bool      `json:"success"`
	Error              string    `json:"error,omitempty"`
	DryRun             bool      `json:"dry_run"`
	Confidence         float64   `json:"confidence"`
	ResponseConfidence float64   `json:"response_confidence"`
	CreatedAt          time.Time `json:"created_at"`
}

// SimulatedResponse is a reply generated in passive mode
type SimulatedResponse struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	ItemID             string    `json:"item_id"`
	Subreddit          string    `json:"subreddit"`
	ItemTitle          string    `json:"item_title,omitempty"`
	ItemBody           string    `json:"item_body,omitempty"`
	Content            string    `json:"content"`
	ContentHash        string    `json:"content_hash,omitempty"`
	RelevanceScore     float64   `json:"relevance_score"`
	ResponseConfidence float64   `json:"response_confidence"`
	Reasons            []string  `json:"reasons,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// SimulatedPost is an original post generated in passive mode
type SimulatedPost struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Subreddit    string    `json:"subreddit"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Inspirations []string  `json:"inspirations,omitempty"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
}

// Overview aggregates history since a point in time
type Overview struct {
	Sessions              int     `json:"sessions"`
	ItemsAnalyzed         int     `json:"items_analyzed"`
	ItemsEligible         int     `json:"items_eligible"`
	Approved              int     `json:"approved"`
	Deferred              int     `json:"deferred"`
	ActionsSucceeded      int     `json:"actions_succeeded"`
	ActionsFailed         int     `json:"actions_failed"`
	DryRunActions         int     `json:"dry_run_actions"`
	SimulatedResponses    int     `json:"simulated_responses"`
	SimulatedPosts        int     `json:"simulated_posts"`
	AvgRelevance          float64 `json:"avg_relevance"`
	AvgResponseConfidence float64 `json:"avg_response_confidence"`
}

// SubredditStats is the per-board breakdown of an Overview
type SubredditStats struct {
	Subreddit             string  `json:"subreddit"`
	Analyzed              int     `json:"analyzed"`
	Approved              int     `json:"approved"`
	Actions               int     `json:"actions"`
	Simulated             int     `json:"simulated"`
	AvgRelevance          float64 `json:"avg_relevance"`
	AvgResponseConfidence float64 `json:"avg_response_confidence"`
}

// ListOptions bounds list queries
type ListOptions struct {
	Since     time.Time
	Subreddit string
	Limit     int
}
