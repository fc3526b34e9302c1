package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/alphabot-ai/replyguard/internal/anomaly"
	"github.com/alphabot-ai/replyguard/internal/content"
	"github.com/alphabot-ai/replyguard/internal/ratelimit"
)

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates nesting levels: REPLYGUARD_PLATFORM__USERNAME sets
// platform.username.
const EnvPrefix = "REPLYGUARD_"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Platform     PlatformConfig     `koanf:"platform"`
	Generator    GeneratorConfig    `koanf:"generator"`
	Subreddits   []SubredditConfig  `koanf:"subreddits"`
	Feeds        []FeedConfig       `koanf:"feeds"`
	Triggers     TriggersConfig     `koanf:"triggers"`
	Scoring      ScoringConfig      `koanf:"scoring"`
	Safety       SafetyConfig       `koanf:"safety"`
	Anomaly      AnomalyConfig      `koanf:"anomaly"`
	Instructions InstructionsConfig `koanf:"instructions"`
	Mode         ModeConfig         `koanf:"mode"`
	Agent        AgentConfig        `koanf:"agent"`
	Storage      StorageConfig      `koanf:"storage"`
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// PlatformConfig holds the script-app OAuth credentials and API endpoints
type PlatformConfig struct {
	BaseURL           string        `koanf:"base_url"`
	AuthURL           string        `koanf:"auth_url"`
	ClientID          string        `koanf:"client_id"`
	ClientSecret      string        `koanf:"client_secret"`
	Username          string        `koanf:"username"`
	Password          string        `koanf:"password"`
	UserAgent         string        `koanf:"user_agent"`
	RequestsPerMinute int           `koanf:"requests_per_minute"`
	Timeout           time.Duration `koanf:"timeout"`
}

// GeneratorConfig points at an OpenAI-compatible completion service
type GeneratorConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	APIKey      string        `koanf:"api_key"`
	Temperature float64       `koanf:"temperature"`
	MaxTokens   int           `koanf:"max_tokens"`
	Timeout     time.Duration `koanf:"timeout"`
}

type SubredditConfig struct {
	Name              string `koanf:"name"`
	Enabled           bool   `koanf:"enabled"`
	PostEnabled       bool   `koanf:"post_enabled"`
	CommentEnabled    bool   `koanf:"comment_enabled"`
	MaxPostsPerDay    int    `koanf:"max_posts_per_day"`
	MaxCommentsPerDay int    `koanf:"max_comments_per_day"`
}

// FeedConfig is a read-only RSS/Atom source scored under a board name
type FeedConfig struct {
	Name    string `koanf:"name"`
	URL     string `koanf:"url"`
	Enabled bool   `koanf:"enabled"`
}

type TriggersConfig struct {
	Keywords            []string `koanf:"keywords"`
	Patterns            []string `koanf:"patterns"`
	MinPostAgeMinutes   int      `koanf:"min_post_age_minutes"`
	MaxPostAgeHours     int      `koanf:"max_post_age_hours"`
	MinCommentLength    int      `koanf:"min_comment_length"`
	MaxExistingComments int      `koanf:"max_existing_comments"`
}

type ScoringConfig struct {
	ExpectedKeywordCount int     `koanf:"expected_keyword_count"`
	EngagementNormalizer float64 `koanf:"engagement_normalizer"`
	FreshnessWindowHours float64 `koanf:"freshness_window_hours"`
	MinConfidencePost    float64 `koanf:"min_confidence_post"`
	MinConfidenceComment float64 `koanf:"min_confidence_comment"`
	MinConfidenceCreate  float64 `koanf:"min_confidence_create"`
}

type SafetyConfig struct {
	MaxPostsPerHour      int           `koanf:"max_posts_per_hour"`
	MaxCommentsPerHour   int           `koanf:"max_comments_per_hour"`
	MaxActionsPerDay     int           `koanf:"max_actions_per_day"`
	MinDelayBetween      time.Duration `koanf:"min_delay_between_actions"`
	BannedKeywords       []string      `koanf:"banned_keywords"`
	MinPostLength        int           `koanf:"min_post_length"`
	MaxResponseLength    int           `koanf:"max_response_length"`
	MinScoreThreshold    int           `koanf:"min_score_threshold"`
	PostsPerSubredditDay int           `koanf:"max_posts_per_subreddit_day"`
	CommentsPerSubDay    int           `koanf:"max_comments_per_subreddit_day"`
}

type AnomalyConfig struct {
	Enabled             bool          `koanf:"enabled"`
	SpikeMultiplier     float64       `koanf:"spike_multiplier"`
	RecentContents      int           `koanf:"recent_contents"`
	SimilarityThreshold float64       `koanf:"similarity_threshold"`
	RepetitiveFraction  float64       `koanf:"repetitive_fraction"`
	CascadeLength       int           `koanf:"cascade_length"`
	CascadeWindow       time.Duration `koanf:"cascade_window"`
}

// InstructionsConfig holds the system prompt given to the generator, with
// optional per-board overrides
type InstructionsConfig struct {
	Global     string            `koanf:"global"`
	Subreddits map[string]string `koanf:"subreddits"`
}

type ModeConfig struct {
	DryRun      bool `koanf:"dry_run"`
	MonitorOnly bool `koanf:"monitor_only"`
	Passive     bool `koanf:"passive"`
}

type AgentConfig struct {
	CycleInterval    time.Duration `koanf:"cycle_interval"`
	FetchLimit       int           `koanf:"fetch_limit"`
	CommentScanPosts int           `koanf:"comment_scan_posts"`
	CommentLimit     int           `koanf:"comment_limit"`
	ProcessedCache   int           `koanf:"processed_cache"`
	CreatePosts      bool          `koanf:"create_posts"`
}

type StorageConfig struct {
	DatabasePath string `koanf:"database_path"`
}

type ServerConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Addr        string `koanf:"addr"`
	AdminSecret string `koanf:"admin_secret"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaults are loaded before the file and environment
var defaults = map[string]interface{}{
	"platform.base_url":            "https://oauth.reddit.com",
	"platform.auth_url":            "https://www.reddit.com/api/v1/access_token",
	"platform.user_agent":          "replyguard/0.1",
	"platform.requests_per_minute": 60,
	"platform.timeout":             "30s",

	"generator.base_url":    "http://localhost:1234/v1",
	"generator.api_key":     "lm-studio",
	"generator.temperature": 0.7,
	"generator.max_tokens":  500,
	"generator.timeout":     "60s",

	"triggers.min_post_age_minutes":  5,
	"triggers.max_post_age_hours":    24,
	"triggers.min_comment_length":    10,
	"triggers.max_existing_comments": 50,

	"scoring.expected_keyword_count": 3,
	"scoring.engagement_normalizer":  20,
	"scoring.freshness_window_hours": 24,
	"scoring.min_confidence_post":    0.6,
	"scoring.min_confidence_comment": 0.5,
	"scoring.min_confidence_create":  0.6,

	"safety.max_posts_per_hour":             2,
	"safety.max_comments_per_hour":          10,
	"safety.max_actions_per_day":            50,
	"safety.min_delay_between_actions":      "120s",
	"safety.min_post_length":                20,
	"safety.max_response_length":            1000,
	"safety.min_score_threshold":            0,
	"safety.max_posts_per_subreddit_day":    2,
	"safety.max_comments_per_subreddit_day": 10,

	"anomaly.enabled":              true,
	"anomaly.spike_multiplier":     2,
	"anomaly.recent_contents":      20,
	"anomaly.similarity_threshold": 0.85,
	"anomaly.repetitive_fraction":  0.4,
	"anomaly.cascade_length":       5,
	"anomaly.cascade_window":       "15m",

	"instructions.global": "You are a helpful, concise community member. Answer the question directly and stay on topic.",

	"mode.dry_run": true,

	"agent.cycle_interval":     "5m",
	"agent.fetch_limit":        25,
	"agent.comment_scan_posts": 5,
	"agent.comment_limit":      20,
	"agent.processed_cache":    10000,

	"storage.database_path": "replyguard.db",

	"server.addr": "127.0.0.1:8080",

	"logging.level":  "info",
	"logging.format": "console",
}

// DefaultPaths are tried in order when no config path is given
var DefaultPaths = []string{"./replyguard.yaml", "./config/config.yaml", "$HOME/.replyguard.yaml"}

// Load reads defaults, then the YAML file, then REPLYGUARD_ environment
// overrides. An empty path tries DefaultPaths; a missing explicit path is an
// error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	} else {
		for _, p := range DefaultPaths {
			p = os.ExpandEnv(p)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config %s: %w", p, err)
			}
			break
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects configuration the agent cannot run with. Credentials
// are only required when the agent may publish.
func (c *Config) Validate() error {
	var errs []error

	if c.Safety.MaxPostsPerHour <= 0 {
		errs = append(errs, errors.New("safety.max_posts_per_hour must be positive"))
	}
	if c.Safety.MaxCommentsPerHour <= 0 {
		errs = append(errs, errors.New("safety.max_comments_per_hour must be positive"))
	}
	if c.Safety.MinDelayBetween < 0 {
		errs = append(errs, errors.New("safety.min_delay_between_actions must not be negative"))
	}

	for name, v := range map[string]float64{
		"scoring.min_confidence_post":    c.Scoring.MinConfidencePost,
		"scoring.min_confidence_comment": c.Scoring.MinConfidenceComment,
		"scoring.min_confidence_create":  c.Scoring.MinConfidenceCreate,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}

	if len(c.Subreddits) == 0 && len(c.Feeds) == 0 {
		errs = append(errs, errors.New("at least one subreddit or feed is required"))
	}
	seen := make(map[string]bool)
	for i, s := range c.Subreddits {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("subreddits[%d].name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("subreddit %s listed twice", s.Name))
		}
		seen[s.Name] = true
	}
	for i, f := range c.Feeds {
		if f.Name == "" || f.URL == "" {
			errs = append(errs, fmt.Errorf("feeds[%d] needs name and url", i))
		}
	}

	if c.Agent.CycleInterval <= 0 {
		errs = append(errs, errors.New("agent.cycle_interval must be positive"))
	}
	if c.Agent.FetchLimit <= 0 || c.Agent.FetchLimit > 100 {
		errs = append(errs, fmt.Errorf("agent.fetch_limit must be within 1..100, got %d", c.Agent.FetchLimit))
	}

	if c.Publishes() {
		for name, v := range map[string]string{
			"platform.client_id":     c.Platform.ClientID,
			"platform.client_secret": c.Platform.ClientSecret,
			"platform.username":      c.Platform.Username,
			"platform.password":      c.Platform.Password,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s is required to publish", name))
			}
		}
	}
	if c.Platform.UserAgent == "" {
		errs = append(errs, errors.New("platform.user_agent is required"))
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required when the server is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Publishes reports whether the configured mode may write to the platform
func (c *Config) Publishes() bool {
	return !c.Mode.DryRun && !c.Mode.MonitorOnly && !c.Mode.Passive
}

// EnabledSubreddits returns the boards the agent should monitor
func (c *Config) EnabledSubreddits() []SubredditConfig {
	var out []SubredditConfig
	for _, s := range c.Subreddits {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// ToRules builds the trigger rules for the matcher
func (c *Config) ToRules() content.Rules {
	return content.Rules{
		Keywords:            c.Triggers.Keywords,
		Patterns:            c.Triggers.Patterns,
		MinPostAgeMinutes:   c.Triggers.MinPostAgeMinutes,
		MaxPostAgeHours:     c.Triggers.MaxPostAgeHours,
		MinCommentLength:    c.Triggers.MinCommentLength,
		MaxExistingComments: c.Triggers.MaxExistingComments,
		MinScoreThreshold:   c.Safety.MinScoreThreshold,
		BannedKeywords:      c.Safety.BannedKeywords,
		MinPostLength:       c.Safety.MinPostLength,
	}
}

// ToScoring builds the scorer normalizers
func (c *Config) ToScoring() content.ScoringConfig {
	return content.ScoringConfig{
		ExpectedKeywordCount: c.Scoring.ExpectedKeywordCount,
		EngagementNormalizer: c.Scoring.EngagementNormalizer,
		FreshnessWindowHours: c.Scoring.FreshnessWindowHours,
	}
}

// ToGovernor builds the rate governor limits. Per-board daily caps from the
// subreddit list override the global per-board caps.
func (c *Config) ToGovernor() ratelimit.Config {
	rc := ratelimit.DefaultConfig()
	rc.BaseLimits = map[ratelimit.ActionType]int{
		ratelimit.ActionPost:    c.Safety.MaxPostsPerHour,
		ratelimit.ActionComment: c.Safety.MaxCommentsPerHour,
	}
	rc.SubredditDelay = c.Safety.MinDelayBetween
	rc.MaxActionsPerDay = c.Safety.MaxActionsPerDay
	rc.SubredditDailyLimits = map[ratelimit.ActionType]int{
		ratelimit.ActionPost:    c.Safety.PostsPerSubredditDay,
		ratelimit.ActionComment: c.Safety.CommentsPerSubDay,
	}

	for _, s := range c.Subreddits {
		caps := make(map[ratelimit.ActionType]int)
		if s.MaxPostsPerDay > 0 {
			caps[ratelimit.ActionPost] = s.MaxPostsPerDay
		}
		if s.MaxCommentsPerDay > 0 {
			caps[ratelimit.ActionComment] = s.MaxCommentsPerDay
		}
		if len(caps) == 0 {
			continue
		}
		if rc.SubredditCaps == nil {
			rc.SubredditCaps = make(map[string]map[ratelimit.ActionType]int)
		}
		rc.SubredditCaps[s.Name] = caps
	}
	return rc
}

// ToAnomaly builds the detector thresholds
func (c *Config) ToAnomaly() anomaly.Config {
	ac := anomaly.DefaultConfig(c.ToGovernor().BaseLimits)
	ac.SpikeMultiplier = c.Anomaly.SpikeMultiplier
	ac.RecentContents = c.Anomaly.RecentContents
	ac.SimilarityThreshold = c.Anomaly.SimilarityThreshold
	ac.RepetitiveFraction = c.Anomaly.RepetitiveFraction
	ac.CascadeLength = c.Anomaly.CascadeLength
	ac.CascadeWindow = c.Anomaly.CascadeWindow
	return ac
}
