// Package generator produces reply text through an OpenAI-compatible
// completion service, typically a local LM Studio instance.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

var (
	ErrGeneration        = errors.New("text generation failed")
	ErrGenerationTimeout = errors.New("text generation timed out")
)

type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client generates text with a chat model
type Client struct {
	llm    llms.Model
	cfg    Config
	logger zerolog.Logger
}

// New creates a client for the configured endpoint
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		// local servers ignore the key but the client requires one
		cfg.APIKey = "lm-studio"
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating generator client: %w", err)
	}
	return NewWithModel(llm, cfg), nil
}

// NewWithModel wraps an existing model
func NewWithModel(llm llms.Model, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		llm:    llm,
		cfg:    cfg,
		logger: log.Logger.With().Str("component", "generator").Logger(),
	}
}

// Generate sends a system instruction and a user prompt and returns the
// trimmed completion. Failures wrap ErrGeneration or ErrGenerationTimeout.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	msgs := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	}
	callOpts := []llms.CallOption{
		llms.WithTemperature(c.cfg.Temperature),
	}
	if c.cfg.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(c.cfg.MaxTokens))
	}

	start := time.Now()
	resp, err := c.llm.GenerateContent(ctx, msgs, callOpts...)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			generationCount.WithLabelValues("timeout").Inc()
			return "", fmt.Errorf("%w after %s: %w", ErrGenerationTimeout, elapsed.Truncate(time.Millisecond), err)
		}
		generationCount.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if len(resp.Choices) == 0 {
		generationCount.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: no choices returned", ErrGeneration)
	}

	text := cleanText(resp.Choices[0].Content)
	if text == "" {
		generationCount.WithLabelValues("empty").Inc()
		return "", fmt.Errorf("%w: empty completion", ErrGeneration)
	}

	generationCount.WithLabelValues("ok").Inc()
	generationDuration.Observe(elapsed.Seconds())
	c.logger.Debug().Dur("elapsed", elapsed).Int("chars", len(text)).Msg("generated text")
	return text, nil
}

// cleanText trims whitespace and a pair of wrapping quotes
func cleanText(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// ParsePost splits a completion of the form "TITLE: ...\nBODY: ..." into a
// title and body. Text without markers uses the first line as the title.
func ParsePost(text string) (title, body string, err error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	var bodyLines []string
	inBody := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case !inBody && hasPrefixFold(trimmed, "TITLE:"):
			title = strings.TrimSpace(trimmed[len("TITLE:"):])
		case !inBody && hasPrefixFold(trimmed, "BODY:"):
			inBody = true
			if rest := strings.TrimSpace(trimmed[len("BODY:"):]); rest != "" {
				bodyLines = append(bodyLines, rest)
			}
		case inBody:
			bodyLines = append(bodyLines, line)
		}
	}

	if title == "" && !inBody && len(lines) > 0 {
		title = strings.TrimSpace(lines[0])
		bodyLines = lines[1:]
	}
	body = strings.TrimSpace(strings.Join(bodyLines, "\n"))
	title = strings.Trim(title, `"`)

	if title == "" || body == "" {
		return "", "", fmt.Errorf("%w: completion has no title or body", ErrGeneration)
	}
	return title, body, nil
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
