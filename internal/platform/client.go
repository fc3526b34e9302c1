// Package platform is a client for the discussion platform's OAuth JSON API.
// It is both the content source and the publisher of the agent.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/alphabot-ai/replyguard/internal/content"
)

var (
	ErrFetch   = errors.New("fetch failed")
	ErrPublish = errors.New("publish failed")
)

// TokenProvider supplies bearer tokens
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// PublishResult is the outcome of a publish or submit call
type PublishResult struct {
	Success  bool   `json:"success"`
	TargetID string `json:"target_id,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Client talks to the platform API. Requests are paced by a token bucket
// shared by all calls.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	tokens    TokenProvider
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// WithRequestsPerMinute sets the request pacing. Zero disables pacing.
func WithRequestsPerMinute(n int) Option {
	return func(cl *Client) {
		if n <= 0 {
			cl.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		cl.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
}

// NewClient creates a platform client
func NewClient(baseURL, userAgent string, tokens TokenProvider, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		tokens:    tokens,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		logger:    log.Logger.With().Str("component", "platform").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = NewHTTPClient(30*time.Second, c.logger)
	}
	return c
}

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string  `json:"after"`
		Children []thing `json:"children"`
	} `json:"data"`
}

type thing struct {
	Kind string    `json:"kind"`
	Data thingData `json:"data"`
}

type thingData struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Title       string          `json:"title"`
	Selftext    string          `json:"selftext"`
	Body        string          `json:"body"`
	Author      string          `json:"author"`
	Subreddit   string          `json:"subreddit"`
	Score       int             `json:"score"`
	CreatedUTC  float64         `json:"created_utc"`
	NumComments int             `json:"num_comments"`
	ParentID    string          `json:"parent_id"`
	Permalink   string          `json:"permalink"`
	Replies     json.RawMessage `json:"replies"`
}

func (d thingData) toItem(kind content.Kind) content.Item {
	item := content.Item{
		ID:        d.Name,
		Kind:      kind,
		Title:     d.Title,
		Body:      d.Selftext,
		AuthorID:  d.Author,
		Subreddit: d.Subreddit,
		Score:     d.Score,
		ParentID:  d.ParentID,
		Permalink: d.Permalink,
	}
	if kind == content.KindComment {
		item.Body = d.Body
		item.ExistingReplyCount = countReplies(d.Replies)
	} else {
		item.ExistingReplyCount = d.NumComments
	}
	if d.CreatedUTC > 0 {
		item.CreatedAt = time.Unix(int64(d.CreatedUTC), 0).UTC()
	}
	return item
}

// replies is "" when a comment has none, otherwise a listing
func countReplies(raw json.RawMessage) int {
	if len(raw) == 0 || raw[0] != '{' {
		return 0
	}
	var l listing
	if err := json.Unmarshal(raw, &l); err != nil {
		return 0
	}
	n := 0
	for _, c := range l.Data.Children {
		if c.Kind == "t1" {
			n++
		}
	}
	return n
}

// FetchItems returns the newest posts of a subreddit. Malformed entries are
// skipped.
func (c *Client) FetchItems(ctx context.Context, subreddit string, limit int) ([]content.Item, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("raw_json", "1")

	var l listing
	if err := c.get(ctx, "fetch_items", "/r/"+url.PathEscape(subreddit)+"/new", q, &l); err != nil {
		return nil, err
	}

	items := make([]content.Item, 0, len(l.Data.Children))
	for _, ch := range l.Data.Children {
		if ch.Kind != "t3" {
			continue
		}
		item := ch.Data.toItem(content.KindPost)
		if err := item.Validate(); err != nil {
			c.logger.Warn().Err(err).Str("subreddit", subreddit).Msg("skipping malformed post")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// FetchComments returns the top-level comments of a post, newest first
func (c *Client) FetchComments(ctx context.Context, postID string, limit int) ([]content.Item, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", "new")
	q.Set("depth", "2")
	q.Set("raw_json", "1")

	// the comments endpoint answers with [post listing, comment listing]
	var pair []listing
	if err := c.get(ctx, "fetch_comments", "/comments/"+url.PathEscape(strings.TrimPrefix(postID, "t3_")), q, &pair); err != nil {
		return nil, err
	}
	if len(pair) < 2 {
		return nil, fmt.Errorf("%w: unexpected comments response for %s", ErrFetch, postID)
	}

	var items []content.Item
	for _, ch := range pair[1].Data.Children {
		if ch.Kind != "t1" {
			continue
		}
		item := ch.Data.toItem(content.KindComment)
		if err := item.Validate(); err != nil {
			c.logger.Warn().Err(err).Str("post_id", postID).Msg("skipping malformed comment")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Me returns the authenticated account name
func (c *Client) Me(ctx context.Context) (string, error) {
	var me struct {
		Name string `json:"name"`
	}
	if err := c.get(ctx, "me", "/api/v1/me", nil, &me); err != nil {
		return "", err
	}
	return me.Name, nil
}

type apiResponse struct {
	JSON struct {
		Errors [][]interface{} `json:"errors"`
		Data   struct {
			ID     string  `json:"id"`
			Name   string  `json:"name"`
			URL    string  `json:"url"`
			Things []thing `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

func (r apiResponse) err() error {
	if len(r.JSON.Errors) == 0 {
		return nil
	}
	parts := make([]string, 0, len(r.JSON.Errors))
	for _, e := range r.JSON.Errors {
		words := make([]string, len(e))
		for i, w := range e {
			words[i] = fmt.Sprint(w)
		}
		parts = append(parts, strings.Join(words, " "))
	}
	return errors.New(strings.Join(parts, "; "))
}

// Publish replies to a post or comment. parentID is the parent's fullname.
// A failed attempt returns Success false together with the error.
func (c *Client) Publish(ctx context.Context, subreddit, parentID, text string) (PublishResult, error) {
	form := url.Values{}
	form.Set("api_type", "json")
	form.Set("thing_id", parentID)
	form.Set("text", text)

	var resp apiResponse
	if err := c.post(ctx, "publish", "/api/comment", form, &resp); err != nil {
		return PublishResult{}, err
	}
	if err := resp.err(); err != nil {
		return PublishResult{}, fmt.Errorf("%w: r/%s: %w", ErrPublish, subreddit, err)
	}

	res := PublishResult{Success: true}
	if len(resp.JSON.Data.Things) > 0 {
		res.TargetID = resp.JSON.Data.Things[0].Data.Name
		res.URL = resp.JSON.Data.Things[0].Data.Permalink
	}
	return res, nil
}

// Submit creates a text post
func (c *Client) Submit(ctx context.Context, subreddit, title, body string) (PublishResult, error) {
	form := url.Values{}
	form.Set("api_type", "json")
	form.Set("sr", subreddit)
	form.Set("kind", "self")
	form.Set("title", title)
	form.Set("text", body)

	var resp apiResponse
	if err := c.post(ctx, "submit", "/api/submit", form, &resp); err != nil {
		return PublishResult{}, err
	}
	if err := resp.err(); err != nil {
		return PublishResult{}, fmt.Errorf("%w: r/%s: %w", ErrPublish, subreddit, err)
	}
	return PublishResult{
		Success:  true,
		TargetID: resp.JSON.Data.Name,
		URL:      resp.JSON.Data.URL,
	}, nil
}

func (c *Client) get(ctx context.Context, op, path string, q url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	if err := c.do(ctx, op, http.MethodGet, u, nil, out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFetch, op, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, form url.Values, out interface{}) error {
	if err := c.do(ctx, op, http.MethodPost, c.baseURL+path, form, out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublish, op, err)
	}
	return nil
}

// do sends one request, refreshing the token once on 401
func (c *Client) do(ctx context.Context, op, method, u string, form url.Values, out interface{}) error {
	for attempt := 0; ; attempt++ {
		status, err := c.send(ctx, method, u, form, out)
		requestCount.WithLabelValues(op, statusLabel(status, err)).Inc()
		if status == http.StatusUnauthorized && attempt == 0 && c.tokens != nil {
			c.tokens.Invalidate()
			continue
		}
		return err
	}
}

func (c *Client) send(ctx context.Context, method, u string, form url.Values, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

func statusLabel(status int, err error) string {
	if status == 0 && err != nil {
		return "error"
	}
	return strconv.Itoa(status)
}
