// Package feed is a read-only content source backed by RSS and Atom feeds.
// Feed items are scored like posts but can never be replied to.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alphabot-ai/replyguard/internal/content"
)

var ErrUnknownFeed = errors.New("unknown feed")

// Source fetches items from named feeds
type Source struct {
	feeds  map[string]string
	parser *gofeed.Parser
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Source
type Option func(*Source)

// WithHTTPClient sets the client used to download feeds
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		s.parser.Client = c
	}
}

// WithClock overrides the time used for items without a publish date
func WithClock(now func() time.Time) Option {
	return func(s *Source) {
		s.now = now
	}
}

// NewSource creates a source. feeds maps a board name to its feed URL.
func NewSource(feeds map[string]string, opts ...Option) *Source {
	s := &Source{
		feeds:  feeds,
		parser: gofeed.NewParser(),
		now:    time.Now,
		logger: log.Logger.With().Str("component", "feed").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchItems downloads the named feed and returns up to limit entries as
// posts. Entries without a GUID or link are skipped.
func (s *Source) FetchItems(ctx context.Context, name string, limit int) ([]content.Item, error) {
	u, ok := s.feeds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, name)
	}

	parsed, err := s.parser.ParseURLWithContext(u, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", u, err)
	}

	var items []content.Item
	for _, fi := range parsed.Items {
		if limit > 0 && len(items) >= limit {
			break
		}
		guid := fi.GUID
		if guid == "" {
			guid = fi.Link
		}
		if guid == "" {
			continue
		}

		body := fi.Content
		if body == "" {
			body = fi.Description
		}
		author := parsed.Title
		if fi.Author != nil && fi.Author.Name != "" {
			author = fi.Author.Name
		}
		created := s.now()
		if fi.PublishedParsed != nil {
			created = *fi.PublishedParsed
		} else if fi.UpdatedParsed != nil {
			created = *fi.UpdatedParsed
		}

		items = append(items, content.Item{
			ID:        "feed:" + guid,
			Kind:      content.KindPost,
			Title:     strings.TrimSpace(fi.Title),
			Body:      strings.TrimSpace(body),
			AuthorID:  author,
			Subreddit: name,
			CreatedAt: created.UTC(),
			Permalink: fi.Link,
		})
	}

	s.logger.Debug().Str("feed", name).Int("items", len(items)).Msg("fetched feed")
	return items, nil
}

// FetchComments always returns nothing; feeds have no threads
func (s *Source) FetchComments(context.Context, string, int) ([]content.Item, error) {
	return nil, nil
}
