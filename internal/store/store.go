package store

import (
	"context"
	"time"
)

// Store defines the interface for history persistence
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	UpdateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	// Analysis
	SaveAnalyzedItem(ctx context.Context, item *AnalyzedItem) error
	ListAnalyzedItems(ctx context.Context, opts ListOptions) ([]*AnalyzedItem, error)

	// Actions
	SaveAction(ctx context.Context, action *Action) error
	ListActions(ctx context.Context, opts ListOptions) ([]*Action, error)

	// Passive mode
	SaveSimulatedResponse(ctx context.Context, resp *SimulatedResponse) error
	ListSimulatedResponses(ctx context.Context, opts ListOptions) ([]*SimulatedResponse, error)
	SaveSimulatedPost(ctx context.Context, post *SimulatedPost) error
	ListSimulatedPosts(ctx context.Context, opts ListOptions) ([]*SimulatedPost, error)

	// Reporting
	Overview(ctx context.Context, since time.Time) (*Overview, error)
	SubredditBreakdown(ctx context.Context, since time.Time) ([]SubredditStats, error)

	// Lifecycle
	Close() error
}
