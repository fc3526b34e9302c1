package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrMissingCredentials = errors.New("missing platform credentials")
	ErrAuthFailed         = errors.New("platform authentication failed")
)

// tokens are refreshed this long before they expire
const expiryMargin = time.Minute

// Credentials are the script-app credentials used for the password grant
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
}

func (c Credentials) complete() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.Username != "" && c.Password != ""
}

// Token is a bearer token and its expiry
type Token struct {
	AccessToken string
	Scope       string
	ExpiresAt   time.Time
}

// Valid reports whether the token can still be used at now
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Add(expiryMargin).Before(t.ExpiresAt)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	Error       string `json:"error"`
}

// TokenSource fetches and caches OAuth access tokens. It is safe for
// concurrent use; at most one refresh is in flight at a time.
type TokenSource struct {
	mu       sync.Mutex
	tokenURL string
	creds    Credentials
	client   *http.Client
	token    *Token
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a TokenSource
type Option func(*TokenSource)

// WithClock overrides the time source used for expiry
func WithClock(now func() time.Time) Option {
	return func(s *TokenSource) {
		s.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *TokenSource) {
		s.logger = logger
	}
}

// NewTokenSource creates a token source for the given token endpoint
func NewTokenSource(tokenURL string, creds Credentials, client *http.Client, opts ...Option) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	s := &TokenSource{
		tokenURL: tokenURL,
		creds:    creds,
		client:   client,
		now:      time.Now,
		logger:   log.Logger.With().Str("component", "auth").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns a valid access token, requesting a new one when the cached
// token is missing or about to expire
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Valid(s.now()) {
		return s.token.AccessToken, nil
	}

	tok, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token = tok
	s.logger.Debug().Time("expires_at", tok.ExpiresAt).Msg("obtained access token")
	return tok.AccessToken, nil
}

// Invalidate drops the cached token, forcing a refresh on the next call.
// Callers use it after the API rejects a token with 401.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}

func (s *TokenSource) fetch(ctx context.Context) (*Token, error) {
	if !s.creds.complete() {
		return nil, ErrMissingCredentials
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", s.creds.Username)
	form.Set("password", s.creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.creds.ClientID, s.creds.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.creds.UserAgent != "" {
		req.Header.Set("User-Agent", s.creds.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrAuthFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrAuthFailed, err)
	}
	// the token endpoint reports bad credentials with a 200 and an error field
	if tr.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, tr.Error)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrAuthFailed)
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Token{
		AccessToken: tr.AccessToken,
		Scope:       tr.Scope,
		ExpiresAt:   s.now().Add(ttl),
	}, nil
}
