package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		cycles INTEGER DEFAULT 0,
		items_seen INTEGER DEFAULT 0,
		responses INTEGER DEFAULT 0,
		posts INTEGER DEFAULT 0,
		deferred INTEGER DEFAULT 0,
		errors INTEGER DEFAULT 0,
		config_digest TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);

	CREATE TABLE IF NOT EXISTS analyzed_items (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		subreddit TEXT NOT NULL,
		title TEXT,
		author_id TEXT,
		score INTEGER DEFAULT 0,
		relevance_score REAL DEFAULT 0,
		keyword_score REAL DEFAULT 0,
		pattern_score REAL DEFAULT 0,
		engagement_score REAL DEFAULT 0,
		freshness_score REAL DEFAULT 0,
		matched_keywords TEXT,
		matched_patterns TEXT,
		hard_gate_failures TEXT,
		eligible INTEGER DEFAULT 0,
		decision TEXT NOT NULL,
		blocked_by TEXT,
		confidence REAL DEFAULT 0,
		reasons TEXT,
		analyzed_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_analyzed_items_session ON analyzed_items(session_id);
	CREATE INDEX IF NOT EXISTS idx_analyzed_items_analyzed_at ON analyzed_items(analyzed_at);
	CREATE INDEX IF NOT EXISTS idx_analyzed_items_subreddit ON analyzed_items(subreddit);

	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		subreddit TEXT NOT NULL,
		parent_id TEXT,
		target_id TEXT,
		title TEXT,
		content TEXT NOT NULL,
		content_hash TEXT,
		success INTEGER DEFAULT 0,
		error TEXT,
		dry_run INTEGER DEFAULT 0,
		confidence REAL DEFAULT 0,
		response_confidence REAL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_actions_created_at ON actions(created_at);
	CREATE INDEX IF NOT EXISTS idx_actions_subreddit ON actions(subreddit);

	CREATE TABLE IF NOT EXISTS simulated_responses (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		subreddit TEXT NOT NULL,
		item_title TEXT,
		item_body TEXT,
		content TEXT NOT NULL,
		content_hash TEXT,
		relevance_score REAL DEFAULT 0,
		response_confidence REAL DEFAULT 0,
		reasons TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_simulated_responses_created_at ON simulated_responses(created_at);

	CREATE TABLE IF NOT EXISTS simulated_posts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		subreddit TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		inspirations TEXT,
		confidence REAL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_simulated_posts_created_at ON simulated_posts(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Sessions

func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, mode, started_at, cycles, items_seen, responses, posts, deferred, errors, config_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Mode, session.StartedAt.UTC(), session.Cycles, session.ItemsSeen,
		session.Responses, session.Posts, session.Deferred, session.Errors, nullString(session.ConfigDigest))

	return err
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session *Session) error {
	var endedAt sql.NullTime
	if session.EndedAt != nil {
		endedAt = sql.NullTime{Time: session.EndedAt.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, cycles = ?, items_seen = ?, responses = ?, posts = ?, deferred = ?, errors = ?
		WHERE id = ?
	`, endedAt, session.Cycles, session.ItemsSeen, session.Responses, session.Posts,
		session.Deferred, session.Errors, session.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", session.ID)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mode, started_at, ended_at, cycles, items_seen, responses, posts, deferred, errors, config_digest
		FROM sessions WHERE id = ?
	`, id)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, started_at, ended_at, cycles, items_seen, responses, posts, deferred, errors, config_digest
		FROM sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Analysis

func (s *SQLiteStore) SaveAnalyzedItem(ctx context.Context, item *AnalyzedItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.AnalyzedAt.IsZero() {
		item.AnalyzedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyzed_items (id, session_id, item_id, kind, subreddit, title, author_id, score,
			relevance_score, keyword_score, pattern_score, engagement_score, freshness_score,
			matched_keywords, matched_patterns, hard_gate_failures, eligible, decision, blocked_by,
			confidence, reasons, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.SessionID, item.ItemID, item.Kind, item.Subreddit, nullString(item.Title),
		nullString(item.AuthorID), item.Score, item.RelevanceScore, item.KeywordScore, item.PatternScore,
		item.EngagementScore, item.FreshnessScore, jsonList(item.MatchedKeywords), jsonList(item.MatchedPatterns),
		jsonList(item.HardGateFailures), boolToInt(len(item.HardGateFailures) == 0), item.Decision,
		nullString(item.BlockedBy), item.Confidence, jsonList(item.Reasons), item.AnalyzedAt.UTC())

	return err
}

func (s *SQLiteStore) ListAnalyzedItems(ctx context.Context, opts ListOptions) ([]*AnalyzedItem, error) {
	where, args := opts.filter("analyzed_at")
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, item_id, kind, subreddit, title, author_id, score,
			relevance_score, keyword_score, pattern_score, engagement_score, freshness_score,
			matched_keywords, matched_patterns, hard_gate_failures, decision, blocked_by,
			confidence, reasons, analyzed_at
		FROM analyzed_items `+where+` ORDER BY analyzed_at DESC LIMIT ?
	`, append(args, opts.limit())...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*AnalyzedItem
	for rows.Next() {
		var item AnalyzedItem
		var title, authorID, keywords, patterns, gates, blockedBy, reasons sql.NullString
		err := rows.Scan(&item.ID, &item.SessionID, &item.ItemID, &item.Kind, &item.Subreddit, &title,
			&authorID, &item.Score, &item.RelevanceScore, &item.KeywordScore, &item.PatternScore,
			&item.EngagementScore, &item.FreshnessScore, &keywords, &patterns, &gates, &item.Decision,
			&blockedBy, &item.Confidence, &reasons, &item.AnalyzedAt)
		if err != nil {
			return nil, err
		}
		item.Title = title.String
		item.AuthorID = authorID.String
		item.BlockedBy = blockedBy.String
		item.MatchedKeywords = parseList(keywords)
		item.MatchedPatterns = parseList(patterns)
		item.HardGateFailures = parseList(gates)
		item.Reasons = parseList(reasons)
		items = append(items, &item)
	}
	return items, rows.Err()
}

// Actions

func (s *SQLiteStore) SaveAction(ctx context.Context, action *Action) error {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, session_id, action_type, subreddit, parent_id, target_id, title, content,
			content_hash, success, error, dry_run, confidence, response_confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, action.ID, action.SessionID, action.ActionType, action.Subreddit, nullString(action.ParentID),
		nullString(action.TargetID), nullString(action.Title), action.Content, nullString(action.ContentHash),
		boolToInt(action.Success), nullString(action.Error), boolToInt(action.DryRun), action.Confidence,
		action.ResponseConfidence, action.CreatedAt.UTC())

	return err
}

func (s *SQLiteStore) ListActions(ctx context.Context, opts ListOptions) ([]*Action, error) {
	where, args := opts.filter("created_at")
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, action_type, subreddit, parent_id, target_id, title, content,
			content_hash, success, error, dry_run, confidence, response_confidence, created_at
		FROM actions `+where+` ORDER BY created_at DESC LIMIT ?
	`, append(args, opts.limit())...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		var a Action
		var parentID, targetID, title, hash, errText sql.NullString
		var success, dryRun int
		err := rows.Scan(&a.ID, &a.SessionID, &a.ActionType, &a.Subreddit, &parentID, &targetID, &title,
			&a.Content, &hash, &success, &errText, &dryRun, &a.Confidence, &a.ResponseConfidence, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		a.ParentID = parentID.String
		a.TargetID = targetID.String
		a.Title = title.String
		a.ContentHash = hash.String
		a.Error = errText.String
		a.Success = success == 1
		a.DryRun = dryRun == 1
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

// Passive mode

func (s *SQLiteStore) SaveSimulatedResponse(ctx context.Context, resp *SimulatedResponse) error {
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO simulated_responses (id, session_id, item_id, subreddit, item_title, item_body, content,
			content_hash, relevance_score, response_confidence, reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, resp.ID, resp.SessionID, resp.ItemID, resp.Subreddit, nullString(resp.ItemTitle), nullString(resp.ItemBody),
		resp.Content, nullString(resp.ContentHash), resp.RelevanceScore, resp.ResponseConfidence,
		jsonList(resp.Reasons), resp.CreatedAt.UTC())

	return err
}

func (s *SQLiteStore) ListSimulatedResponses(ctx context.Context, opts ListOptions) ([]*SimulatedResponse, error) {
	where, args := opts.filter("created_at")
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, item_id, subreddit, item_title, item_body, content,
			content_hash, relevance_score, response_confidence, reasons, created_at
		FROM simulated_responses `+where+` ORDER BY created_at DESC LIMIT ?
	`, append(args, opts.limit())...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SimulatedResponse
	for rows.Next() {
		var r SimulatedResponse
		var title, body, hash, reasons sql.NullString
		err := rows.Scan(&r.ID, &r.SessionID, &r.ItemID, &r.Subreddit, &title, &body, &r.Content,
			&hash, &r.RelevanceScore, &r.ResponseConfidence, &reasons, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		r.ItemTitle = title.String
		r.ItemBody = body.String
		r.ContentHash = hash.String
		r.Reasons = parseList(reasons)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveSimulatedPost(ctx context.Context, post *SimulatedPost) error {
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO simulated_posts (id, session_id, subreddit, title, body, inspirations, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, post.ID, post.SessionID, post.Subreddit, post.Title, post.Body, jsonList(post.Inspirations),
		post.Confidence, post.CreatedAt.UTC())

	return err
}

func (s *SQLiteStore) ListSimulatedPosts(ctx context.Context, opts ListOptions) ([]*SimulatedPost, error) {
	where, args := opts.filter("created_at")
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, subreddit, title, body, inspirations, confidence, created_at
		FROM simulated_posts `+where+` ORDER BY created_at DESC LIMIT ?
	`, append(args, opts.limit())...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SimulatedPost
	for rows.Next() {
		var p SimulatedPost
		var inspirations sql.NullString
		err := rows.Scan(&p.ID, &p.SessionID, &p.Subreddit, &p.Title, &p.Body, &inspirations,
			&p.Confidence, &p.CreatedAt)
		if err != nil {
			return nil, err
		}
		p.Inspirations = parseList(inspirations)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Reporting

func (s *SQLiteStore) Overview(ctx context.Context, since time.Time) (*Overview, error) {
	since = since.UTC()
	var o Overview

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE started_at >= ?`, since).Scan(&o.Sessions)
	if err != nil {
		return nil, err
	}

	var avgRelevance sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(eligible), 0),
			COALESCE(SUM(CASE WHEN decision IN ('respond', 'create_post') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN decision = 'defer' THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN eligible = 1 THEN relevance_score END)
		FROM analyzed_items WHERE analyzed_at >= ?
	`, since).Scan(&o.ItemsAnalyzed, &o.ItemsEligible, &o.Approved, &o.Deferred, &avgRelevance)
	if err != nil {
		return nil, err
	}
	o.AvgRelevance = avgRelevance.Float64

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN success = 1 AND dry_run = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(dry_run), 0)
		FROM actions WHERE created_at >= ?
	`, since).Scan(&o.ActionsSucceeded, &o.ActionsFailed, &o.DryRunActions)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM simulated_responses WHERE created_at >= ?`, since).Scan(&o.SimulatedResponses)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM simulated_posts WHERE created_at >= ?`, since).Scan(&o.SimulatedPosts)
	if err != nil {
		return nil, err
	}

	var avgConfidence sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(response_confidence) FROM (
			SELECT response_confidence FROM actions WHERE created_at >= ? AND action_type = 'comment'
			UNION ALL
			SELECT response_confidence FROM simulated_responses WHERE created_at >= ?
		)
	`, since, since).Scan(&avgConfidence)
	if err != nil {
		return nil, err
	}
	o.AvgResponseConfidence = avgConfidence.Float64

	return &o, nil
}

func (s *SQLiteStore) SubredditBreakdown(ctx context.Context, since time.Time) ([]SubredditStats, error) {
	since = since.UTC()
	stats := make(map[string]*SubredditStats)
	get := func(name string) *SubredditStats {
		st, ok := stats[name]
		if !ok {
			st = &SubredditStats{Subreddit: name}
			stats[name] = st
		}
		return st
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT subreddit, COUNT(*),
			COALESCE(SUM(CASE WHEN decision IN ('respond', 'create_post') THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN eligible = 1 THEN relevance_score END)
		FROM analyzed_items WHERE analyzed_at >= ? GROUP BY subreddit
	`, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var name string
		var analyzed, approved int
		var avg sql.NullFloat64
		if err := rows.Scan(&name, &analyzed, &approved, &avg); err != nil {
			rows.Close()
			return nil, err
		}
		st := get(name)
		st.Analyzed = analyzed
		st.Approved = approved
		st.AvgRelevance = avg.Float64
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT subreddit, SUM(is_action), SUM(is_simulated), AVG(response_confidence) FROM (
			SELECT subreddit, 1 AS is_action, 0 AS is_simulated, response_confidence
			FROM actions WHERE created_at >= ?
			UNION ALL
			SELECT subreddit, 0, 1, response_confidence
			FROM simulated_responses WHERE created_at >= ?
		) GROUP BY subreddit
	`, since, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var actions, simulated int
		var avg sql.NullFloat64
		if err := rows.Scan(&name, &actions, &simulated, &avg); err != nil {
			return nil, err
		}
		st := get(name)
		st.Actions = actions
		st.Simulated = simulated
		st.AvgResponseConfidence = avg.Float64
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]SubredditStats, 0, len(stats))
	for _, st := range stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subreddit < out[j].Subreddit })
	return out, nil
}

// Helpers

type scanner interface {
	Scan(dest ...any) error
}

func (o ListOptions) filter(timeColumn string) (string, []any) {
	var conds []string
	var args []any
	if !o.Since.IsZero() {
		conds = append(conds, timeColumn+" >= ?")
		args = append(args, o.Since.UTC())
	}
	if o.Subreddit != "" {
		conds = append(conds, "subreddit = ?")
		args = append(args, o.Subreddit)
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 || o.Limit > 500 {
		return 50
	}
	return o.Limit
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonList(list []string) sql.NullString {
	if len(list) == 0 {
		return sql.NullString{}
	}
	data, _ := json.Marshal(list)
	return sql.NullString{String: string(data), Valid: true}
}

func parseList(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var list []string
	json.Unmarshal([]byte(ns.String), &list)
	return list
}

func scanSession(row scanner) (*Session, error) {
	var session Session
	var endedAt sql.NullTime
	var digest sql.NullString

	err := row.Scan(&session.ID, &session.Mode, &session.StartedAt, &endedAt, &session.Cycles,
		&session.ItemsSeen, &session.Responses, &session.Posts, &session.Deferred, &session.Errors, &digest)
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}
	session.ConfigDigest = digest.String

	return &session, nil
}

var _ Store = (*SQLiteStore)(nil)
