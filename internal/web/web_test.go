package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alphabot-ai/replyguard/internal/store"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func setupTestHandler(t *testing.T) (*Handler, *store.SQLiteStore, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "replyguard-web-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()

	sqliteStore, err := store.NewSQLiteStore(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("failed to create store: %v", err)
	}

	handler, err := NewHandler(sqliteStore, WithClock(func() time.Time { return testNow }))
	if err != nil {
		sqliteStore.Close()
		os.Remove(tmpFile.Name())
		t.Fatalf("failed to create handler: %v", err)
	}

	cleanup := func() {
		sqliteStore.Close()
		os.Remove(tmpFile.Name())
	}

	return handler, sqliteStore, cleanup
}

func seedHistory(t *testing.T, s *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	at := testNow.Add(-time.Hour)

	session := &store.Session{Mode: "passive", StartedAt: at, Cycles: 4}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	s.SaveAnalyzedItem(ctx, &store.AnalyzedItem{
		SessionID: session.ID, ItemID: "t3_abc", Kind: "post", Subreddit: "golang",
		RelevanceScore: 0.8, Decision: "respond", AnalyzedAt: at,
	})
	s.SaveSimulatedResponse(ctx, &store.SimulatedResponse{
		SessionID: session.ID, ItemID: "t3_abc", Subreddit: "golang",
		ItemTitle: "How do I learn Go?", Content: "Start with <b>the tour</b>.",
		RelevanceScore: 0.8, ResponseConfidence: 0.75, CreatedAt: at,
	})
	s.SaveSimulatedPost(ctx, &store.SimulatedPost{
		SessionID: session.ID, Subreddit: "golang", Title: "Weekly Go tips",
		Body: "Use the race detector.", Confidence: 0.7, CreatedAt: at,
	})
}

func TestNewHandler(t *testing.T) {
	handler, _, cleanup := setupTestHandler(t)
	defer cleanup()

	if handler.templates == nil {
		t.Fatal("templates should not be nil")
	}
	if len(handler.templates) != 1 {
		t.Errorf("expected 1 template, got %d", len(handler.templates))
	}
}

func TestReport(t *testing.T) {
	handler, sqliteStore, cleanup := setupTestHandler(t)
	defer cleanup()
	seedHistory(t, sqliteStore)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantInBody []string
	}{
		{
			name:       "default window",
			path:       "/report",
			wantStatus: http.StatusOK,
			wantInBody: []string{"replyguard report", "r/golang", "How do I learn Go?", "Weekly Go tips", "0.80", "100%"},
		},
		{
			name:       "escapes generated text",
			path:       "/report",
			wantStatus: http.StatusOK,
			wantInBody: []string{"Start with &lt;b&gt;the tour&lt;/b&gt;."},
		},
		{
			name:       "zero window",
			path:       "/report?hours=0",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad window",
			path:       "/report?hours=abc",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()

			handler.Report(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			body := rec.Body.String()
			for _, want := range tt.wantInBody {
				if !strings.Contains(body, want) {
					t.Errorf("body should contain %q", want)
				}
			}
		})
	}
}

func TestReportJSON(t *testing.T) {
	handler, sqliteStore, cleanup := setupTestHandler(t)
	defer cleanup()
	seedHistory(t, sqliteStore)

	req := httptest.NewRequest(http.MethodGet, "/report?format=json", nil)
	rec := httptest.NewRecorder()

	handler.Report(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var got struct {
		Overview store.Overview `json:"overview"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if got.Overview.SimulatedResponses != 1 || got.Overview.SimulatedPosts != 1 {
		t.Errorf("unexpected overview: %+v", got.Overview)
	}
}

func TestReportExcludesOldHistory(t *testing.T) {
	handler, sqliteStore, cleanup := setupTestHandler(t)
	defer cleanup()
	seedHistory(t, sqliteStore)

	data, err := handler.BuildReport(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("failed to build report: %v", err)
	}
	if data.Overview.ItemsAnalyzed != 0 || len(data.Responses) != 0 {
		t.Errorf("expected history outside the window to be excluded, got %+v", data.Overview)
	}

	var buf bytes.Buffer
	if err := handler.Render(&buf, data); err != nil {
		t.Fatalf("failed to render: %v", err)
	}
	if !strings.Contains(buf.String(), "No activity.") {
		t.Error("empty report should say there is no activity")
	}
}

func TestFormatters(t *testing.T) {
	if got := FormatScore(0.7916); got != "0.79" {
		t.Errorf("FormatScore = %q, want 0.79", got)
	}
	if got := FormatPercent(1, 3); got != "33%" {
		t.Errorf("FormatPercent = %q, want 33%%", got)
	}
	if got := FormatPercent(1, 0); got != "0%" {
		t.Errorf("FormatPercent = %q, want 0%%", got)
	}
	if got := truncate("héllo world", 5); got != "héllo…" {
		t.Errorf("truncate = %q", got)
	}
}
