package api

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

	"github.com/alphabot-ai/replyguard/internal/ratelimit"
	"github.com/alphabot-ai/replyguard/internal/store"
	"github.com/alphabot-ai/replyguard/internal/web"
)

const testSecret = "test-admin-secret"

type testServer struct {
	handler  *Handler
	router   http.Handler
	governor *ratelimit.Governor
	store    *store.SQLiteStore
	cleanup  func()
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "replyguard-api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()

	sqliteStore, err := store.NewSQLiteStore(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("failed to create store: %v", err)
	}

	gov, err := ratelimit.NewGovernor(ratelimit.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create governor: %v", err)
	}

	report, err := web.NewHandler(sqliteStore)
	if err != nil {
		t.Fatalf("failed to create report handler: %v", err)
	}

	handler := NewHandler(gov, sqliteStore, report, testSecret,
		WithAgentStatus(func() any { return map[string]any{"mode": "passive"} }))

	cleanup := func() {
		sqliteStore.Close()
		os.Remove(tmpFile.Name())
	}

	return &testServer{
		handler:  handler,
		router:   handler.Router(),
		governor: gov,
		store:    sqliteStore,
		cleanup:  cleanup,
	}
}

func (ts *testServer) do(method, path, secret string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if secret != "" {
		req.Header.Set("X-Admin-Secret", secret)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	rec := ts.do(http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.OK {
		t.Error("health should report ok")
	}
}

func TestStatus(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	rec := ts.do(http.MethodGet, "/api/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Governor ratelimit.Stats `json:"governor"`
		Agent    map[string]any  `json:"agent"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Governor.EffectiveLimits[ratelimit.ActionComment] != 10 {
		t.Errorf("comment limit = %d, want 10", resp.Governor.EffectiveLimits[ratelimit.ActionComment])
	}
	if resp.Agent["mode"] != "passive" {
		t.Errorf("agent status = %v, want mode passive", resp.Agent)
	}
}

func TestEmergencyStopAPI(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	tests := []struct {
		name       string
		path       string
		secret     string
		body       string
		wantStatus int
		wantStop   bool
	}{
		{
			name:       "missing secret",
			path:       "/api/admin/emergency-stop",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong secret",
			path:       "/api/admin/emergency-stop",
			secret:     "nope",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "bad body",
			path:       "/api/admin/emergency-stop",
			secret:     testSecret,
			body:       "{",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "stop with reason",
			path:       "/api/admin/emergency-stop",
			secret:     testSecret,
			body:       `{"reason":"spam reports"}`,
			wantStatus: http.StatusOK,
			wantStop:   true,
		},
		{
			name:       "clear",
			path:       "/api/admin/clear-emergency",
			secret:     testSecret,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, tt.path, tt.secret, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			stopped, _ := ts.governor.EmergencyStopped()
			if stopped != tt.wantStop {
				t.Errorf("emergency stop = %v, want %v", stopped, tt.wantStop)
			}
		})
	}
}

func TestEmergencyStopBlocksActions(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	rec := ts.do(http.MethodPost, "/api/admin/emergency-stop", testSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	v := ts.governor.CheckAllowed(ratelimit.ActionComment, "golang")
	if v.Allowed {
		t.Fatal("actions should be denied after an emergency stop")
	}
	if !strings.Contains(v.Reason, "operator request") {
		t.Errorf("reason = %q, want default operator reason", v.Reason)
	}
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	gov, _ := ratelimit.NewGovernor(ratelimit.DefaultConfig())
	h := NewHandler(gov, nil, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/api/admin/emergency-stop", nil)
	req.Header.Set("X-Admin-Secret", "")
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestActionsAPI(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	ctx := context.Background()
	session := &store.Session{Mode: "active"}
	ts.store.CreateSession(ctx, session)
	for _, sub := range []string{"golang", "golang", "rust"} {
		ts.store.SaveAction(ctx, &store.Action{
			SessionID:  session.ID,
			ActionType: "comment",
			Subreddit:  sub,
			Content:    "reply",
			Success:    true,
			CreatedAt:  time.Now().Add(-time.Minute),
		})
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCount  int
	}{
		{name: "all", path: "/api/actions", wantStatus: http.StatusOK, wantCount: 3},
		{name: "by subreddit", path: "/api/actions?subreddit=golang", wantStatus: http.StatusOK, wantCount: 2},
		{name: "limited", path: "/api/actions?limit=1", wantStatus: http.StatusOK, wantCount: 1},
		{name: "bad limit", path: "/api/actions?limit=-1", wantStatus: http.StatusBadRequest},
		{name: "bad hours", path: "/api/actions?hours=x", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, tt.path, "", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp struct {
				Actions []*store.Action `json:"actions"`
			}
			json.NewDecoder(rec.Body).Decode(&resp)
			if len(resp.Actions) != tt.wantCount {
				t.Errorf("got %d actions, want %d", len(resp.Actions), tt.wantCount)
			}
		})
	}
}

func TestSessionsAPI(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	rec := ts.do(http.MethodGet, "/api/sessions", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"sessions":[]`) {
		t.Errorf("expected empty session list, got %s", rec.Body.String())
	}
}

func TestReportAndMetricsRoutes(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	rec := ts.do(http.MethodGet, "/report", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("report status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "replyguard report") {
		t.Error("report should render the HTML page")
	}

	// touch a governor metric so it is exported
	ts.governor.EmergencyStop("metrics")
	rec = ts.do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "replyguard_governor_emergency_stop") {
		t.Error("metrics should expose governor gauges")
	}
}

func TestHistoryOnlyRouter(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.cleanup()

	router := NewHandler(nil, ts.store, nil, testSecret).Router()

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "sessions served", method: http.MethodGet, path: "/api/sessions", wantStatus: http.StatusOK},
		{name: "actions served", method: http.MethodGet, path: "/api/actions", wantStatus: http.StatusOK},
		{name: "no status", method: http.MethodGet, path: "/api/status", wantStatus: http.StatusNotFound},
		{name: "no emergency stop", method: http.MethodPost, path: "/api/admin/emergency-stop", wantStatus: http.StatusNotFound},
		{name: "no clear", method: http.MethodPost, path: "/api/admin/clear-emergency", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set("X-Admin-Secret", testSecret)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
