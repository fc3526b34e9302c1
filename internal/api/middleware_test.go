package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogRequests(t *testing.T) {
	var buf bytes.Buffer
	h := &Handler{logger: zerolog.New(&buf).Level(zerolog.DebugLevel)}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	logged := h.LogRequests(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()

	logged.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	logOutput := buf.String()
	if !strings.Contains(logOutput, `"method":"GET"`) {
		t.Error("log should contain HTTP method")
	}
	if !strings.Contains(logOutput, `"path":"/api/status"`) {
		t.Error("log should contain request path")
	}
	if !strings.Contains(logOutput, `"status":418`) {
		t.Error("log should contain response status")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "forwarded for",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"},
			remoteAddr: "127.0.0.1:1234",
			want:       "10.0.0.1",
		},
		{
			name:       "real ip",
			headers:    map[string]string{"X-Real-IP": "10.0.0.3"},
			remoteAddr: "127.0.0.1:1234",
			want:       "10.0.0.3",
		},
		{
			name:       "remote addr",
			remoteAddr: "192.168.1.5:5555",
			want:       "192.168.1.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	h := &Handler{adminSecret: "s3cret", logger: zerolog.Nop()}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{name: "match", secret: "s3cret", want: http.StatusNoContent},
		{name: "mismatch", secret: "other", want: http.StatusUnauthorized},
		{name: "missing", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/admin/emergency-stop", nil)
			if tt.secret != "" {
				req.Header.Set("X-Admin-Secret", tt.secret)
			}
			rec := httptest.NewRecorder()
			h.RequireAdmin(next).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
