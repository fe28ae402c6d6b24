package http

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := NewLoggingMiddleware(logger).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/chat", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Errorf("expected status 418, got %d", rr.Code)
	}
	out := buf.String()
	for _, want := range []string{"http request", "method=GET", "path=/chat", "status=418"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log to contain %q, got %s", want, out)
		}
	}
}

func TestLoggingMiddleware_ServerErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/stats", nil))

	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("expected error level log, got %s", buf.String())
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rr, statusCode: http.StatusOK}

	_, _ = rw.Write([]byte("hello"))
	rw.WriteHeader(http.StatusInternalServerError)

	if rw.statusCode != http.StatusOK {
		t.Errorf("expected status to stay 200 after write, got %d", rw.statusCode)
	}
	if rw.Unwrap() != rr {
		t.Error("expected Unwrap to return the wrapped writer")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := NewRecoveryMiddleware(logger).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic to be logged, got %s", buf.String())
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantHeader string
		wantStatus int
	}{
		{
			name:       "wildcard allows any origin",
			allowed:    []string{"*"},
			origin:     "http://localhost:3000",
			method:     "GET",
			wantHeader: "http://localhost:3000",
			wantStatus: http.StatusOK,
		},
		{
			name:       "listed origin",
			allowed:    []string{"http://app.example.com"},
			origin:     "http://app.example.com",
			method:     "GET",
			wantHeader: "http://app.example.com",
			wantStatus: http.StatusOK,
		},
		{
			name:       "unlisted origin",
			allowed:    []string{"http://app.example.com"},
			origin:     "http://evil.example.com",
			method:     "GET",
			wantHeader: "",
			wantStatus: http.StatusOK,
		},
		{
			name:       "preflight",
			allowed:    []string{"*"},
			origin:     "http://localhost:3000",
			method:     "OPTIONS",
			wantHeader: "http://localhost:3000",
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCORSMiddleware(tt.allowed).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/chat", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantHeader {
				t.Errorf("expected allow origin %q, got %q", tt.wantHeader, got)
			}
		})
	}
}
