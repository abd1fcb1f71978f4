package log

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func initCapture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if err := Init(&Config{Mode: "console", Level: "debug", Format: "text", Output: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return &buf
}

func TestRequestLogger(t *testing.T) {
	buf := initCapture(t)

	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/realtime/v1/stats", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	output := buf.String()
	for _, want := range []string{"http request", "GET", "/realtime/v1/stats", "status=200"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log to contain %q, got %q", want, output)
		}
	}
}

func TestRequestLogger_ErrorStatus(t *testing.T) {
	buf := initCapture(t)

	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/error", nil))

	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("expected ERROR level for 500 status, got %q", buf.String())
	}
}

func TestGetRequestID(t *testing.T) {
	initCapture(t)

	var got string
	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if len(got) != 8 {
		t.Errorf("expected 8-char request ID, got %q", got)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "upstream-id")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)
	if got != "upstream-id" {
		t.Errorf("expected upstream request id to be kept, got %q", got)
	}
}
