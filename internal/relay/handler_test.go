package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/realtime/phx"
)

const (
	testAnonKey    = "anon-test-key"
	testServiceKey = "service-test-key"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Config{JWTSecret: testSecret, AnonKey: testAnonKey, ServiceKey: testServiceKey})
}

func doRequest(t *testing.T, s *Server, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("apikey", key)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestWebSocketRejectsBadKey(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/realtime/v1/websocket?vsn=1.0.0", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/realtime/v1/websocket?apikey=wrong", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIRequiresServiceRole(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/realtime/v1/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/realtime/v1/stats", testAnonKey, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, rec)["error"])

	rec = doRequest(t, s, http.MethodGet, "/realtime/v1/stats", testServiceKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	req := httptest.NewRequest(http.MethodGet, "/realtime/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer "+testServiceKey)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChangesAPI(t *testing.T) {
	s := newTestServer(t)
	c := s.Hub().NewConn(nil)
	defer c.Close()
	join(c, "realtime:notifications:u1", "1", phx.JoinConfig{PostgresChanges: []phx.PostgresChange{
		{Event: "INSERT", Schema: "public", Table: "notifications", Filter: "user_id=eq.u1"},
	}}, "")
	drain(t, c)

	rec := doRequest(t, s, http.MethodPost, "/realtime/v1/api/changes", testServiceKey, ChangeRecord{
		Table:  "notifications",
		Type:   "insert",
		Record: map[string]any{"id": 1, "user_id": "u1", "title": "Hi"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["changes"])
	assert.Equal(t, float64(1), body["delivered"])

	msgs := drain(t, c)
	require.Len(t, msgs, 1)
	_, ev, err := phx.ParsePostgresChange(msgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "public", ev.Schema)
	assert.Equal(t, "INSERT", ev.EventType)
	assert.Equal(t, "Hi", ev.New["title"])
}

func TestChangesAPIBatch(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/realtime/v1/api/changes", testServiceKey, []ChangeRecord{
		{Table: "tasks", Type: "INSERT", Record: map[string]any{"id": 1}},
		{Table: "tasks", Type: "DELETE", OldRecord: map[string]any{"id": 1}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["changes"])
	assert.Equal(t, float64(0), body["delivered"])
}

func TestChangesAPIValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"missing table", ChangeRecord{Type: "INSERT"}, "invalid_change"},
		{"bad type", ChangeRecord{Table: "tasks", Type: "TRUNCATE"}, "invalid_change"},
		{"bad batch entry", []ChangeRecord{{Table: "tasks", Type: "INSERT"}, {Type: "INSERT"}}, "invalid_change"},
		{"not an object", "hello", "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/realtime/v1/api/changes", testServiceKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeBody(t, rec)["error"])
		})
	}
}

func TestBroadcastAPI(t *testing.T) {
	s := newTestServer(t)
	c := s.Hub().NewConn(nil)
	defer c.Close()
	join(c, "realtime:announcements", "1", phx.JoinConfig{}, "")
	drain(t, c)

	rec := doRequest(t, s, http.MethodPost, "/realtime/v1/api/broadcast", testServiceKey, BroadcastRequest{
		Messages: []BroadcastMessage{
			{Topic: "announcements", Event: "new", Payload: map[string]any{"text": "Pool closed"}},
			{Topic: "nobody-here", Event: "new"},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["messages"])
	assert.Equal(t, float64(1), body["delivered"])

	msgs := drain(t, c)
	require.Len(t, msgs, 1)
	event, payload := phx.ParseBroadcast(msgs[0])
	assert.Equal(t, "new", event)
	assert.Equal(t, "Pool closed", payload["text"])
}

func TestBroadcastAPIValidation(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/realtime/v1/api/broadcast", testServiceKey, BroadcastRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/realtime/v1/api/broadcast", testServiceKey, BroadcastRequest{
		Messages: []BroadcastMessage{{Topic: "announcements"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_broadcast", decodeBody(t, rec)["error"])
}

func TestLogsAPI(t *testing.T) {
	require.NoError(t, log.Init(&log.Config{Mode: "console", Level: "info", Output: io.Discard, BufferLines: 100}))
	t.Cleanup(func() {
		log.Init(&log.Config{Mode: "console", Level: "info", Output: io.Discard})
	})

	s := newTestServer(t)
	log.Info("relay: logs api marker", "channel", "lobby")

	rec := doRequest(t, s, http.MethodGet, "/realtime/v1/logs?lines=50", testServiceKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["enabled"])
	assert.EqualValues(t, 100, body["capacity"])

	lines, ok := body["lines"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, lines)
	found := false
	for _, l := range lines {
		if strings.Contains(l.(string), "logs api marker") {
			found = true
		}
	}
	assert.True(t, found, "marker line missing from %v", lines)

	rec = doRequest(t, s, http.MethodGet, "/realtime/v1/logs?lines=0", testServiceKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/realtime/v1/logs", testAnonKey, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogsAPIBufferDisabled(t *testing.T) {
	require.NoError(t, log.Init(&log.Config{Mode: "console", Level: "info", Output: io.Discard}))

	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/realtime/v1/logs", testServiceKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["enabled"])
}
