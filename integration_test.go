// integration_test.go
package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/markb/fitdesk/internal/realtime"
	"github.com/markb/fitdesk/internal/realtime/transport/phoenix"
	"github.com/markb/fitdesk/internal/relay"
	"github.com/markb/fitdesk/internal/session"
)

const testJWTSecret = "test-secret-key-min-32-characters"

// generateTestAPIKey creates an API key for testing
func generateTestAPIKey(jwtSecret, role string) string {
	claims := jwt.MapClaims{
		"role": role,
		"iss":  "fitdesk",
		"iat":  time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	key, _ := token.SignedString([]byte(jwtSecret))
	return key
}

type toastLog struct {
	mu     sync.Mutex
	toasts []session.Toast
}

func (l *toastLog) Show(t session.Toast) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.toasts = append(l.toasts, t)
}

func (l *toastLog) snapshot() []session.Toast {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Toast(nil), l.toasts...)
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func postChange(t *testing.T, url, key string, rec relay.ChangeRecord) {
	t.Helper()
	body, _ := json.Marshal(rec)
	req, _ := http.NewRequest("POST", url+"/realtime/v1/api/changes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post change: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post change: status %d", resp.StatusCode)
	}
}

func TestFullSessionFlow(t *testing.T) {
	// Setup
	anonKey := generateTestAPIKey(testJWTSecret, relay.RoleAnon)
	serviceKey := generateTestAPIKey(testJWTSecret, relay.RoleService)

	rs := relay.New(relay.Config{JWTSecret: testJWTSecret})
	srv := httptest.NewServer(rs.Handler())
	defer srv.Close()

	cfg := phoenix.DefaultConfig(srv.URL + "/realtime/v1")
	cfg.APIKey = anonKey
	client := phoenix.New(cfg)
	defer client.Close()

	svc := realtime.New(client, realtime.DefaultConfig())
	defer svc.Close()

	toasts := &toastLog{}
	var (
		mu    sync.Mutex
		tasks []realtime.RowChangeEvent
	)
	binding := session.New(svc, toasts, session.DefaultConfig(), session.Handlers{
		OnTaskChange: func(ev realtime.RowChangeEvent) {
			mu.Lock()
			tasks = append(tasks, ev)
			mu.Unlock()
		},
	})
	defer binding.Close()

	// 1. Sign in
	binding.SetIdentity(&session.Identity{UserID: "u1", Name: "Ann", Role: "trainer"})
	if binding.State() != session.StateActive {
		t.Fatalf("expected active session, got %s", binding.State())
	}
	for _, name := range []string{"notifications:u1", "tasks:u1", "announcements", "schedule:u1", "online-users"} {
		name := name
		waitUntil(t, name+" subscribed", func() bool {
			h, ok := svc.Registry().Get(name)
			return ok && h.Status() == realtime.StatusSubscribed
		})
	}

	// 2. Presence
	waitUntil(t, "presence sync", func() bool {
		return len(binding.OnlineUsers()["u1"]) == 1
	})
	if got := binding.OnlineUsers()["u1"][0].Name; got != "Ann" {
		t.Errorf("expected presence name Ann, got %q", got)
	}

	// 3. Notification for the signed-in user becomes a toast
	postChange(t, srv.URL, serviceKey, relay.ChangeRecord{
		Schema: "public",
		Table:  "notifications",
		Type:   "INSERT",
		Record: map[string]any{"id": "n1", "user_id": "u1", "type": "warning", "title": "Class moved", "message": "Spin is now at 18:00"},
	})
	// Another user's notification is filtered out by the relay
	postChange(t, srv.URL, serviceKey, relay.ChangeRecord{
		Schema: "public",
		Table:  "notifications",
		Type:   "INSERT",
		Record: map[string]any{"id": "n2", "user_id": "u2", "type": "info", "title": "Not yours"},
	})
	waitUntil(t, "toast", func() bool { return len(toasts.snapshot()) >= 1 })
	got := toasts.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 toast, got %d: %+v", len(got), got)
	}
	if got[0].Severity != realtime.SeverityWarning || got[0].Text() != "Class moved: Spin is now at 18:00" {
		t.Errorf("unexpected toast: %+v", got[0])
	}

	// 4. Task change reaches the handler
	postChange(t, srv.URL, serviceKey, relay.ChangeRecord{
		Schema: "public",
		Table:  "tasks",
		Type:   "UPDATE",
		Record: map[string]any{"id": "t1", "assigned_to": "u1", "done": true},
	})
	waitUntil(t, "task change", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tasks) == 1
	})
	mu.Lock()
	if tasks[0].Type != realtime.ChangeUpdate || tasks[0].New["id"] != "t1" {
		t.Errorf("unexpected task change: %+v", tasks[0])
	}
	mu.Unlock()

	// 5. Sign out tears every channel down
	binding.SetIdentity(nil)
	if binding.State() != session.StateUnauthenticated {
		t.Fatalf("expected unauthenticated session, got %s", binding.State())
	}
	waitUntil(t, "registry empty", func() bool { return svc.Registry().Len() == 0 })
}
