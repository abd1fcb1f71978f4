package relay

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/fitdesk/internal/realtime"
	"github.com/markb/fitdesk/internal/realtime/transport/phoenix"
	"github.com/markb/fitdesk/internal/session"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// startRelay serves a relay over a real listener.
func startRelay(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().closeAll()
		srv.Close()
	})
	return s, srv
}

func newService(t *testing.T, srv *httptest.Server) *realtime.Service {
	t.Helper()
	client := phoenix.New(phoenix.Config{
		URL:         srv.URL + "/realtime/v1",
		APIKey:      testAnonKey,
		JoinTimeout: time.Second,
	})
	cfg := realtime.DefaultConfig()
	cfg.Retry = realtime.RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	cfg.HeartbeatTimeout = time.Second
	svc := realtime.New(client, cfg)
	t.Cleanup(func() {
		svc.Close()
		client.Close()
	})
	return svc
}

func waitSubscribed(t *testing.T, svc *realtime.Service, names ...string) {
	t.Helper()
	for _, name := range names {
		require.Eventually(t, func() bool {
			h, ok := svc.Registry().Get(name)
			return ok && h.Status() == realtime.StatusSubscribed
		}, waitFor, tick, "channel %s never subscribed", name)
	}
}

type notificationLog struct {
	mu  sync.Mutex
	got []realtime.Notification
}

func (l *notificationLog) add(n realtime.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, n)
}

func (l *notificationLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.got)
}

func (l *notificationLog) last() realtime.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.got[len(l.got)-1]
}

func TestRelayDeliversNotifications(t *testing.T) {
	s, srv := startRelay(t)
	svc := newService(t, srv)

	notes := &notificationLog{}
	svc.SubscribeToUserNotifications("u1", notes.add)
	waitSubscribed(t, svc, "notifications:u1")

	n := s.NotifyChange("public", "notifications", "INSERT", nil, map[string]any{
		"id": "n1", "user_id": "u1", "type": "warning", "title": "Low stock", "message": "Towels",
	})
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool { return notes.count() == 1 }, waitFor, tick)
	assert.Equal(t, "Low stock", notes.last().Title)
	assert.Equal(t, realtime.SeverityWarning, notes.last().Type)

	// Another user's row is filtered out by the relay.
	assert.Equal(t, 0, s.NotifyChange("public", "notifications", "INSERT", nil, map[string]any{
		"id": "n2", "user_id": "u2", "title": "Not yours",
	}))
}

func TestRelayRowChangesByKind(t *testing.T) {
	s, srv := startRelay(t)
	svc := newService(t, srv)

	var mu sync.Mutex
	var tasks, announcements []realtime.RowChangeEvent
	svc.SubscribeToTaskChanges("u1", func(ev realtime.RowChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		tasks = append(tasks, ev)
	})
	svc.SubscribeToAnnouncements(func(ev realtime.RowChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		announcements = append(announcements, ev)
	})
	waitSubscribed(t, svc, "tasks:u1", "announcements")

	s.NotifyChange("public", "tasks", "UPDATE",
		map[string]any{"id": 7, "assigned_to": "u1", "done": false},
		map[string]any{"id": 7, "assigned_to": "u1", "done": true})
	s.NotifyChange("public", "announcements", "DELETE", map[string]any{"id": 3}, nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tasks) == 1 && len(announcements) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, realtime.ChangeUpdate, tasks[0].Type)
	assert.Equal(t, true, tasks[0].New["done"])
	assert.Equal(t, realtime.ChangeDelete, announcements[0].Type)
	assert.Equal(t, float64(3), announcements[0].Old["id"])
}

func TestRelayNotificationsSurviveDisconnect(t *testing.T) {
	s, srv := startRelay(t)
	svc := newService(t, srv)

	notes := &notificationLog{}
	svc.SubscribeToUserNotifications("u1", notes.add)
	waitSubscribed(t, svc, "notifications:u1")

	s.Hub().closeAll()

	row := map[string]any{"id": "n1", "user_id": "u1", "title": "Back"}
	require.Eventually(t, func() bool {
		return s.NotifyChange("public", "notifications", "INSERT", nil, row) == 1
	}, waitFor, tick, "notifications never resubscribed")
	require.Eventually(t, func() bool { return notes.count() == 1 }, waitFor, tick)

	require.Eventually(t, func() bool {
		st, ok := svc.RetryState("notifications:u1")
		return ok && st.Attempts() == 0
	}, waitFor, tick, "retry budget not reset after resubscribe")
	assert.Equal(t, 1, s.Stats().Connections)
}

func TestRelaySessionRecoversAfterDisconnect(t *testing.T) {
	s, srv := startRelay(t)
	svc := newService(t, srv)

	var mu sync.Mutex
	var tasks []realtime.RowChangeEvent
	cfg := session.DefaultConfig()
	cfg.LivenessInterval = 100 * time.Millisecond
	binding := session.New(svc, session.ToasterFunc(func(session.Toast) {}), cfg, session.Handlers{
		OnTaskChange: func(ev realtime.RowChangeEvent) {
			mu.Lock()
			defer mu.Unlock()
			tasks = append(tasks, ev)
		},
	})
	t.Cleanup(binding.Close)

	binding.SetIdentity(&session.Identity{UserID: "u1", Name: "Ann", Role: "trainer"})
	waitSubscribed(t, svc, "notifications:u1", "tasks:u1", "online-users")

	presences := func() int {
		for _, ts := range s.Hub().Stats().TopicDetails {
			if ts.Topic == "realtime:online-users" {
				return ts.Presences
			}
		}
		return 0
	}
	require.Eventually(t, func() bool { return presences() == 1 }, waitFor, tick)

	s.Hub().closeAll()

	row := map[string]any{"id": "t1", "assigned_to": "u1", "done": true}
	require.Eventually(t, func() bool {
		return s.NotifyChange("public", "tasks", "INSERT", nil, row) == 1
	}, waitFor, 50*time.Millisecond, "task channel never rebuilt")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tasks) > 0
	}, waitFor, tick)
	require.Eventually(t, func() bool { return presences() == 1 }, waitFor, tick, "presence never re-tracked")

	require.Eventually(t, func() bool { return len(binding.OnlineUsers()["u1"]) == 1 }, waitFor, tick)
	assert.Equal(t, session.StateActive, binding.State())
	assert.True(t, svc.Healthy())
}

func TestRelayPresenceAcrossClients(t *testing.T) {
	_, srv := startRelay(t)
	ann := newService(t, srv)
	bob := newService(t, srv)

	var mu sync.Mutex
	var seen realtime.PresenceState
	ann.SubscribeToPresence("online-users", "u1", realtime.UserInfo{Name: "Ann", Role: "trainer"}, func(st realtime.PresenceState) {
		mu.Lock()
		defer mu.Unlock()
		seen = st
	})
	users := func() int {
		mu.Lock()
		defer mu.Unlock()
		return seen.Users()
	}
	require.Eventually(t, func() bool { return users() == 1 }, waitFor, tick)

	bob.SubscribeToPresence("online-users", "u2", realtime.UserInfo{Name: "Bob", Role: "member"}, func(realtime.PresenceState) {})
	require.Eventually(t, func() bool { return users() == 2 }, waitFor, tick)

	mu.Lock()
	require.Len(t, seen["u2"], 1)
	assert.Equal(t, "Bob", seen["u2"][0].Name)
	mu.Unlock()

	bob.Close()
	require.Eventually(t, func() bool { return users() == 1 }, waitFor, tick)
}

func TestRelayBroadcastBetweenClients(t *testing.T) {
	_, srv := startRelay(t)
	ann := newService(t, srv)
	bob := newService(t, srv)

	got := make(chan map[string]any, 1)
	ann.SubscribeToBroadcast("front-desk", "checkin", func(payload map[string]any) {
		got <- payload
	})
	bob.SubscribeToBroadcast("front-desk", "checkin", func(map[string]any) {
		t.Error("sender should not receive its own broadcast")
	})
	waitSubscribed(t, ann, "front-desk")
	waitSubscribed(t, bob, "front-desk")

	bob.SendBroadcastMessage(context.Background(), "front-desk", "checkin", map[string]any{"member": "m42"})

	select {
	case payload := <-got:
		assert.Equal(t, "m42", payload["member"])
	case <-time.After(waitFor):
		t.Fatal("broadcast not received")
	}
}

func TestRelayCheckConnection(t *testing.T) {
	s, srv := startRelay(t)
	svc := newService(t, srv)

	assert.True(t, svc.CheckConnection(context.Background()))
	assert.True(t, svc.ConnectionStatus())
	assert.Equal(t, 0, svc.Registry().Len())

	// The heartbeat channel is gone from the relay too.
	require.Eventually(t, func() bool { return s.Stats().Topics == 0 }, waitFor, tick)

	srv.Close()
	s.Hub().closeAll()
	assert.False(t, svc.CheckConnection(context.Background()))
	assert.False(t, svc.ConnectionStatus())
}
