package memtransport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/fitdesk/internal/realtime/phx"
	"github.com/markb/fitdesk/internal/realtime/transport"
)

type statusLog struct {
	mu       sync.Mutex
	statuses []transport.Status
}

func (l *statusLog) record(s transport.Status, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *statusLog) last() transport.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return ""
	}
	return l.statuses[len(l.statuses)-1]
}

func subscribe(t *testing.T, ch transport.Channel) *statusLog {
	t.Helper()
	log := &statusLog{}
	require.NoError(t, ch.Subscribe(context.Background(), log.record))
	require.Eventually(t, func() bool { return log.last() == transport.StatusSubscribed },
		time.Second, 5*time.Millisecond)
	return log
}

func TestEmitChangeHonoursFilters(t *testing.T) {
	b := NewBroker()
	c := b.Client()

	var mu sync.Mutex
	var got []phx.ChangeEvent
	ch := c.Channel("notifications:u1", transport.ChannelConfig{})
	ch.OnPostgresChanges(phx.PostgresChange{
		Event:  "INSERT",
		Schema: "public",
		Table:  "notifications",
		Filter: phx.EqFilter("user_id", "u1"),
	}, func(ev phx.ChangeEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	subscribe(t, ch)

	assert.Equal(t, 1, b.EmitChange("public", "notifications", "INSERT", nil, map[string]any{"user_id": "u1"}))
	assert.Equal(t, 0, b.EmitChange("public", "notifications", "INSERT", nil, map[string]any{"user_id": "u2"}))
	assert.Equal(t, 0, b.EmitChange("public", "notifications", "UPDATE", nil, map[string]any{"user_id": "u1"}))
	assert.Equal(t, 0, b.EmitChange("public", "tasks", "INSERT", nil, map[string]any{"user_id": "u1"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].New["user_id"])
}

func TestRemoveChannelStopsDelivery(t *testing.T) {
	b := NewBroker()
	c := b.Client()

	calls := 0
	ch := c.Channel("announcements", transport.ChannelConfig{})
	ch.OnPostgresChanges(phx.PostgresChange{Event: "*", Schema: "public", Table: "announcements"},
		func(phx.ChangeEvent) { calls++ })
	log := subscribe(t, ch)

	require.NoError(t, c.RemoveChannel(context.Background(), ch))
	require.NoError(t, c.RemoveChannel(context.Background(), ch))

	assert.Equal(t, transport.StatusClosed, log.last())
	assert.Equal(t, 1, b.Removed("announcements"))
	assert.Equal(t, 0, b.Active("announcements"))
	assert.Equal(t, 0, b.EmitChange("public", "announcements", "INSERT", nil, map[string]any{"id": 1}))
	assert.Equal(t, 0, calls)
}

func TestFailJoins(t *testing.T) {
	b := NewBroker()
	c := b.Client()
	b.FailJoins("tasks:u1", 1)

	log := &statusLog{}
	ch := c.Channel("tasks:u1", transport.ChannelConfig{})
	require.NoError(t, ch.Subscribe(context.Background(), log.record))
	require.Eventually(t, func() bool { return log.last() == transport.StatusChannelError },
		time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, ch.Subscribe(context.Background(), log.record), transport.ErrChannelClosed)

	subscribe(t, c.Channel("tasks:u1", transport.ChannelConfig{}))
	assert.Equal(t, 2, b.Joins("tasks:u1"))
	assert.Equal(t, 1, b.Active("tasks:u1"))
}

func TestBlockJoinsNeverReplies(t *testing.T) {
	b := NewBroker()
	b.BlockJoins(true)

	log := &statusLog{}
	ch := b.Client().Channel("heartbeat:x", transport.ChannelConfig{})
	require.NoError(t, ch.Subscribe(context.Background(), log.record))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, transport.Status(""), log.last())
	assert.Equal(t, 0, b.Active("heartbeat:x"))
}

func TestDropChannelReportsChannelError(t *testing.T) {
	b := NewBroker()
	ch := b.Client().Channel("schedule:t1", transport.ChannelConfig{})
	log := subscribe(t, ch)

	assert.Equal(t, 1, b.DropChannel("schedule:t1"))
	assert.Equal(t, transport.StatusChannelError, log.last())
	assert.Equal(t, 0, b.Active("schedule:t1"))
	assert.ErrorIs(t, ch.Send(context.Background(), "x", nil), transport.ErrNotJoined)
}

func TestPresenceTrackAndLeave(t *testing.T) {
	b := NewBroker()
	c := b.Client()

	var mu sync.Mutex
	var latest phx.PresenceMap
	watcher := c.Channel("online-users", transport.ChannelConfig{Presence: phx.PresenceConfig{Key: "u1"}})
	watcher.OnPresenceSync(func(state phx.PresenceMap) {
		mu.Lock()
		latest = state
		mu.Unlock()
	})
	subscribe(t, watcher)
	require.NoError(t, watcher.Track(context.Background(), map[string]any{"name": "Ann"}))

	other := c.Channel("online-users", transport.ChannelConfig{Presence: phx.PresenceConfig{Key: "u2"}})
	subscribe(t, other)
	require.NoError(t, other.Track(context.Background(), map[string]any{"name": "Bob"}))

	snapshot := func() phx.PresenceMap {
		mu.Lock()
		defer mu.Unlock()
		return latest.Clone()
	}
	require.Len(t, snapshot(), 2)

	// Re-tracking replaces the previous meta.
	require.NoError(t, other.Track(context.Background(), map[string]any{"name": "Bobby"}))
	state := snapshot()
	require.Len(t, state["u2"].Metas, 1)
	assert.Equal(t, "Bobby", state["u2"].Metas[0]["name"])

	require.NoError(t, c.RemoveChannel(context.Background(), other))
	state = snapshot()
	assert.Len(t, state, 1)
	assert.Contains(t, state, "u1")
	assert.Len(t, b.Presence("online-users"), 1)
}

func TestBroadcastSelf(t *testing.T) {
	b := NewBroker()
	c := b.Client()

	var mu sync.Mutex
	received := map[string][]string{}
	listen := func(name string, self bool) transport.Channel {
		ch := c.Channel("chat", transport.ChannelConfig{Broadcast: phx.BroadcastConfig{Self: self}})
		ch.OnBroadcast("message", func(event string, payload map[string]any) {
			mu.Lock()
			received[name] = append(received[name], payload["text"].(string))
			mu.Unlock()
		})
		subscribe(t, ch)
		return ch
	}
	a := listen("a", false)
	listen("b", false)
	s := listen("s", true)

	require.NoError(t, a.Send(context.Background(), "message", map[string]any{"text": "hi"}))
	require.NoError(t, s.Send(context.Background(), "message", map[string]any{"text": "yo"}))
	require.NoError(t, a.Send(context.Background(), "other", map[string]any{"text": "ignored"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"yo"}, received["a"])
	assert.Equal(t, []string{"hi", "yo"}, received["b"])
	assert.Equal(t, []string{"hi", "yo"}, received["s"])
}
