package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/fitdesk/internal/realtime/phx"
	"github.com/markb/fitdesk/internal/realtime/transport"
)

// stubChannel is a transport channel that never talks to anything.
type stubChannel struct {
	name string
}

func (c *stubChannel) Name() string { return c.name }
func (c *stubChannel) OnPostgresChanges(phx.PostgresChange, func(phx.ChangeEvent)) {}
func (c *stubChannel) OnPresenceSync(func(phx.PresenceMap)) {}
func (c *stubChannel) OnBroadcast(string, func(string, map[string]any)) {}
func (c *stubChannel) Subscribe(context.Context, transport.StatusFunc) error { return nil }
func (c *stubChannel) Track(context.Context, map[string]any) error { return nil }
func (c *stubChannel) Send(context.Context, string, map[string]any) error { return nil }

// countingClient records every RemoveChannel call and can be told to fail
// or panic for given channel names.
type countingClient struct {
	mu       sync.Mutex
	removed  map[transport.Channel]int
	order    []string
	failFor  map[string]bool
	panicFor map[string]bool
}

func newCountingClient() *countingClient {
	return &countingClient{
		removed:  make(map[transport.Channel]int),
		failFor:  make(map[string]bool),
		panicFor: make(map[string]bool),
	}
}

func (c *countingClient) Channel(name string, cfg transport.ChannelConfig) transport.Channel {
	return &stubChannel{name: name}
}

func (c *countingClient) RemoveChannel(ctx context.Context, ch transport.Channel) error {
	c.mu.Lock()
	c.removed[ch]++
	c.order = append(c.order, ch.Name())
	fail, panics := c.failFor[ch.Name()], c.panicFor[ch.Name()]
	c.mu.Unlock()

	if panics {
		panic("transport exploded")
	}
	if fail {
		return errors.New("remove failed")
	}
	return nil
}

func (c *countingClient) removals(ch transport.Channel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed[ch]
}

func (c *countingClient) removalOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (c *countingClient) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.removed {
		n += v
	}
	return n
}

func stubHandle(c *countingClient, name string) *Handle {
	return newHandle(name, KindRowChange, c.Channel(name, transport.ChannelConfig{}))
}

func TestRegisterReplacesAndTearsDownOnce(t *testing.T) {
	client := newCountingClient()
	r := NewRegistry(client, 0)
	ctx := context.Background()

	h1 := stubHandle(client, "tasks:u1")
	h2 := stubHandle(client, "tasks:u1")
	r.Register(ctx, h1)
	r.Register(ctx, h2)

	assert.Equal(t, 1, r.Len())
	got, ok := r.Get("tasks:u1")
	require.True(t, ok)
	assert.Same(t, h2, got)
	assert.Equal(t, 1, client.removals(h1.channel))
	assert.Equal(t, 0, client.removals(h2.channel))
	assert.Equal(t, StatusClosed, h1.Status())

	// Registering the same handle again is not a replacement.
	r.Register(ctx, h2)
	assert.Equal(t, 0, client.removals(h2.channel))
}

func TestUnregister(t *testing.T) {
	client := newCountingClient()
	r := NewRegistry(client, 0)
	ctx := context.Background()

	h := stubHandle(client, "announcements")
	r.Register(ctx, h)

	assert.True(t, r.Unregister(ctx, "announcements"))
	assert.False(t, r.Unregister(ctx, "announcements"))
	assert.False(t, r.IsCurrent(h))
	assert.Equal(t, 1, client.removals(h.channel))
}

func TestReleaseLeavesReplacementAlone(t *testing.T) {
	client := newCountingClient()
	r := NewRegistry(client, 0)
	ctx := context.Background()

	h1 := stubHandle(client, "schedule:t1")
	h2 := stubHandle(client, "schedule:t1")
	r.Register(ctx, h1)
	r.Register(ctx, h2)

	assert.False(t, r.Release(ctx, h1))
	assert.True(t, r.IsCurrent(h2))
	assert.Equal(t, 1, client.removals(h1.channel))

	assert.True(t, r.Release(ctx, h2))
	assert.Equal(t, 0, r.Len())
}

func TestUnregisterAllIsolatesFailures(t *testing.T) {
	client := newCountingClient()
	client.failFor["b"] = true
	client.panicFor["c"] = true
	r := NewRegistry(client, 0)
	ctx := context.Background()

	names := []string{"a", "b", "c", "d"}
	handles := make([]*Handle, 0, len(names))
	for _, name := range names {
		h := stubHandle(client, name)
		handles = append(handles, h)
		r.Register(ctx, h)
	}

	assert.Equal(t, 4, r.UnregisterAll(ctx))
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Names())
	assert.Equal(t, 4, client.total())
	for _, h := range handles {
		assert.Equal(t, 1, client.removals(h.channel), h.Name())
	}

	assert.Equal(t, 0, r.UnregisterAll(ctx))
	assert.Equal(t, 4, client.total())
}

func TestUnregisterAllTearsDownInNameOrder(t *testing.T) {
	client := newCountingClient()
	client.failFor["online-users"] = true
	r := NewRegistry(client, 0)
	ctx := context.Background()

	for _, name := range []string{"tasks:u1", "online-users", "announcements", "schedule:u1", "notifications:u1"} {
		r.Register(ctx, stubHandle(client, name))
	}

	assert.Equal(t, 5, r.UnregisterAll(ctx))
	assert.Equal(t, []string{"announcements", "notifications:u1", "online-users", "schedule:u1", "tasks:u1"}, client.removalOrder())
}

func TestRegisterIf(t *testing.T) {
	client := newCountingClient()
	r := NewRegistry(client, 0)
	ctx := context.Background()

	h1 := stubHandle(client, "notifications:u1")
	h2 := stubHandle(client, "notifications:u1")
	r.Register(ctx, h1)

	assert.False(t, r.RegisterIf(ctx, h2, func() bool { return false }))
	assert.True(t, r.IsCurrent(h1))
	assert.Equal(t, 0, client.removals(h1.channel))

	assert.True(t, r.RegisterIf(ctx, h2, func() bool { return true }))
	assert.True(t, r.IsCurrent(h2))
	assert.Equal(t, 1, client.removals(h1.channel))
}

func TestNamesSorted(t *testing.T) {
	client := newCountingClient()
	r := NewRegistry(client, 0)
	for _, name := range []string{"tasks:u1", "announcements", "notifications:u1"} {
		r.Register(context.Background(), stubHandle(client, name))
	}
	assert.Equal(t, []string{"announcements", "notifications:u1", "tasks:u1"}, r.Names())
}
