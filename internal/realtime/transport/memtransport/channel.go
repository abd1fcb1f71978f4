package memtransport

import (
	"context"
	"sync"

	"github.com/markb/fitdesk/internal/realtime/phx"
	"github.com/markb/fitdesk/internal/realtime/transport"
)

type binding struct {
	filter phx.PostgresChange
	fn     func(phx.ChangeEvent)
}

type broadcastHandler struct {
	event string
	fn    func(string, map[string]any)
}

type channel struct {
	broker *Broker
	name   string
	cfg    transport.ChannelConfig

	mu          sync.Mutex
	state       channelState
	status      transport.StatusFunc
	bindings    []binding
	presenceFns []func(phx.PresenceMap)
	broadcasts  []broadcastHandler
	presenceRef string
}

func (c *channel) Name() string { return c.name }

func (c *channel) OnPostgresChanges(b phx.PostgresChange, fn func(phx.ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, binding{filter: b, fn: fn})
}

func (c *channel) OnPresenceSync(fn func(phx.PresenceMap)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceFns = append(c.presenceFns, fn)
}

func (c *channel) OnBroadcast(event string, fn func(string, map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, broadcastHandler{event: event, fn: fn})
}

func (c *channel) Subscribe(ctx context.Context, fn transport.StatusFunc) error {
	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return transport.ErrChannelClosed
	case stateJoining, stateJoined:
		c.mu.Unlock()
		return transport.ErrAlreadySubscribed
	}
	c.state = stateJoining
	c.status = fn
	c.mu.Unlock()

	status, replied, err := c.broker.join(c)
	if !replied {
		return nil
	}

	// Replies arrive asynchronously, like frames from a socket.
	go func() {
		c.mu.Lock()
		if c.state != stateJoining {
			// Removed before the reply landed.
			c.mu.Unlock()
			if status == transport.StatusSubscribed {
				c.broker.detach(c)
			}
			return
		}
		if status == transport.StatusSubscribed {
			c.state = stateJoined
		} else {
			c.state = stateClosed
		}
		c.mu.Unlock()

		c.notify(status, err)
		if status == transport.StatusSubscribed && len(c.presenceHandlers()) > 0 {
			if state, ok := c.broker.presenceSnapshot(c.name); ok {
				c.syncPresence(state)
			}
		}
	}()
	return nil
}

func (c *channel) Track(ctx context.Context, payload map[string]any) error {
	if !c.isJoined() {
		return transport.ErrNotJoined
	}
	c.broker.track(c, payload)
	return nil
}

func (c *channel) Send(ctx context.Context, event string, payload map[string]any) error {
	if !c.isJoined() {
		return transport.ErrNotJoined
	}
	c.broker.broadcast(c, event, payload)
	return nil
}

func (c *channel) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateJoined
}

// setState sets the state and returns the previous one.
func (c *channel) setState(s channelState) channelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = s
	return prev
}

func (c *channel) notify(status transport.Status, err error) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}

func (c *channel) matchingBindings(event phx.ChangeEvent) []func(phx.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateJoined {
		return nil
	}
	var fns []func(phx.ChangeEvent)
	for _, b := range c.bindings {
		if b.filter.Matches(event.Schema, event.Table, event.EventType, event.New, event.Old) {
			fns = append(fns, b.fn)
		}
	}
	return fns
}

func (c *channel) presenceHandlers() []func(phx.PresenceMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := make([]func(phx.PresenceMap), len(c.presenceFns))
	copy(fns, c.presenceFns)
	return fns
}

func (c *channel) syncPresence(state phx.PresenceMap) {
	for _, fn := range c.presenceHandlers() {
		fn(state.Clone())
	}
}

func (c *channel) deliverBroadcast(event string, payload map[string]any) {
	c.mu.Lock()
	var fns []func(string, map[string]any)
	for _, h := range c.broadcasts {
		if h.event == "*" || h.event == event {
			fns = append(fns, h.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(event, payload)
	}
}

func (c *channel) swapPresenceRef(ref string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.presenceRef
	c.presenceRef = ref
	return old
}

func (c *channel) takePresenceRef() string {
	return c.swapPresenceRef("")
}
