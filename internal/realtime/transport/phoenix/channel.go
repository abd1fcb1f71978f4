package phoenix

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/realtime/phx"
	"github.com/markb/fitdesk/internal/realtime/transport"
)

type channelState int

const (
	stateIdle channelState = iota
	stateJoining
	stateJoined
	stateClosed
)

type binding struct {
	spec phx.PostgresChange
	fn   func(phx.ChangeEvent)
	id   int // assigned by the server's join reply
}

type broadcastHandler struct {
	event string
	fn    func(string, map[string]any)
}

type channel struct {
	client *Client
	name   string
	topic  string
	cfg    transport.ChannelConfig

	mu          sync.Mutex
	state       channelState
	joinRef     string
	status      transport.StatusFunc
	bindings    []*binding
	broadcasts  []broadcastHandler
	presenceFns []func(phx.PresenceMap)
	presence    phx.PresenceMap
	settled     chan struct{} // closed once the join reply is handled
}

func (c *channel) Name() string { return c.name }

func (c *channel) OnPostgresChanges(spec phx.PostgresChange, fn func(phx.ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, &binding{spec: spec, fn: fn})
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

// Subscribe dials if needed and sends phx_join. The outcome is reported to
// fn from a separate goroutine.
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
	c.joinRef = c.client.nextRef()
	cfg := phx.JoinConfig{
		Broadcast:       c.cfg.Broadcast,
		Presence:        c.cfg.Presence,
		Private:         c.cfg.Private,
		PostgresChanges: make([]phx.PostgresChange, 0, len(c.bindings)),
	}
	for _, b := range c.bindings {
		cfg.PostgresChanges = append(cfg.PostgresChanges, b.spec)
	}
	joinRef := c.joinRef
	c.mu.Unlock()

	s, err := c.client.connect(ctx)
	if err != nil {
		c.transition(stateJoining, stateClosed)
		return err
	}
	c.client.track(c)

	settled := make(chan struct{})
	c.mu.Lock()
	c.settled = settled
	c.mu.Unlock()

	if err := s.write(phx.NewJoin(c.topic, joinRef, cfg, c.client.accessToken())); err != nil {
		c.client.forget(joinRef)
		c.transition(stateJoining, stateClosed)
		return err
	}

	go c.awaitJoin(s, joinRef, settled)
	return nil
}

// awaitJoin fails the join if no reply arrives in time or the socket dies
// first. Replies themselves are handled on the read loop by handleJoinReply.
func (c *channel) awaitJoin(s *socket, joinRef string, settled <-chan struct{}) {
	timer := time.NewTimer(c.client.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case <-settled:
	case <-s.done:
		c.client.forget(joinRef)
		if c.transition(stateJoining, stateClosed) {
			c.notify(transport.StatusChannelError, fmt.Errorf("%w: connection lost during join", transport.ErrNotConnected))
		}
	case <-timer.C:
		c.client.forget(joinRef)
		if c.transition(stateJoining, stateClosed) {
			s.write(phx.NewLeave(c.topic, joinRef, c.client.nextRef()))
			c.notify(transport.StatusTimedOut, transport.ErrJoinTimeout)
		}
	}
}

// handleJoinReply settles a pending join. It runs on the read loop so that
// no frame following the reply is seen before the channel is joined.
func (c *channel) handleJoinReply(msg *phx.Message) {
	c.mu.Lock()
	if c.state != stateJoining || msg.Ref != c.joinRef {
		c.mu.Unlock()
		return
	}
	settled := c.settled
	c.settled = nil
	c.mu.Unlock()
	if settled != nil {
		close(settled)
	}

	status, response := phx.ReplyStatus(msg)
	if status != phx.StatusOK {
		c.client.forget(msg.Ref)
		if c.transition(stateJoining, stateClosed) {
			reason, _ := response["reason"].(string)
			c.notify(transport.StatusChannelError, fmt.Errorf("%w: %s", transport.ErrJoinRejected, reason))
		}
		return
	}
	bindings, err := phx.ParseJoinReply(response)
	if err != nil {
		log.Warn("phoenix: bad join reply", "channel", c.name, "error", err.Error())
	}
	c.assignBindingIDs(bindings)
	if c.transition(stateJoining, stateJoined) {
		c.notify(transport.StatusSubscribed, nil)
	}
}

// Track announces presence. The payload replaces any previous one.
func (c *channel) Track(ctx context.Context, payload map[string]any) error {
	return c.pushAndWait(ctx, func(joinRef, ref string) *phx.Message {
		return phx.NewTrack(c.topic, joinRef, ref, payload)
	})
}

// Send publishes a broadcast. With Broadcast.Ack the call waits for the
// server's acknowledgement.
func (c *channel) Send(ctx context.Context, event string, payload map[string]any) error {
	build := func(joinRef, ref string) *phx.Message {
		msg := phx.NewBroadcastMessage(c.topic, event, payload)
		msg.JoinRef = joinRef
		msg.Ref = ref
		return msg
	}
	if c.cfg.Broadcast.Ack {
		return c.pushAndWait(ctx, build)
	}

	joinRef, ok := c.joinedRef()
	if !ok {
		return transport.ErrNotJoined
	}
	s := c.client.current()
	if s == nil {
		return transport.ErrNotConnected
	}
	return s.write(build(joinRef, c.client.nextRef()))
}

func (c *channel) pushAndWait(ctx context.Context, build func(joinRef, ref string) *phx.Message) error {
	joinRef, ok := c.joinedRef()
	if !ok {
		return transport.ErrNotJoined
	}
	s := c.client.current()
	if s == nil {
		return transport.ErrNotConnected
	}

	msg := build(joinRef, c.client.nextRef())
	reply, err := s.push(msg)
	if err != nil {
		return err
	}

	timer := time.NewTimer(c.client.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-reply:
		if !ok {
			return transport.ErrNotConnected
		}
		if status, response := phx.ReplyStatus(r); status != phx.StatusOK {
			reason, _ := response["reason"].(string)
			return fmt.Errorf("phoenix: %s rejected: %s", msg.Event, reason)
		}
		return nil
	case <-timer.C:
		s.drop(msg.Ref)
		return errReplyTimeout
	case <-ctx.Done():
		s.drop(msg.Ref)
		return ctx.Err()
	}
}

func (c *channel) joinedRef() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinRef, c.state == stateJoined
}

func (c *channel) currentJoinRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinRef
}

func (c *channel) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateJoined
}

// transition moves from one state to another and reports whether it did.
func (c *channel) transition(from, to channelState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

// close marks the channel closed and returns the previous state.
func (c *channel) close() (channelState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = stateClosed
	return prev, c.joinRef
}

func (c *channel) notify(status transport.Status, err error) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}

// assignBindingIDs matches server bindings to local ones by position,
// falling back to comparing their fields.
func (c *channel) assignBindingIDs(server []phx.PostgresChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range c.bindings {
		if i < len(server) && sameBinding(b.spec, server[i]) {
			b.id = server[i].ID
			continue
		}
		for _, s := range server {
			if sameBinding(b.spec, s) {
				b.id = s.ID
				break
			}
		}
	}
}

func sameBinding(a, b phx.PostgresChange) bool {
	return a.Event == b.Event && a.Schema == b.Schema && a.Table == b.Table && a.Filter == b.Filter
}

func (c *channel) deliverChange(payload map[string]any) {
	ids, event, err := phx.ParsePostgresChange(payload)
	if err != nil {
		log.Debug("phoenix: bad postgres_changes payload", "channel", c.name, "error", err.Error())
		return
	}

	c.mu.Lock()
	if c.state != stateJoined {
		c.mu.Unlock()
		return
	}
	var fns []func(phx.ChangeEvent)
	for _, b := range c.bindings {
		if matchesID(ids, b.id) || (len(ids) == 0 && b.spec.Matches(event.Schema, event.Table, event.EventType, event.New, event.Old)) {
			fns = append(fns, b.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

func matchesID(ids []int, id int) bool {
	if id == 0 {
		return false
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (c *channel) deliverBroadcast(event string, payload map[string]any) {
	c.mu.Lock()
	if c.state != stateJoined {
		c.mu.Unlock()
		return
	}
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

func (c *channel) resetPresence(payload map[string]any) {
	state, err := phx.ParsePresenceState(payload)
	if err != nil {
		log.Debug("phoenix: bad presence_state payload", "channel", c.name, "error", err.Error())
		return
	}
	c.mu.Lock()
	c.presence = state
	c.mu.Unlock()
	c.syncPresence()
}

func (c *channel) applyPresenceDiff(payload map[string]any) {
	joins, leaves, err := phx.ParsePresenceDiff(payload)
	if err != nil {
		log.Debug("phoenix: bad presence_diff payload", "channel", c.name, "error", err.Error())
		return
	}
	c.mu.Lock()
	if c.presence == nil {
		c.presence = phx.PresenceMap{}
	}
	c.presence.ApplyDiff(joins, leaves)
	c.mu.Unlock()
	c.syncPresence()
}

func (c *channel) syncPresence() {
	c.mu.Lock()
	if c.state != stateJoined && c.state != stateJoining {
		c.mu.Unlock()
		return
	}
	fns := make([]func(phx.PresenceMap), len(c.presenceFns))
	copy(fns, c.presenceFns)
	state := c.presence.Clone()
	c.mu.Unlock()

	for _, fn := range fns {
		fn(state.Clone())
	}
}
