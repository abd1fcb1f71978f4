// Package memtransport is an in-process realtime backend implementing the
// transport contract. It evaluates postgres change filters, keeps presence
// per channel name, relays broadcasts, and can inject faults (rejected or
// stalled joins, server-side channel errors).
package memtransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

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

// Broker is the shared backend. Every Client created from it sees the same
// channels, presence and changes.
type Broker struct {
	mu        sync.Mutex
	joined    map[string]map[*channel]struct{} // name -> joined channels
	presence  map[string]phx.PresenceMap       // name -> presence state
	joins     map[string]int
	removed   map[string]int
	failJoins map[string]int
	blocked   bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		joined:    make(map[string]map[*channel]struct{}),
		presence:  make(map[string]phx.PresenceMap),
		joins:     make(map[string]int),
		removed:   make(map[string]int),
		failJoins: make(map[string]int),
	}
}

// Client returns a transport client bound to the broker.
func (b *Broker) Client() transport.Client {
	return &client{broker: b}
}

// FailJoins makes the next n joins of the named channel fail with
// CHANNEL_ERROR.
func (b *Broker) FailJoins(name string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failJoins[name] = n
}

// BlockJoins makes subsequent joins hang without any status reply.
func (b *Broker) BlockJoins(blocked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked = blocked
}

// DropChannel errors every joined channel with the given name, as a server
// crash or network loss would. It returns the number of channels dropped.
func (b *Broker) DropChannel(name string) int {
	b.mu.Lock()
	var dropped []*channel
	for ch := range b.joined[name] {
		dropped = append(dropped, ch)
	}
	b.mu.Unlock()

	for _, ch := range dropped {
		b.detach(ch)
		ch.setState(stateClosed)
		ch.notify(transport.StatusChannelError, fmt.Errorf("%w: dropped by server", transport.ErrChannelClosed))
	}
	return len(dropped)
}

// EmitChange delivers a row change to every joined channel with a matching
// postgres_changes binding. It returns the number of callbacks invoked.
func (b *Broker) EmitChange(schema, table, eventType string, oldRow, newRow map[string]any) int {
	event := phx.ChangeEvent{
		Schema:          schema,
		Table:           table,
		CommitTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType:       eventType,
		New:             newRow,
		Old:             oldRow,
	}

	var targets []func(phx.ChangeEvent)
	b.mu.Lock()
	for _, set := range b.joined {
		for ch := range set {
			targets = append(targets, ch.matchingBindings(event)...)
		}
	}
	b.mu.Unlock()

	for _, fn := range targets {
		fn(event)
	}
	return len(targets)
}

// Joins returns how many times a channel with this name tried to join.
func (b *Broker) Joins(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joins[name]
}

// Removed returns how many channels with this name were removed by clients.
func (b *Broker) Removed(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removed[name]
}

// Active returns how many channels with this name are currently joined.
func (b *Broker) Active(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.joined[name])
}

// Presence returns a copy of the presence state of a channel name.
func (b *Broker) Presence(name string) phx.PresenceMap {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.presence[name]; ok {
		return state.Clone()
	}
	return phx.PresenceMap{}
}

// join records a join attempt and decides its outcome.
// replied is false when joins are blocked.
func (b *Broker) join(ch *channel) (status transport.Status, replied bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.joins[ch.name]++
	if b.blocked {
		return "", false, nil
	}
	if n := b.failJoins[ch.name]; n > 0 {
		b.failJoins[ch.name] = n - 1
		return transport.StatusChannelError, true, transport.ErrJoinRejected
	}
	set, ok := b.joined[ch.name]
	if !ok {
		set = make(map[*channel]struct{})
		b.joined[ch.name] = set
	}
	set[ch] = struct{}{}
	return transport.StatusSubscribed, true, nil
}

// detach removes a channel from the joined set and drops its presence,
// syncing the remaining members.
func (b *Broker) detach(ch *channel) {
	b.mu.Lock()
	if set, ok := b.joined[ch.name]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(b.joined, ch.name)
		}
	}
	ref := ch.takePresenceRef()
	if ref == "" {
		b.mu.Unlock()
		return
	}
	state := b.presence[ch.name]
	state.ApplyDiff(nil, phx.PresenceMap{ch.cfg.Presence.Key: {Metas: []map[string]any{{"phx_ref": ref}}}})
	if len(state) == 0 {
		delete(b.presence, ch.name)
	}
	members := b.membersLocked(ch.name)
	snapshot := state.Clone()
	b.mu.Unlock()

	for _, m := range members {
		m.syncPresence(snapshot)
	}
}

// track replaces the channel's presence meta and syncs every member.
func (b *Broker) track(ch *channel, payload map[string]any) {
	ref := uuid.NewString()[:8]
	meta := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		meta[k] = v
	}
	meta["phx_ref"] = ref

	key := ch.cfg.Presence.Key
	if key == "" {
		key = ref
	}

	b.mu.Lock()
	if _, joined := b.joined[ch.name][ch]; !joined {
		// Removed between the caller's check and here.
		b.mu.Unlock()
		return
	}
	state, ok := b.presence[ch.name]
	if !ok {
		state = phx.PresenceMap{}
		b.presence[ch.name] = state
	}
	var leaves phx.PresenceMap
	if old := ch.swapPresenceRef(ref); old != "" {
		leaves = phx.PresenceMap{key: {Metas: []map[string]any{{"phx_ref": old}}}}
	}
	state.ApplyDiff(phx.PresenceMap{key: {Metas: []map[string]any{meta}}}, leaves)
	members := b.membersLocked(ch.name)
	snapshot := state.Clone()
	b.mu.Unlock()

	for _, m := range members {
		m.syncPresence(snapshot)
	}
}

// broadcast relays a message to the channel's peers.
func (b *Broker) broadcast(from *channel, event string, payload map[string]any) {
	b.mu.Lock()
	members := b.membersLocked(from.name)
	b.mu.Unlock()

	for _, m := range members {
		if m == from && !from.cfg.Broadcast.Self {
			continue
		}
		m.deliverBroadcast(event, payload)
	}
}

func (b *Broker) remove(ch *channel) {
	b.mu.Lock()
	b.removed[ch.name]++
	b.mu.Unlock()
	b.detach(ch)
}

func (b *Broker) membersLocked(name string) []*channel {
	members := make([]*channel, 0, len(b.joined[name]))
	for ch := range b.joined[name] {
		members = append(members, ch)
	}
	return members
}

func (b *Broker) presenceSnapshot(name string) (phx.PresenceMap, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.presence[name]
	if !ok {
		return phx.PresenceMap{}, false
	}
	return state.Clone(), true
}

type client struct {
	broker *Broker
}

func (c *client) Channel(name string, cfg transport.ChannelConfig) transport.Channel {
	return &channel{broker: c.broker, name: name, cfg: cfg}
}

func (c *client) RemoveChannel(ctx context.Context, ch transport.Channel) error {
	mc, ok := ch.(*channel)
	if !ok {
		return fmt.Errorf("memtransport: foreign channel %q", ch.Name())
	}
	if mc.setState(stateClosed) == stateClosed {
		return nil
	}
	c.broker.remove(mc)
	mc.notify(transport.StatusClosed, nil)
	return nil
}
