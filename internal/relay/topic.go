package relay

import (
	"sync"

	"github.com/markb/fitdesk/internal/realtime/phx"
)

// Topic is one wire topic and the connections joined to it.
type Topic struct {
	name        string
	private     bool
	mu          sync.RWMutex
	subscribers map[string]*subscription // connID -> subscription
	presence    *presenceTable           // nil until a subscriber sets a presence key
}

// subscription is one connection's join of a topic.
type subscription struct {
	conn      *Conn
	joinRef   string
	broadcast phx.BroadcastConfig
	presence  phx.PresenceConfig
	changes   []phx.PostgresChange // ids assigned on join
}

// put stores sub and returns the subscription it replaced, if any.
func (t *Topic) put(sub *subscription) *subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.subscribers[sub.conn.id]
	t.subscribers[sub.conn.id] = sub
	return prev
}

// remove deletes the connection's subscription if it is still sub.
func (t *Topic) remove(sub *subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.subscribers[sub.conn.id]; !ok || cur != sub {
		return false
	}
	delete(t.subscribers, sub.conn.id)
	return true
}

func (t *Topic) get(connID string) *subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subscribers[connID]
}

// snapshot returns the current subscribers.
func (t *Topic) snapshot() []*subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	subs := make([]*subscription, 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func (t *Topic) isEmpty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers) == 0
}

// enablePresence returns the topic's presence table, creating it.
func (t *Topic) enablePresence() *presenceTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.presence == nil {
		t.presence = newPresenceTable()
	}
	return t.presence
}

func (t *Topic) getPresence() *presenceTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.presence
}

// fanout sends build(sub) to every subscriber except excludeConnID and
// returns the number of messages queued.
func (t *Topic) fanout(excludeConnID string, build func(*subscription) *phx.Message) int {
	n := 0
	for _, sub := range t.snapshot() {
		if sub.conn.id == excludeConnID {
			continue
		}
		msg := build(sub)
		if msg == nil {
			continue
		}
		sub.conn.Send(msg)
		n++
	}
	return n
}

// presenceDiff sends a presence_diff to every subscriber, addressed to each
// subscriber's own join.
func (t *Topic) presenceDiff(joins, leaves phx.PresenceMap) {
	if len(joins) == 0 && len(leaves) == 0 {
		return
	}
	t.fanout("", func(sub *subscription) *phx.Message {
		return phx.NewPresenceDiffMessage(t.name, sub.joinRef, joins, leaves)
	})
}

// matchingIDs returns the ids of the subscription's bindings selecting ev.
func (s *subscription) matchingIDs(ev phx.ChangeEvent) []int {
	var ids []int
	for _, b := range s.changes {
		if b.Matches(ev.Schema, ev.Table, ev.EventType, ev.New, ev.Old) {
			ids = append(ids, b.ID)
		}
	}
	return ids
}
