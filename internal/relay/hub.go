package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/realtime/phx"
)

// Hub manages all WebSocket connections and topics
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Conn  // connID -> Conn
	topics      map[string]*Topic // wire topic -> Topic

	keys   keyring
	bridge Bridge
}

// HubStats contains relay statistics
type HubStats struct {
	Connections  int          `json:"connections"`
	Topics       int          `json:"topics"`
	TopicDetails []TopicStats `json:"topic_details"`
	Bridged      bool         `json:"bridged"`
}

// TopicStats contains per-topic statistics
type TopicStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Presences   int    `json:"presences"`
	Private     bool   `json:"private,omitempty"`
}

// NewHub creates a new Hub
func NewHub(keys keyring) *Hub {
	return &Hub{
		connections: make(map[string]*Conn),
		topics:      make(map[string]*Topic),
		keys:        keys,
	}
}

// Stats returns current relay statistics, topics sorted by name.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		Connections:  len(h.connections),
		Topics:       len(h.topics),
		TopicDetails: make([]TopicStats, 0, len(h.topics)),
		Bridged:      h.bridge != nil && h.bridge.Available(),
	}
	for _, t := range h.topics {
		ts := TopicStats{Topic: t.name, Private: t.private}
		t.mu.RLock()
		ts.Subscribers = len(t.subscribers)
		presence := t.presence
		t.mu.RUnlock()
		if presence != nil {
			ts.Presences = presence.keys()
		}
		stats.TopicDetails = append(stats.TopicDetails, ts)
	}
	sort.Slice(stats.TopicDetails, func(i, j int) bool {
		return stats.TopicDetails[i].Topic < stats.TopicDetails[j].Topic
	})
	return stats
}

// SetBridge relays changes and broadcasts to other instances through b.
func (h *Hub) SetBridge(b Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// registerConn adds a connection to the hub
func (h *Hub) registerConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.id] = conn
}

// unregisterConn removes a connection from the hub and every topic. Its
// presence is untracked and the leave diffed to the remaining subscribers.
func (h *Hub) unregisterConn(conn *Conn) {
	h.mu.Lock()
	delete(h.connections, conn.id)
	var joined []*Topic
	for _, t := range h.topics {
		if sub := t.get(conn.id); sub != nil {
			joined = append(joined, t)
		}
	}
	h.mu.Unlock()

	for _, t := range joined {
		sub := t.get(conn.id)
		if sub == nil {
			continue
		}
		h.leave(t, sub)
	}
}

// closeAll closes every connection.
func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

// leave removes sub from t, untracking its presence.
func (h *Hub) leave(t *Topic, sub *subscription) {
	if !t.remove(sub) {
		return
	}
	if presence := t.getPresence(); presence != nil && sub.presence.Key != "" {
		if leaves := presence.untrack(sub.presence.Key, sub.conn.id); leaves != nil {
			t.presenceDiff(nil, leaves)
		}
	}
	h.removeTopicIfEmpty(t.name)
}

// join adds sub to the named topic, creating the topic if needed. It
// returns the topic and the subscription of the same connection that sub
// replaced, if any.
func (h *Hub) join(name string, private bool, sub *subscription) (*Topic, *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[name]
	if !ok {
		t = &Topic{
			name:        name,
			private:     private,
			subscribers: make(map[string]*subscription),
		}
		h.topics[name] = t
	}
	if sub.presence.Key != "" {
		t.enablePresence()
	}
	return t, t.put(sub)
}

// getTopic returns a topic by name, or nil if not found
func (h *Hub) getTopic(name string) *Topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topics[name]
}

// removeTopicIfEmpty removes a topic if it has no subscribers
func (h *Hub) removeTopicIfEmpty(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[name]; ok && t.isEmpty() {
		delete(h.topics, name)
	}
}

func (h *Hub) snapshotTopics() []*Topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topics := make([]*Topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	return topics
}

// NotifyChange delivers a row change to every subscriber with a matching
// postgres_changes binding and relays it to other instances. It returns the
// number of local deliveries.
func (h *Hub) NotifyChange(schema, table, eventType string, oldRow, newRow map[string]any) int {
	ev := phx.ChangeEvent{
		Schema:          schema,
		Table:           table,
		CommitTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType:       eventType,
		New:             newRow,
		Old:             oldRow,
	}
	n := h.deliverChange(ev)
	h.publish(Envelope{Kind: KindChange, Change: &ev})
	return n
}

func (h *Hub) deliverChange(ev phx.ChangeEvent) int {
	n := 0
	for _, t := range h.snapshotTopics() {
		n += t.fanout("", func(sub *subscription) *phx.Message {
			ids := sub.matchingIDs(ev)
			if len(ids) == 0 {
				return nil
			}
			return phx.NewPostgresChangeMessage(t.name, sub.joinRef, ids, ev)
		})
	}
	log.Debug("relay: change delivered", "schema", ev.Schema, "table", ev.Table, "type", ev.EventType, "deliveries", n)
	return n
}

// Broadcast sends a broadcast on a wire topic to every subscriber and relays
// it to other instances. It returns the number of local deliveries.
func (h *Hub) Broadcast(topic, event string, payload map[string]any) int {
	n := h.deliverBroadcast(topic, event, payload, "")
	h.publish(Envelope{Kind: KindBroadcast, Topic: topic, Event: event, Payload: payload})
	return n
}

func (h *Hub) deliverBroadcast(topic, event string, payload map[string]any, excludeConnID string) int {
	t := h.getTopic(topic)
	if t == nil {
		return 0
	}
	msg := phx.NewBroadcastMessage(topic, event, payload)
	return t.fanout(excludeConnID, func(*subscription) *phx.Message { return msg })
}

// DeliverLocal hands an envelope received from another instance to local
// subscribers only.
func (h *Hub) DeliverLocal(env Envelope) int {
	switch env.Kind {
	case KindChange:
		if env.Change == nil {
			return 0
		}
		return h.deliverChange(*env.Change)
	case KindBroadcast:
		return h.deliverBroadcast(env.Topic, env.Event, env.Payload, "")
	default:
		log.Debug("relay: unknown envelope", "kind", env.Kind)
		return 0
	}
}

func (h *Hub) publish(env Envelope) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()
	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(env); err != nil {
		log.Warn("relay: bridge publish failed", "kind", env.Kind, "error", err.Error())
	}
}
