// Package phx implements the Phoenix Protocol v1.0.0 message format used by
// Supabase-compatible realtime servers: channel join/leave, heartbeats,
// broadcast, presence, and postgres_changes delivery.
package phx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is a Phoenix v1 frame.
type Message struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Client events
const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventHeartbeat   = "heartbeat"
	EventAccessToken = "access_token"
	EventBroadcast   = "broadcast"
	EventPresence    = "presence"
)

// Server events
const (
	EventReply         = "phx_reply"
	EventClose         = "phx_close"
	EventError         = "phx_error"
	EventSystem        = "system"
	EventPostgres      = "postgres_changes"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
)

// Reply statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// TopicPhoenix is the topic heartbeats are sent on.
const TopicPhoenix = "phoenix"

// topicPrefix is prepended to every channel name on the wire.
const topicPrefix = "realtime:"

// Topic returns the wire topic for a channel name.
func Topic(name string) string {
	return topicPrefix + name
}

// ChannelName strips the wire prefix from a topic.
func ChannelName(topic string) string {
	return strings.TrimPrefix(topic, topicPrefix)
}

// JoinConfig holds channel join configuration
type JoinConfig struct {
	Broadcast       BroadcastConfig  `json:"broadcast"`
	Presence        PresenceConfig   `json:"presence"`
	PostgresChanges []PostgresChange `json:"postgres_changes"`
	Private         bool             `json:"private"`
}

// BroadcastConfig holds broadcast options
type BroadcastConfig struct {
	Ack  bool `json:"ack"`  // wait for server ack
	Self bool `json:"self"` // receive own broadcasts
}

// PresenceConfig holds presence options
type PresenceConfig struct {
	Key string `json:"key"` // presence key (e.g., user ID)
}

// PostgresChange is one postgres_changes binding requested on join.
type PostgresChange struct {
	Event  string `json:"event"`            // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"`           // "public"
	Table  string `json:"table,omitempty"`  // table name or "*"
	Filter string `json:"filter,omitempty"` // e.g., "user_id=eq.123"
	ID     int    `json:"id,omitempty"`     // assigned by server
}

// ChangeEvent represents a database change
type ChangeEvent struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	EventType       string         `json:"eventType"` // INSERT, UPDATE, DELETE
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
	Errors          []string       `json:"errors"`
}

// Presence is the per-key presence payload: every connection tracking the
// key contributes one meta.
type Presence struct {
	Metas []map[string]any `json:"metas"`
}

// PresenceMap maps a presence key to its metas.
type PresenceMap map[string]Presence

// Clone returns a deep copy of the map (metas are copied shallowly).
func (p PresenceMap) Clone() PresenceMap {
	out := make(PresenceMap, len(p))
	for key, pr := range p {
		metas := make([]map[string]any, len(pr.Metas))
		for i, m := range pr.Metas {
			cp := make(map[string]any, len(m))
			for k, v := range m {
				cp[k] = v
			}
			metas[i] = cp
		}
		out[key] = Presence{Metas: metas}
	}
	return out
}

// ApplyDiff applies joins and leaves to the map in place. Leaves are
// matched by phx_ref.
func (p PresenceMap) ApplyDiff(joins, leaves PresenceMap) {
	for key, pr := range joins {
		current := p[key].Metas
		for _, meta := range pr.Metas {
			ref, _ := meta["phx_ref"].(string)
			replaced := false
			for i, m := range current {
				if r, _ := m["phx_ref"].(string); ref != "" && r == ref {
					current[i] = meta
					replaced = true
					break
				}
			}
			if !replaced {
				current = append(current, meta)
			}
		}
		p[key] = Presence{Metas: current}
	}
	for key, pr := range leaves {
		gone := make(map[string]bool, len(pr.Metas))
		for _, meta := range pr.Metas {
			if ref, ok := meta["phx_ref"].(string); ok {
				gone[ref] = true
			}
		}
		var remaining []map[string]any
		for _, m := range p[key].Metas {
			if ref, _ := m["phx_ref"].(string); !gone[ref] {
				remaining = append(remaining, m)
			}
		}
		if len(remaining) == 0 {
			delete(p, key)
		} else {
			p[key] = Presence{Metas: remaining}
		}
	}
}

// ParseJoinPayload extracts JoinConfig and access_token from phx_join payload
func ParseJoinPayload(payload map[string]any) (*JoinConfig, string, error) {
	config := &JoinConfig{}
	token, _ := payload["access_token"].(string)

	raw, ok := payload["config"]
	if !ok || raw == nil {
		return config, token, nil
	}
	if err := remarshal(raw, config); err != nil {
		return nil, "", fmt.Errorf("invalid join config: %w", err)
	}
	return config, token, nil
}

// NewJoin creates a phx_join message.
func NewJoin(topic, joinRef string, config JoinConfig, accessToken string) *Message {
	payload := map[string]any{"config": config}
	if accessToken != "" {
		payload["access_token"] = accessToken
	}
	return &Message{
		Event:   EventJoin,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     joinRef,
		Payload: payload,
	}
}

// NewJoinReply creates the ok reply to a join, echoing the postgres_changes
// bindings with their server-assigned ids.
func NewJoinReply(topic, joinRef string, bindings []PostgresChange) *Message {
	if bindings == nil {
		bindings = []PostgresChange{}
	}
	return NewReply(topic, joinRef, joinRef, StatusOK, map[string]any{"postgres_changes": bindings})
}

// ParseJoinReply returns the postgres_changes bindings of a join reply.
func ParseJoinReply(response map[string]any) ([]PostgresChange, error) {
	raw, ok := response["postgres_changes"]
	if !ok || raw == nil {
		return nil, nil
	}
	var bindings []PostgresChange
	if err := remarshal(raw, &bindings); err != nil {
		return nil, fmt.Errorf("invalid join reply: %w", err)
	}
	return bindings, nil
}

// NewLeave creates a phx_leave message.
func NewLeave(topic, joinRef, ref string) *Message {
	return &Message{Event: EventLeave, Topic: topic, JoinRef: joinRef, Ref: ref, Payload: map[string]any{}}
}

// NewHeartbeat creates a heartbeat message on the phoenix topic.
func NewHeartbeat(ref string) *Message {
	return &Message{Event: EventHeartbeat, Topic: TopicPhoenix, Ref: ref, Payload: map[string]any{}}
}

// NewTrack creates a presence track message.
func NewTrack(topic, joinRef, ref string, payload map[string]any) *Message {
	return &Message{
		Event:   EventPresence,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{
			"type":    "presence",
			"event":   "track",
			"payload": payload,
		},
	}
}

// NewUntrack creates a presence untrack message.
func NewUntrack(topic, joinRef, ref string) *Message {
	return &Message{
		Event:   EventPresence,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{"type": "presence", "event": "untrack"},
	}
}

// NewReply creates a phx_reply message
func NewReply(topic, joinRef, ref, status string, response map[string]any) *Message {
	return &Message{
		Event:   EventReply,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{
			"status":   status,
			"response": response,
		},
	}
}

// ReplyStatus returns the status and response of a phx_reply payload.
func ReplyStatus(msg *Message) (string, map[string]any) {
	status, _ := msg.Payload["status"].(string)
	response, _ := msg.Payload["response"].(map[string]any)
	return status, response
}

// NewSystemMessage creates a system message for subscription status
func NewSystemMessage(topic, joinRef string, status, message, extension string) *Message {
	return &Message{
		Event:   EventSystem,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{
			"status":    status,
			"message":   message,
			"extension": extension,
		},
	}
}

// NewBroadcastMessage creates a broadcast message
func NewBroadcastMessage(topic, event string, payload map[string]any) *Message {
	return &Message{
		Event: EventBroadcast,
		Topic: topic,
		Payload: map[string]any{
			"type":    "broadcast",
			"event":   event,
			"payload": payload,
		},
	}
}

// ParseBroadcast extracts the event name and payload of a broadcast message.
func ParseBroadcast(msg *Message) (string, map[string]any) {
	event, _ := msg.Payload["event"].(string)
	payload, _ := msg.Payload["payload"].(map[string]any)
	return event, payload
}

// NewPostgresChangeMessage creates a postgres_changes message
func NewPostgresChangeMessage(topic, joinRef string, ids []int, event ChangeEvent) *Message {
	return &Message{
		Event:   EventPostgres,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{
			"ids":  ids,
			"data": event,
		},
	}
}

// ParsePostgresChange decodes a postgres_changes payload.
func ParsePostgresChange(payload map[string]any) ([]int, ChangeEvent, error) {
	var body struct {
		IDs  []int       `json:"ids"`
		Data ChangeEvent `json:"data"`
	}
	if err := remarshal(payload, &body); err != nil {
		return nil, ChangeEvent{}, fmt.Errorf("invalid postgres_changes payload: %w", err)
	}
	return body.IDs, body.Data, nil
}

// NewPresenceStateMessage creates a presence_state message
func NewPresenceStateMessage(topic, joinRef string, state PresenceMap) *Message {
	payload := make(map[string]any, len(state))
	for key, pr := range state {
		payload[key] = pr
	}
	return &Message{
		Event:   EventPresenceState,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: payload,
	}
}

// ParsePresenceState decodes a presence_state payload.
func ParsePresenceState(payload map[string]any) (PresenceMap, error) {
	state := PresenceMap{}
	if err := remarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("invalid presence_state payload: %w", err)
	}
	return state, nil
}

// NewPresenceDiffMessage creates a presence_diff message
func NewPresenceDiffMessage(topic, joinRef string, joins, leaves PresenceMap) *Message {
	if joins == nil {
		joins = PresenceMap{}
	}
	if leaves == nil {
		leaves = PresenceMap{}
	}
	return &Message{
		Event:   EventPresenceDiff,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{
			"joins":  joins,
			"leaves": leaves,
		},
	}
}

// ParsePresenceDiff decodes a presence_diff payload.
func ParsePresenceDiff(payload map[string]any) (joins, leaves PresenceMap, err error) {
	var body struct {
		Joins  PresenceMap `json:"joins"`
		Leaves PresenceMap `json:"leaves"`
	}
	if err := remarshal(payload, &body); err != nil {
		return nil, nil, fmt.Errorf("invalid presence_diff payload: %w", err)
	}
	return body.Joins, body.Leaves, nil
}

// Encode serializes a message to JSON bytes
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses JSON bytes into a Message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	return &msg, nil
}

// remarshal converts a decoded JSON value (map[string]any etc.) into a typed
// value by round-tripping through encoding/json.
func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
