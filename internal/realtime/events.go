package realtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/markb/fitdesk/internal/realtime/phx"
)

// ChangeType is the kind of row change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// RowChangeEvent is a normalized postgres change. New is nil for deletes,
// Old is nil for inserts.
type RowChangeEvent struct {
	Type            ChangeType
	Schema          string
	Table           string
	New             map[string]any
	Old             map[string]any
	CommitTimestamp time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC 3339 and the textual timestamptz forms
// Postgres produces.
func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func normalizeChange(ev phx.ChangeEvent) RowChangeEvent {
	out := RowChangeEvent{
		Type:   ChangeType(strings.ToUpper(ev.EventType)),
		Schema: ev.Schema,
		Table:  ev.Table,
	}
	if len(ev.New) > 0 {
		out.New = ev.New
	}
	if len(ev.Old) > 0 {
		out.Old = ev.Old
	}
	if ts, ok := parseTimestamp(ev.CommitTimestamp); ok {
		out.CommitTimestamp = ts
	}
	return out
}

// Severity is the notification type shown as a toast.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity maps a stored notification type to a severity. Unknown
// values are info.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(s)) {
	case SeveritySuccess:
		return SeveritySuccess
	case SeverityWarning:
		return SeverityWarning
	case SeverityError:
		return SeverityError
	default:
		return SeverityInfo
	}
}

// Notification is a row of the notifications table.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      Severity       `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Link      string         `json:"link,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NotificationFromRow decodes a notification from a change record. Only an
// empty row is rejected; missing columns decode to their zero values.
func NotificationFromRow(row map[string]any) (Notification, error) {
	if len(row) == 0 {
		return Notification{}, fmt.Errorf("empty notification row")
	}
	n := Notification{
		ID:      stringField(row, "id"),
		UserID:  stringField(row, "user_id"),
		Type:    ParseSeverity(stringField(row, "type")),
		Title:   stringField(row, "title"),
		Message: stringField(row, "message"),
		Link:    stringField(row, "link"),
	}
	if read, ok := row["read"].(bool); ok {
		n.Read = read
	}
	if ts, ok := parseTimestamp(stringField(row, "created_at")); ok {
		n.CreatedAt = ts
	}
	if md, ok := row["metadata"].(map[string]any); ok {
		n.Metadata = md
	}
	return n, nil
}

func stringField(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}

// UserInfo is what a user announces about themselves on a presence channel.
type UserInfo struct {
	Name   string
	Role   string
	Avatar string
}

// PresenceEntry is one connection's presence announcement.
type PresenceEntry struct {
	UserID   string
	Name     string
	Role     string
	Avatar   string
	OnlineAt time.Time
	Ref      string
}

// PresenceState maps a presence key (the user id) to every connection of
// that user currently present.
type PresenceState map[string][]PresenceEntry

// Users returns the number of distinct presence keys.
func (s PresenceState) Users() int {
	return len(s)
}

func presenceEntry(userID string, info UserInfo, now time.Time) map[string]any {
	return map[string]any{
		"user_id":   userID,
		"name":      info.Name,
		"role":      info.Role,
		"avatar":    info.Avatar,
		"online_at": now.UTC().Format(time.RFC3339),
	}
}

func presenceStateFrom(m phx.PresenceMap) PresenceState {
	out := make(PresenceState, len(m))
	for key, p := range m {
		entries := make([]PresenceEntry, 0, len(p.Metas))
		for _, meta := range p.Metas {
			e := PresenceEntry{
				UserID: stringField(meta, "user_id"),
				Name:   stringField(meta, "name"),
				Role:   stringField(meta, "role"),
				Avatar: stringField(meta, "avatar"),
				Ref:    stringField(meta, "phx_ref"),
			}
			if e.UserID == "" {
				e.UserID = key
			}
			if ts, ok := parseTimestamp(stringField(meta, "online_at")); ok {
				e.OnlineAt = ts
			}
			entries = append(entries, e)
		}
		out[key] = entries
	}
	return out
}
