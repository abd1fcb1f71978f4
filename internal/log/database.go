package log

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const createLogsTableSQL = `
CREATE TABLE IF NOT EXISTS logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    source TEXT,
    channel TEXT,
    user_id TEXT,
    conn_id TEXT,
    error TEXT,
    extra TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_channel ON logs(channel);
CREATE INDEX IF NOT EXISTS idx_logs_user_id ON logs(user_id);
`

// attrColumns maps record attributes to the optional column holding them.
// The relay logs wire topics and the client logs channel names; both land
// in channel.
var attrColumns = map[string]string{
	"channel": "channel",
	"topic":   "channel",
	"user_id": "user_id",
	"conn_id": "conn_id",
}

// dbSink is the database connection shared by a DBHandler and its
// attribute-scoped copies.
type dbSink struct {
	mu            sync.Mutex
	db            *sql.DB
	stmt          *sql.Stmt
	retention     int
	cleanupTicker *time.Ticker
	done          chan struct{}
	closed        bool
}

// DBHandler writes logs to a SQLite database.
type DBHandler struct {
	sink   *dbSink
	fields map[string]bool
	level  slog.Level
	attrs  []slog.Attr
}

// NewDBHandler creates a database handler.
func NewDBHandler(cfg *Config, level slog.Level) (*DBHandler, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}

	if _, err := db.Exec(createLogsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create logs table: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO logs (timestamp, level, message, source, channel, user_id, conn_id, error, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	fields := make(map[string]bool)
	for _, f := range cfg.Fields {
		fields[f] = true
	}

	sink := &dbSink{
		db:        db,
		stmt:      stmt,
		retention: cfg.RetentionDays,
		done:      make(chan struct{}),
	}
	sink.startCleanup()

	return &DBHandler{
		sink:   sink,
		fields: fields,
		level:  level,
	}, nil
}

// Enabled reports whether the handler handles records at the given level.
func (h *DBHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle writes the record to the database. An "error" attribute always
// fills the error column; the other columns follow cfg.Fields.
func (h *DBHandler) Handle(ctx context.Context, r slog.Record) error {
	var source, errText, extra sql.NullString
	cols := map[string]sql.NullString{}

	if h.fields["source"] && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		source = sql.NullString{String: fmt.Sprintf("%s:%d", f.File, f.Line), Valid: true}
	}

	extraData := make(map[string]any)
	collect := func(a slog.Attr) bool {
		if a.Key == "error" {
			errText = sql.NullString{String: a.Value.String(), Valid: true}
			return true
		}
		if col, ok := attrColumns[a.Key]; ok {
			if h.fields[col] {
				cols[col] = sql.NullString{String: a.Value.String(), Valid: true}
			}
			return true
		}
		if h.fields["extra"] {
			extraData[a.Key] = a.Value.Any()
		}
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)

	if len(extraData) > 0 {
		data, _ := json.Marshal(extraData)
		extra = sql.NullString{String: string(data), Valid: true}
	}

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if h.sink.closed {
		return nil
	}

	_, err := h.sink.stmt.Exec(
		r.Time.UTC().Format(time.RFC3339Nano),
		r.Level.String(),
		r.Message,
		source,
		cols["channel"],
		cols["user_id"],
		cols["conn_id"],
		errText,
		extra,
	)
	return err
}

// WithAttrs returns a new handler with the given attributes.
func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &DBHandler{
		sink:   h.sink,
		fields: h.fields,
		level:  h.level,
		attrs:  merged,
	}
}

// WithGroup returns the handler unchanged; rows are flat.
func (h *DBHandler) WithGroup(name string) slog.Handler {
	return h
}

func (s *dbSink) startCleanup() {
	s.cleanupTicker = time.NewTicker(1 * time.Hour)
	go func() {
		for {
			select {
			case <-s.cleanupTicker.C:
				s.runCleanup()
			case <-s.done:
				return
			}
		}
	}()
}

// runCleanup deletes entries older than the retention window.
func (s *dbSink) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retention)
	s.db.Exec("DELETE FROM logs WHERE timestamp < ?", cutoff.Format(time.RFC3339Nano))
}

func (h *DBHandler) runCleanup() {
	h.sink.runCleanup()
}

// Close closes the database handler.
func (h *DBHandler) Close() error {
	s := h.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	close(s.done)
	s.cleanupTicker.Stop()
	s.stmt.Close()
	return s.db.Close()
}
