package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"

	"github.com/markb/fitdesk/internal/log"
)

// DefaultNotifyChannel is the LISTEN channel of the Postgres change source.
const DefaultNotifyChannel = "fitdesk_changes"

// ChangeRecord is a row change as published by the notify trigger and
// accepted by the changes API.
type ChangeRecord struct {
	Schema    string         `json:"schema"`
	Table     string         `json:"table"`
	Type      string         `json:"type"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// Validate normalizes the record in place: schema defaults to public and
// the type is upper-cased and must be INSERT, UPDATE or DELETE.
func (r *ChangeRecord) Validate() error {
	if r.Table == "" {
		return errors.New("change: missing table")
	}
	if r.Schema == "" {
		r.Schema = "public"
	}
	r.Type = strings.ToUpper(r.Type)
	switch r.Type {
	case "INSERT", "UPDATE", "DELETE":
	default:
		return fmt.Errorf("change: invalid type %q", r.Type)
	}
	return nil
}

// ChangeSink receives row changes.
type ChangeSink interface {
	NotifyChange(schema, table, eventType string, oldRow, newRow map[string]any) int
}

// PGSourceConfig configures the Postgres change source.
type PGSourceConfig struct {
	DatabaseURL string
	Channel     string
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// DefaultPGSourceConfig returns the source configuration for databaseURL.
func DefaultPGSourceConfig(databaseURL string) PGSourceConfig {
	return PGSourceConfig{
		DatabaseURL: databaseURL,
		Channel:     DefaultNotifyChannel,
		MinBackoff:  time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// PGSource listens for change notifications on a Postgres channel and hands
// them to a sink, reconnecting with exponential backoff.
type PGSource struct {
	cfg       PGSourceConfig
	sink      ChangeSink
	listening atomic.Bool
}

// NewPGSource creates a change source.
func NewPGSource(cfg PGSourceConfig, sink ChangeSink) *PGSource {
	if cfg.Channel == "" {
		cfg.Channel = DefaultNotifyChannel
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &PGSource{cfg: cfg, sink: sink}
}

// Listening reports whether the source currently holds a LISTEN.
func (p *PGSource) Listening() bool {
	return p.listening.Load()
}

// Run listens until ctx is done.
func (p *PGSource) Run(ctx context.Context) error {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.MinBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         p.cfg.MaxBackoff,
	}
	bo.Reset()

	for {
		err := p.listen(ctx, bo.Reset)
		p.listening.Store(false)
		if ctx.Err() != nil {
			return nil
		}

		delay := bo.NextBackOff()
		log.Warn("relay: postgres listener disconnected", "channel", p.cfg.Channel, "error", errString(err), "retry_in", delay.String())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// listen holds one connection until it fails. onListening runs once the
// LISTEN is in place.
func (p *PGSource) listen(ctx context.Context, onListening func()) error {
	conn, err := pgx.Connect(ctx, p.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{p.cfg.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	p.listening.Store(true)
	onListening()
	log.Info("relay: listening for postgres changes", "channel", p.cfg.Channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if err := p.apply(n.Payload); err != nil {
			log.Warn("relay: dropping change notification", "channel", n.Channel, "error", err.Error())
		}
	}
}

// apply decodes a notification payload and forwards it to the sink.
func (p *PGSource) apply(payload string) error {
	var rec ChangeRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	p.sink.NotifyChange(rec.Schema, rec.Table, rec.Type, rec.OldRecord, rec.Record)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// TriggerSQL returns the trigger function publishing row changes on
// channel. Attach it with
//
//	CREATE TRIGGER t AFTER INSERT OR UPDATE OR DELETE ON tbl
//	FOR EACH ROW EXECUTE FUNCTION fitdesk_notify_change();
func TriggerSQL(channel string) string {
	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION fitdesk_notify_change() RETURNS trigger AS $$
BEGIN
  PERFORM pg_notify(%s, json_build_object(
    'schema', TG_TABLE_SCHEMA,
    'table', TG_TABLE_NAME,
    'type', TG_OP,
    'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
    'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
  )::text);
  RETURN NULL;
END;
$$ LANGUAGE plpgsql;
`, quoteLiteral(channel))
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
