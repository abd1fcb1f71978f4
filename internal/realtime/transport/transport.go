// Package transport defines the contract fitdesk expects from a realtime
// backend: named channels carrying postgres change notifications, presence
// and broadcast, with a subscribe status callback.
package transport

import (
	"context"
	"errors"

	"github.com/markb/fitdesk/internal/realtime/phx"
)

// Status is a channel subscription status reported to the Subscribe callback.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
)

// Transport errors.
var (
	ErrNotConnected      = errors.New("transport: not connected")
	ErrNotJoined         = errors.New("transport: channel not joined")
	ErrJoinTimeout       = errors.New("transport: join timed out")
	ErrJoinRejected      = errors.New("transport: join rejected")
	ErrChannelClosed     = errors.New("transport: channel closed")
	ErrAlreadySubscribed = errors.New("transport: channel already subscribed")
)

// ChannelConfig configures a channel before it is subscribed.
type ChannelConfig struct {
	Broadcast phx.BroadcastConfig
	Presence  phx.PresenceConfig
	Private   bool
}

// StatusFunc receives subscription status transitions. err is set for
// StatusChannelError and StatusTimedOut.
type StatusFunc func(status Status, err error)

// Client creates and removes channels.
type Client interface {
	// Channel returns a new, unsubscribed channel. Handlers must be attached
	// before Subscribe.
	Channel(name string, cfg ChannelConfig) Channel

	// RemoveChannel leaves the channel and releases it. Removing a channel
	// that never subscribed is not an error.
	RemoveChannel(ctx context.Context, ch Channel) error
}

// Channel is one named logical stream.
type Channel interface {
	Name() string

	// OnPostgresChanges registers a row-change binding.
	OnPostgresChanges(binding phx.PostgresChange, fn func(phx.ChangeEvent))

	// OnPresenceSync registers a callback receiving the complete presence
	// state on every join, leave or sync.
	OnPresenceSync(fn func(phx.PresenceMap))

	// OnBroadcast registers a callback for broadcast messages with the given
	// event name; "*" receives every event.
	OnBroadcast(event string, fn func(event string, payload map[string]any))

	// Subscribe joins the channel. Status transitions are reported to fn.
	// A returned error means the join could not even be sent.
	Subscribe(ctx context.Context, fn StatusFunc) error

	// Track announces local presence on a subscribed channel.
	Track(ctx context.Context, payload map[string]any) error

	// Send publishes a broadcast message on a subscribed channel.
	Send(ctx context.Context, event string, payload map[string]any) error
}
