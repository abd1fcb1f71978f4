// Package realtime keeps fitdesk's live subscriptions (notifications, tasks,
// schedules, announcements, presence and broadcast) open against a realtime
// backend. Every logical channel is tracked by name in a Registry; failed
// notification channels are resubscribed with exponential backoff until a
// retry budget runs out, at which point a fatal hook is raised.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/realtime/phx"
	"github.com/markb/fitdesk/internal/realtime/transport"
)

// Service errors.
var (
	ErrRetryExhausted  = errors.New("realtime: retry attempts exhausted")
	ErrChannelNotFound = errors.New("realtime: channel not found")
	ErrInvalidScope    = errors.New("realtime: empty subscription scope")
	ErrClosed          = errors.New("realtime: service closed")
)

// Unsubscribe tears a subscription down. Calling it more than once is safe.
type Unsubscribe func()

func noop() {}

// FatalFunc is called once per logical channel whose retries ran out.
type FatalFunc func(name string, err error)

// Binding selects the row changes a row-change subscription receives.
type Binding struct {
	Event  string // INSERT, UPDATE, DELETE or "*"
	Schema string // defaults to Config.Schema
	Table  string
	Filter string // PostgREST filter, e.g. "user_id=eq.42"
}

// subscription is one logical subscription. It is reopened as a whole on
// every retry.
type subscription struct {
	name         string
	kind         Kind
	cfg          transport.ChannelConfig
	attach       func(transport.Channel)
	onSubscribed func(context.Context, transport.Channel) error
	retry        bool
}

// Service is the realtime facade. Construct one per application session
// owner with New and share it explicitly.
type Service struct {
	client   transport.Client
	cfg      Config
	registry *Registry

	mu      sync.Mutex
	subs    map[string]*subscription
	retries map[string]*RetryState
	onFatal FatalFunc
	closed  bool

	connected atomic.Bool
}

// New creates a service over a transport client.
func New(client transport.Client, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Schema == "" {
		cfg.Schema = def.Schema
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = def.TeardownTimeout
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = def.SubscribeTimeout
	}
	return &Service{
		client:   client,
		cfg:      cfg,
		registry: NewRegistry(client, cfg.TeardownTimeout),
		subs:     make(map[string]*subscription),
		retries:  make(map[string]*RetryState),
	}
}

// Registry returns the channel registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// OnFatal sets the hook raised when a channel's retries are exhausted.
func (s *Service) OnFatal(fn FatalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFatal = fn
}

// ConnectionStatus returns the last status seen by any subscription. It is
// advisory; CheckConnection gives a fresh answer.
func (s *Service) ConnectionStatus() bool {
	return s.connected.Load()
}

// RetryState returns the retry state of a logical channel, if any.
func (s *Service) RetryState(name string) (*RetryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retries[name]
	return st, ok
}

// SubscribeToUserNotifications delivers notifications inserted for userID.
// The channel is resubscribed with backoff when it fails.
func (s *Service) SubscribeToUserNotifications(userID string, fn func(Notification)) Unsubscribe {
	if userID == "" {
		log.Error("realtime: notifications subscribe failed", "error", ErrInvalidScope.Error())
		return noop
	}
	name := "notifications:" + userID
	binding := phx.PostgresChange{
		Event:  string(ChangeInsert),
		Schema: s.cfg.Schema,
		Table:  s.cfg.Notifications.Table,
		Filter: phx.EqFilter(s.cfg.Notifications.UserColumn, userID),
	}
	return s.subscribe(&subscription{
		name:  name,
		kind:  KindRowChange,
		retry: true,
		attach: func(ch transport.Channel) {
			ch.OnPostgresChanges(binding, func(ev phx.ChangeEvent) {
				n, err := NotificationFromRow(ev.New)
				if err != nil {
					log.Warn("realtime: dropping notification", "channel", name, "error", err.Error())
					return
				}
				if n.ID == "" {
					log.Warn("realtime: notification without id", "channel", name)
				}
				fn(n)
			})
		},
	})
}

// SubscribeToTaskChanges delivers every change to tasks assigned to userID.
func (s *Service) SubscribeToTaskChanges(userID string, fn func(RowChangeEvent)) Unsubscribe {
	if userID == "" {
		log.Error("realtime: task subscribe failed", "error", ErrInvalidScope.Error())
		return noop
	}
	return s.SubscribeToRowChanges("tasks:"+userID, Binding{
		Event:  "*",
		Table:  s.cfg.Tasks.Table,
		Filter: phx.EqFilter(s.cfg.Tasks.UserColumn, userID),
	}, fn)
}

// SubscribeToAnnouncements delivers every change to the announcements table.
func (s *Service) SubscribeToAnnouncements(fn func(RowChangeEvent)) Unsubscribe {
	return s.SubscribeToRowChanges("announcements", Binding{
		Event: "*",
		Table: s.cfg.Announcements.Table,
	}, fn)
}

// SubscribeToScheduleChanges delivers every change to schedules of trainerID.
func (s *Service) SubscribeToScheduleChanges(trainerID string, fn func(RowChangeEvent)) Unsubscribe {
	if trainerID == "" {
		log.Error("realtime: schedule subscribe failed", "error", ErrInvalidScope.Error())
		return noop
	}
	return s.SubscribeToRowChanges("schedule:"+trainerID, Binding{
		Event:  "*",
		Table:  s.cfg.Schedules.Table,
		Filter: phx.EqFilter(s.cfg.Schedules.UserColumn, trainerID),
	}, fn)
}

// SubscribeToRowChanges opens a named channel receiving the row changes
// selected by b.
func (s *Service) SubscribeToRowChanges(name string, b Binding, fn func(RowChangeEvent)) Unsubscribe {
	if name == "" || b.Table == "" {
		log.Error("realtime: row subscribe failed", "channel", name, "table", b.Table, "error", ErrInvalidScope.Error())
		return noop
	}
	spec := phx.PostgresChange{
		Event:  b.Event,
		Schema: b.Schema,
		Table:  b.Table,
		Filter: b.Filter,
	}
	if spec.Event == "" {
		spec.Event = "*"
	}
	if spec.Schema == "" {
		spec.Schema = s.cfg.Schema
	}
	return s.subscribe(&subscription{
		name: name,
		kind: KindRowChange,
		attach: func(ch transport.Channel) {
			ch.OnPostgresChanges(spec, func(ev phx.ChangeEvent) {
				fn(normalizeChange(ev))
			})
		},
	})
}

// SubscribeToPresence joins a presence channel as userID and delivers the
// full presence state on every sync.
func (s *Service) SubscribeToPresence(channelName, userID string, info UserInfo, fn func(PresenceState)) Unsubscribe {
	if channelName == "" || userID == "" {
		log.Error("realtime: presence subscribe failed", "channel", channelName, "error", ErrInvalidScope.Error())
		return noop
	}
	return s.subscribe(&subscription{
		name: channelName,
		kind: KindPresence,
		cfg: transport.ChannelConfig{
			Presence: phx.PresenceConfig{Key: userID},
		},
		attach: func(ch transport.Channel) {
			ch.OnPresenceSync(func(m phx.PresenceMap) {
				fn(presenceStateFrom(m))
			})
		},
		onSubscribed: func(ctx context.Context, ch transport.Channel) error {
			return ch.Track(ctx, presenceEntry(userID, info, time.Now()))
		},
	})
}

// SubscribeToBroadcast delivers broadcast messages with the given event
// name sent on channelName by other clients.
func (s *Service) SubscribeToBroadcast(channelName, event string, fn func(payload map[string]any)) Unsubscribe {
	if channelName == "" || event == "" {
		log.Error("realtime: broadcast subscribe failed", "channel", channelName, "error", ErrInvalidScope.Error())
		return noop
	}
	return s.subscribe(&subscription{
		name: channelName,
		kind: KindBroadcast,
		attach: func(ch transport.Channel) {
			ch.OnBroadcast(event, func(_ string, payload map[string]any) {
				fn(payload)
			})
		},
	})
}

// SendBroadcastMessage publishes on a channel opened by SubscribeToBroadcast.
// Failures are logged; the call never fails the caller.
func (s *Service) SendBroadcastMessage(ctx context.Context, channelName, event string, payload map[string]any) {
	h, ok := s.registry.Get(channelName)
	if !ok {
		log.Error("realtime: broadcast not sent", "channel", channelName, "event", event, "error", ErrChannelNotFound.Error())
		return
	}
	if err := h.channel.Send(ctx, event, payload); err != nil {
		log.Error("realtime: broadcast not sent", "channel", channelName, "event", event, "error", err.Error())
	}
}

// CheckConnection joins a throwaway heartbeat channel and reports whether
// it reached SUBSCRIBED within the heartbeat timeout. The channel is torn
// down whatever the outcome.
func (s *Service) CheckConnection(ctx context.Context) bool {
	name := "heartbeat:" + uuid.NewString()
	ch := s.client.Channel(name, transport.ChannelConfig{})
	h := newHandle(name, KindHeartbeat, ch)
	s.registry.Register(ctx, h)
	defer s.registry.Release(context.Background(), h)

	result := make(chan bool, 1)
	err := ch.Subscribe(ctx, func(status transport.Status, err error) {
		if status == transport.StatusSubscribed {
			h.setStatus(StatusSubscribed)
		}
		select {
		case result <- status == transport.StatusSubscribed:
		default:
		}
	})
	if err != nil {
		log.Warn("realtime: heartbeat subscribe failed", "error", err.Error())
		s.connected.Store(false)
		return false
	}

	timer := time.NewTimer(s.cfg.HeartbeatTimeout)
	defer timer.Stop()

	var ok bool
	select {
	case ok = <-result:
	case <-timer.C:
		log.Warn("realtime: heartbeat timed out", "timeout", s.cfg.HeartbeatTimeout.String())
	case <-ctx.Done():
	}
	s.connected.Store(ok)
	return ok
}

// UnsubscribeAll tears down every subscription and cancels pending retries.
// The registry is empty and ConnectionStatus is false afterwards.
func (s *Service) UnsubscribeAll() {
	s.mu.Lock()
	for _, st := range s.retries {
		st.stop()
	}
	s.subs = make(map[string]*subscription)
	s.retries = make(map[string]*RetryState)
	s.mu.Unlock()

	n := s.registry.UnregisterAll(context.Background())
	s.connected.Store(false)
	if n > 0 {
		log.Info("realtime: unsubscribed all channels", "channels", n)
	}
}

// Close unsubscribes everything and rejects later subscriptions.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.UnsubscribeAll()
}

// ChannelStats describes one logical channel.
type ChannelStats struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
	Pending   bool   `json:"retry_pending"`
	Exhausted bool   `json:"exhausted"`
}

// Stats is a snapshot of the service.
type Stats struct {
	Connected bool           `json:"connected"`
	Channels  []ChannelStats `json:"channels"`
}

// Stats returns the registered channels and their retry bookkeeping.
// Channels waiting for a retry are listed with status errored.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	entries := make(map[string]ChannelStats, len(s.subs))
	for name, sub := range s.subs {
		cs := ChannelStats{Name: name, Kind: sub.kind, Status: StatusErrored}
		if st, ok := s.retries[name]; ok {
			cs.Attempts = st.Attempts()
			cs.Pending = st.Pending()
			cs.Exhausted = st.Exhausted()
		}
		entries[name] = cs
	}
	s.mu.Unlock()

	for _, name := range s.registry.Names() {
		h, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		cs, ok := entries[name]
		if !ok {
			cs = ChannelStats{Name: name, Kind: h.Kind()}
		}
		cs.Status = h.Status()
		entries[name] = cs
	}

	stats := Stats{Connected: s.ConnectionStatus(), Channels: make([]ChannelStats, 0, len(entries))}
	for _, cs := range entries {
		stats.Channels = append(stats.Channels, cs)
	}
	sort.Slice(stats.Channels, func(i, j int) bool {
		return stats.Channels[i].Name < stats.Channels[j].Name
	})
	return stats
}

// Healthy reports whether every registered channel is still live. Channels
// that do not retry stay registered as errored or closed once the transport
// drops them; a notification channel waiting for its retry is released and
// does not count.
func (s *Service) Healthy() bool {
	for _, name := range s.registry.Names() {
		h, ok := s.registry.Get(name)
		if !ok || h.Kind() == KindHeartbeat {
			continue
		}
		switch h.Status() {
		case StatusErrored, StatusClosed:
			return false
		}
	}
	return true
}

// subscribe records sub as the current subscription for its name and opens
// it. A previous subscription under the same name is replaced.
func (s *Service) subscribe(sub *subscription) Unsubscribe {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Error("realtime: subscribe failed", "channel", sub.name, "error", ErrClosed.Error())
		return noop
	}
	s.subs[sub.name] = sub
	if sub.retry {
		st, ok := s.retries[sub.name]
		if !ok {
			st = &RetryState{}
			s.retries[sub.name] = st
		}
		st.Reset()
	}
	s.mu.Unlock()

	s.open(sub)

	var once sync.Once
	return func() {
		once.Do(func() { s.release(sub) })
	}
}

// open creates a fresh transport channel for sub, registers it and joins.
func (s *Service) open(sub *subscription) {
	ch := s.client.Channel(sub.name, sub.cfg)
	if sub.attach != nil {
		sub.attach(ch)
	}
	h := newHandle(sub.name, sub.kind, ch)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubscribeTimeout)
	defer cancel()

	// A subscription replaced or released since this open was scheduled
	// must not displace its successor.
	if !s.registry.RegisterIf(ctx, h, func() bool { return s.active(sub) }) {
		log.Debug("realtime: dropping superseded open", "channel", sub.name)
		return
	}

	err := ch.Subscribe(ctx, func(status transport.Status, err error) {
		s.handleStatus(sub, h, status, err)
	})
	if err != nil {
		s.handleStatus(sub, h, transport.StatusChannelError, err)
	}
}

func (s *Service) active(sub *subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.subs[sub.name] == sub
}

func (s *Service) retryState(sub *subscription) *RetryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.subs[sub.name] != sub {
		return nil
	}
	return s.retries[sub.name]
}

// handleStatus reacts to a status transition of h. Transitions of a handle
// that is no longer registered are ignored.
func (s *Service) handleStatus(sub *subscription, h *Handle, status transport.Status, err error) {
	if !s.registry.IsCurrent(h) {
		log.Debug("realtime: ignoring stale status", "channel", h.name, "status", string(status))
		return
	}

	switch status {
	case transport.StatusSubscribed:
		if st := s.retryState(sub); st != nil && st.Attempts() > 0 {
			log.Info("realtime: resubscribed", "channel", sub.name, "attempts", st.Attempts())
			st.Reset()
		} else {
			log.Debug("realtime: subscribed", "channel", sub.name)
		}
		h.setStatus(StatusSubscribed)
		s.connected.Store(true)
		if sub.onSubscribed != nil {
			go s.afterSubscribe(sub, h)
		}

	case transport.StatusClosed:
		h.setStatus(StatusClosed)
		s.connected.Store(false)
		log.Info("realtime: channel closed by server", "channel", sub.name)
		s.recover(sub, h, err)

	default:
		h.setStatus(StatusErrored)
		s.connected.Store(false)
		attrs := []any{"channel", sub.name, "status", string(status)}
		if err != nil {
			attrs = append(attrs, "error", err.Error())
		}
		log.Warn("realtime: channel failed", attrs...)
		s.recover(sub, h, err)
	}
}

func (s *Service) afterSubscribe(sub *subscription, h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubscribeTimeout)
	defer cancel()
	if err := sub.onSubscribed(ctx, h.channel); err != nil {
		log.Warn("realtime: post-subscribe step failed", "channel", sub.name, "error", err.Error())
	}
}

// recover applies the retry policy to a failed channel. Channels that do
// not retry stay registered with their failed status.
func (s *Service) recover(sub *subscription, h *Handle, cause error) {
	if !sub.retry {
		return
	}
	st := s.retryState(sub)
	if st == nil {
		return
	}

	// The failed handle goes first; whoever releases it owns the retry.
	if !s.registry.Release(context.Background(), h) {
		return
	}

	if !s.cfg.Retry.ShouldRetry(st) {
		st.markExhausted()
		err := fmt.Errorf("%w: %s after %d attempts", ErrRetryExhausted, sub.name, st.Attempts())
		if cause != nil {
			err = fmt.Errorf("%w: %v", err, cause)
		}
		log.Error("realtime: giving up on channel", "channel", sub.name, "attempts", st.Attempts())
		s.fatal(sub.name, err)
		return
	}

	delay := s.cfg.Retry.NextDelay(st)
	if st.arm(delay, func() { s.retry(sub) }) {
		log.Info("realtime: resubscribe scheduled", "channel", sub.name, "attempt", st.Attempts(), "delay", delay.String())
	}
}

func (s *Service) retry(sub *subscription) {
	if !s.active(sub) {
		return
	}
	log.Debug("realtime: resubscribing", "channel", sub.name)
	s.open(sub)
}

func (s *Service) fatal(name string, err error) {
	s.mu.Lock()
	fn := s.onFatal
	s.mu.Unlock()
	if fn != nil {
		fn(name, err)
	}
}

// release is the body of an Unsubscribe. A subscription that was already
// replaced under its name leaves the replacement alone.
func (s *Service) release(sub *subscription) {
	s.mu.Lock()
	current := s.subs[sub.name] == sub
	if current {
		delete(s.subs, sub.name)
		if st, ok := s.retries[sub.name]; ok {
			st.stop()
			delete(s.retries, sub.name)
		}
	}
	s.mu.Unlock()

	if current {
		s.registry.Unregister(context.Background(), sub.name)
	}
}
