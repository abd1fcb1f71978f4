// Package session binds the realtime service to the signed-in user: it
// opens the user's subscriptions when an identity appears, tears them down
// when it goes away, checks the connection periodically and turns inbound
// notifications into toasts.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/realtime"
)

// State is the binding's lifecycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateInitializing
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	default:
		return "unauthenticated"
	}
}

// Identity is the signed-in user.
type Identity struct {
	UserID string
	Name   string
	Role   string
	Avatar string
}

// Handlers receive the row changes of an active session. Nil handlers are
// skipped.
type Handlers struct {
	OnTaskChange     func(realtime.RowChangeEvent)
	OnScheduleChange func(realtime.RowChangeEvent)
	OnAnnouncement   func(realtime.RowChangeEvent)
	OnPresence       func(realtime.PresenceState)
}

// Config holds binding configuration.
type Config struct {
	PresenceChannel  string
	LivenessInterval time.Duration
}

// DefaultConfig returns the default binding configuration.
func DefaultConfig() Config {
	return Config{
		PresenceChannel:  "online-users",
		LivenessInterval: 30 * time.Second,
	}
}

// Binding is the application binding of one realtime service.
type Binding struct {
	svc      *realtime.Service
	cfg      Config
	toaster  Toaster
	handlers Handlers

	// op serializes lifecycle transitions.
	op sync.Mutex

	mu         sync.Mutex
	state      State
	identity   *Identity
	generation uint64
	unsubs     []realtime.Unsubscribe
	stop       context.CancelFunc
	online     realtime.PresenceState

	listenersMu sync.RWMutex
	listeners   map[uint64]func(realtime.Notification)
	nextID      uint64
}

// New creates a binding. The binding installs the service's fatal hook.
func New(svc *realtime.Service, toaster Toaster, cfg Config, handlers Handlers) *Binding {
	if cfg.PresenceChannel == "" {
		cfg.PresenceChannel = DefaultConfig().PresenceChannel
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = DefaultConfig().LivenessInterval
	}
	if toaster == nil {
		toaster = LogToaster{}
	}
	b := &Binding{
		svc:       svc,
		cfg:       cfg,
		toaster:   toaster,
		handlers:  handlers,
		online:    realtime.PresenceState{},
		listeners: make(map[uint64]func(realtime.Notification)),
	}
	svc.OnFatal(b.fatal)
	return b
}

// State returns the current lifecycle state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Identity returns the active identity, or nil.
func (b *Binding) Identity() *Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.identity == nil {
		return nil
	}
	id := *b.identity
	return &id
}

// Connected returns the service's advisory connection status.
func (b *Binding) Connected() bool {
	return b.svc.ConnectionStatus()
}

// OnlineUsers returns the last presence state of the workspace channel.
func (b *Binding) OnlineUsers() realtime.PresenceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(realtime.PresenceState, len(b.online))
	for k, v := range b.online {
		out[k] = append([]realtime.PresenceEntry(nil), v...)
	}
	return out
}

// OnNotification registers a notification listener and returns its
// unregister function.
func (b *Binding) OnNotification(fn func(realtime.Notification)) func() {
	b.listenersMu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.listenersMu.Lock()
			delete(b.listeners, id)
			b.listenersMu.Unlock()
		})
	}
}

// SetIdentity moves the binding to Active for id, or to Unauthenticated
// when id is nil. Setting the identity that is already active is a no-op;
// a different identity replaces the current session.
func (b *Binding) SetIdentity(id *Identity) {
	b.op.Lock()
	defer b.op.Unlock()

	b.mu.Lock()
	current := b.identity
	state := b.state
	b.mu.Unlock()

	if id == nil || id.UserID == "" {
		if state != StateUnauthenticated {
			log.Info("session: signed out", "user_id", userID(current))
		}
		b.deactivate()
		return
	}
	if state == StateActive && current != nil && *current == *id {
		return
	}

	b.deactivate()
	b.activate(*id)
}

// Close ends the session.
func (b *Binding) Close() {
	b.SetIdentity(nil)
}

// activate opens every subscription of the session. Caller holds b.op.
func (b *Binding) activate(id Identity) {
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.generation++
	gen := b.generation
	b.state = StateInitializing
	b.identity = &id
	b.stop = cancel
	b.mu.Unlock()

	log.Info("session: initializing realtime", "user_id", id.UserID)

	unsubs := []realtime.Unsubscribe{
		b.svc.SubscribeToUserNotifications(id.UserID, b.notify),
		b.svc.SubscribeToTaskChanges(id.UserID, handler(b.handlers.OnTaskChange)),
		b.svc.SubscribeToAnnouncements(handler(b.handlers.OnAnnouncement)),
		b.svc.SubscribeToScheduleChanges(id.UserID, handler(b.handlers.OnScheduleChange)),
		b.svc.SubscribeToPresence(b.cfg.PresenceChannel, id.UserID, realtime.UserInfo{
			Name:   id.Name,
			Role:   id.Role,
			Avatar: id.Avatar,
		}, func(state realtime.PresenceState) {
			b.presence(gen, state)
		}),
	}

	b.mu.Lock()
	b.unsubs = unsubs
	b.state = StateActive
	b.mu.Unlock()

	go b.liveness(ctx, gen)
}

// deactivate tears the session down. Caller holds b.op. Safe to call when
// nothing is active.
func (b *Binding) deactivate() {
	b.mu.Lock()
	unsubs := b.unsubs
	stop := b.stop
	b.unsubs = nil
	b.stop = nil
	b.identity = nil
	b.state = StateUnauthenticated
	b.generation++
	b.online = realtime.PresenceState{}
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	b.svc.UnsubscribeAll()
}

// liveness checks the session every interval and rebuilds it when one of
// its channels was lost or the connection check fails.
func (b *Binding) liveness(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(b.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !b.svc.Healthy() {
				if ctx.Err() != nil {
					return
				}
				log.Warn("session: channel lost, reinitializing")
				b.reinitialize(gen)
				return
			}
			if b.svc.CheckConnection(ctx) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn("session: liveness check failed, reinitializing")
			b.reinitialize(gen)
			return
		}
	}
}

// reinitialize fully rebuilds the session of generation gen.
func (b *Binding) reinitialize(gen uint64) {
	b.op.Lock()
	defer b.op.Unlock()

	b.mu.Lock()
	if b.generation != gen || b.state != StateActive || b.identity == nil {
		b.mu.Unlock()
		return
	}
	id := *b.identity
	b.mu.Unlock()

	b.deactivate()
	b.activate(id)
}

func (b *Binding) notify(n realtime.Notification) {
	b.listenersMu.RLock()
	fns := make([]func(realtime.Notification), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(n)
	}
	b.toaster.Show(Toast{
		Severity: n.Type,
		Title:    n.Title,
		Message:  n.Message,
	})
}

func (b *Binding) presence(gen uint64, state realtime.PresenceState) {
	b.mu.Lock()
	if b.generation != gen {
		b.mu.Unlock()
		return
	}
	b.online = state
	b.mu.Unlock()

	if b.handlers.OnPresence != nil {
		b.handlers.OnPresence(state)
	}
}

func (b *Binding) fatal(name string, err error) {
	log.Error("session: realtime unavailable", "channel", name, "error", err.Error())
	b.toaster.Show(Toast{
		Severity:   realtime.SeverityError,
		Title:      "Connection lost",
		Message:    "Realtime connection lost. Please reload the page.",
		Persistent: true,
	})
}

func handler(fn func(realtime.RowChangeEvent)) func(realtime.RowChangeEvent) {
	if fn == nil {
		return func(realtime.RowChangeEvent) {}
	}
	return fn
}

func userID(id *Identity) string {
	if id == nil {
		return ""
	}
	return id.UserID
}
