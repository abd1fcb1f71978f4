package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markb/fitdesk/internal/log"
	"github.com/markb/fitdesk/internal/realtime/transport"
)

// Kind is the subscription kind a channel was opened for.
type Kind string

const (
	KindRowChange Kind = "row-change"
	KindPresence  Kind = "presence"
	KindBroadcast Kind = "broadcast"
	KindHeartbeat Kind = "heartbeat"
)

// Status is the advisory status of a registered channel.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusSubscribed Status = "subscribed"
	StatusClosed     Status = "closed"
	StatusErrored    Status = "errored"
)

// Handle is one live transport channel registered under a logical name.
type Handle struct {
	name    string
	kind    Kind
	channel transport.Channel

	mu     sync.Mutex
	status Status
}

func newHandle(name string, kind Kind, ch transport.Channel) *Handle {
	return &Handle{name: name, kind: kind, channel: ch, status: StatusConnecting}
}

// Name returns the logical channel name.
func (h *Handle) Name() string { return h.name }

// Kind returns the subscription kind.
func (h *Handle) Kind() Kind { return h.kind }

// Status returns the last status observed for the channel.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}

// Registry maps logical channel names to live handles. At most one handle
// exists per name; replacing or removing a handle tears its transport
// channel down exactly once.
type Registry struct {
	client  transport.Client
	timeout time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry. Teardowns are bounded by timeout.
func NewRegistry(client transport.Client, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{
		client:  client,
		timeout: timeout,
		handles: make(map[string]*Handle),
	}
}

// Register installs h under its name. A handle previously registered under
// the same name is removed from the index and torn down before Register
// returns.
func (r *Registry) Register(ctx context.Context, h *Handle) {
	r.RegisterIf(ctx, h, nil)
}

// RegisterIf is Register guarded by admit, which is evaluated with the
// index locked. When admit reports false nothing changes. admit must not
// call back into the registry.
func (r *Registry) RegisterIf(ctx context.Context, h *Handle, admit func() bool) bool {
	r.mu.Lock()
	if admit != nil && !admit() {
		r.mu.Unlock()
		return false
	}
	old := r.handles[h.name]
	r.handles[h.name] = h
	r.mu.Unlock()

	if old != nil && old != h {
		log.Debug("realtime: replacing channel", "channel", h.name)
		r.teardown(ctx, old)
	}
	return true
}

// Unregister removes and tears down the handle registered under name.
// It reports whether one was registered.
func (r *Registry) Unregister(ctx context.Context, name string) bool {
	r.mu.Lock()
	h, ok := r.handles[name]
	delete(r.handles, name)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.teardown(ctx, h)
	return true
}

// Release tears h down if it is still the handle registered under its
// name. A handle that was already replaced is left alone.
func (r *Registry) Release(ctx context.Context, h *Handle) bool {
	r.mu.Lock()
	if r.handles[h.name] != h {
		r.mu.Unlock()
		return false
	}
	delete(r.handles, h.name)
	r.mu.Unlock()

	r.teardown(ctx, h)
	return true
}

// UnregisterAll tears down every registered handle in name order. The
// index is emptied before any teardown runs; a failing teardown does not
// stop the others.
func (r *Registry) UnregisterAll(ctx context.Context) int {
	r.mu.Lock()
	snapshot := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		snapshot = append(snapshot, h)
	}
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].name < snapshot[j].name })
	for _, h := range snapshot {
		r.teardown(ctx, h)
	}
	return len(snapshot)
}

// Get returns the handle registered under name.
func (r *Registry) Get(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	return h, ok
}

// IsCurrent reports whether h is the handle registered under its name.
func (r *Registry) IsCurrent(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[h.name] == h
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// teardown removes the transport channel. Errors and panics are logged and
// swallowed.
func (r *Registry) teardown(ctx context.Context, h *Handle) {
	h.setStatus(StatusClosed)
	if err := r.remove(ctx, h); err != nil {
		log.Warn("realtime: channel teardown failed", "channel", h.name, "error", err.Error())
	}
}

func (r *Registry) remove(ctx context.Context, h *Handle) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.RemoveChannel(ctx, h.channel)
}
