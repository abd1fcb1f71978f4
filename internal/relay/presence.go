package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/markb/fitdesk/internal/realtime/phx"
)

// presenceTable tracks presence for one topic. Every connection tracking a
// key owns exactly one meta under it.
type presenceTable struct {
	mu    sync.RWMutex
	state map[string][]presenceMeta // presence key -> metas
}

type presenceMeta struct {
	connID  string
	phxRef  string
	payload map[string]any
}

func newPresenceTable() *presenceTable {
	return &presenceTable{state: make(map[string][]presenceMeta)}
}

// track sets the connection's meta for key. A meta the connection tracked
// before is replaced and returned in leaves.
func (p *presenceTable) track(key, connID string, payload map[string]any) (joins, leaves phx.PresenceMap) {
	p.mu.Lock()
	defer p.mu.Unlock()

	meta := presenceMeta{
		connID:  connID,
		phxRef:  uuid.New().String()[:8],
		payload: payload,
	}

	metas := p.state[key]
	replaced := false
	for i, m := range metas {
		if m.connID == connID {
			leaves = phx.PresenceMap{key: {Metas: []map[string]any{m.toMap()}}}
			metas[i] = meta
			replaced = true
			break
		}
	}
	if !replaced {
		p.state[key] = append(metas, meta)
	}

	joins = phx.PresenceMap{key: {Metas: []map[string]any{meta.toMap()}}}
	return joins, leaves
}

// untrack removes the connection's meta for key.
func (p *presenceTable) untrack(key, connID string) phx.PresenceMap {
	p.mu.Lock()
	defer p.mu.Unlock()

	var gone []map[string]any
	var kept []presenceMeta
	for _, m := range p.state[key] {
		if m.connID == connID {
			gone = append(gone, m.toMap())
		} else {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(p.state, key)
	} else {
		p.state[key] = kept
	}
	if len(gone) == 0 {
		return nil
	}
	return phx.PresenceMap{key: {Metas: gone}}
}

// snapshot returns the full presence state in wire form.
func (p *presenceTable) snapshot() phx.PresenceMap {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(phx.PresenceMap, len(p.state))
	for key, metas := range p.state {
		pr := phx.Presence{Metas: make([]map[string]any, len(metas))}
		for i, m := range metas {
			pr.Metas[i] = m.toMap()
		}
		out[key] = pr
	}
	return out
}

func (p *presenceTable) keys() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.state)
}

func (m presenceMeta) toMap() map[string]any {
	out := make(map[string]any, len(m.payload)+1)
	for k, v := range m.payload {
		out[k] = v
	}
	out["phx_ref"] = m.phxRef
	return out
}
