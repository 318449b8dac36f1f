// Package awareness carries ephemeral per-client presence alongside the replicated
// document. States are never persisted and disappear when a client times out.
package awareness

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultTimeout is how long a remote state survives without a heartbeat.
const DefaultTimeout = 30 * time.Second

// State is what one client advertises about itself.
type State struct {
	UserID      string `msgpack:"userId"`
	Name        string `msgpack:"name"`
	IsOnline    bool   `msgpack:"isOnline"`
	LastSeen    int64  `msgpack:"lastSeen"` // unix ms
	CameraReady bool   `msgpack:"cameraReady"`
}

// Change lists the clients whose state moved in one update.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  any
	Local   bool
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Clients returns every client id mentioned by the change.
func (c Change) Clients() []string {
	out := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type meta struct {
	clock   uint64
	updated time.Time
}

type wireState struct {
	ClientID string `msgpack:"id"`
	Clock    uint64 `msgpack:"clock"`
	State    *State `msgpack:"state"`
}

// Awareness tracks the presence states of every client in a room.
type Awareness struct {
	clientID string
	timeout  time.Duration
	now      func() time.Time

	mu     sync.Mutex
	states map[string]State
	meta   map[string]meta

	hmu      sync.Mutex
	nextID   int
	handlers map[int]func(Change)
}

// New creates the awareness instance for the local client.
func New(clientID string, timeout time.Duration) *Awareness {
	return NewWithClock(clientID, timeout, time.Now)
}

// NewWithClock allows deterministic timeouts in tests.
func NewWithClock(clientID string, timeout time.Duration, now func() time.Time) *Awareness {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Awareness{
		clientID: clientID,
		timeout:  timeout,
		now:      now,
		states:   make(map[string]State),
		meta:     make(map[string]meta),
		handlers: make(map[int]func(Change)),
	}
}

func (a *Awareness) ClientID() string { return a.clientID }

// SetLocal publishes the local state, marking it online and seen now.
func (a *Awareness) SetLocal(s State) {
	now := a.now()
	s.IsOnline = true
	s.LastSeen = now.UnixMilli()

	a.mu.Lock()
	_, existed := a.states[a.clientID]
	m := a.meta[a.clientID]
	a.meta[a.clientID] = meta{clock: m.clock + 1, updated: now}
	a.states[a.clientID] = s
	a.mu.Unlock()

	ch := Change{Local: true}
	if existed {
		ch.Updated = []string{a.clientID}
	} else {
		ch.Added = []string{a.clientID}
	}
	a.emit(ch)
}

// Local returns the local state if one is set.
func (a *Awareness) Local() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.states[a.clientID]
	return s, ok
}

// Renew is the heartbeat: it re-publishes the local state with a fresh LastSeen.
func (a *Awareness) Renew() {
	s, ok := a.Local()
	if !ok {
		return
	}
	a.SetLocal(s)
}

// SetOffline drops the local state; peers see the client removed.
func (a *Awareness) SetOffline() {
	a.mu.Lock()
	_, existed := a.states[a.clientID]
	delete(a.states, a.clientID)
	m := a.meta[a.clientID]
	a.meta[a.clientID] = meta{clock: m.clock + 1, updated: a.now()}
	a.mu.Unlock()
	if existed {
		a.emit(Change{Removed: []string{a.clientID}, Local: true})
	}
}

// States returns a copy of all known client states keyed by client id.
func (a *Awareness) States() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]State, len(a.states))
	for id, s := range a.states {
		out[id] = s
	}
	return out
}

// OnlineUsers returns the sorted user ids currently advertised.
func (a *Awareness) OnlineUsers() []string {
	seen := make(map[string]struct{})
	for _, s := range a.States() {
		if s.IsOnline && s.UserID != "" {
			seen[s.UserID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// EncodeUpdate serialises the given clients' states (all known clients when none given).
func (a *Awareness) EncodeUpdate(clients ...string) ([]byte, error) {
	a.mu.Lock()
	if len(clients) == 0 {
		for id := range a.meta {
			clients = append(clients, id)
		}
	}
	out := make([]wireState, 0, len(clients))
	for _, id := range clients {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		ws := wireState{ClientID: id, Clock: m.clock}
		if s, ok := a.states[id]; ok {
			s := s
			ws.State = &s
		}
		out = append(out, ws)
	}
	a.mu.Unlock()
	return msgpack.Marshal(out)
}

// ApplyUpdate merges remote states. Older clocks are ignored; the local client's own
// state is never overwritten by a peer.
func (a *Awareness) ApplyUpdate(data []byte, origin any) error {
	var in []wireState
	if err := msgpack.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode awareness update: %w", err)
	}
	now := a.now()
	ch := Change{Origin: origin}

	a.mu.Lock()
	for _, ws := range in {
		if ws.ClientID == a.clientID {
			continue
		}
		m, known := a.meta[ws.ClientID]
		_, present := a.states[ws.ClientID]
		newer := !known || ws.Clock > m.clock || (ws.Clock == m.clock && ws.State == nil && present)
		if !newer {
			continue
		}
		a.meta[ws.ClientID] = meta{clock: ws.Clock, updated: now}
		switch {
		case ws.State == nil:
			if present {
				delete(a.states, ws.ClientID)
				ch.Removed = append(ch.Removed, ws.ClientID)
			}
		case present:
			a.states[ws.ClientID] = *ws.State
			ch.Updated = append(ch.Updated, ws.ClientID)
		default:
			a.states[ws.ClientID] = *ws.State
			ch.Added = append(ch.Added, ws.ClientID)
		}
	}
	a.mu.Unlock()

	if !ch.empty() {
		a.emit(ch)
	}
	return nil
}

// RemoveStale drops remote clients that have not sent a heartbeat within the timeout
// and returns their ids. The local state is renewed when it is half way to expiring.
func (a *Awareness) RemoveStale() []string {
	now := a.now()
	var removed []string
	renewLocal := false

	a.mu.Lock()
	for id, m := range a.meta {
		if id == a.clientID {
			if _, ok := a.states[id]; ok && now.Sub(m.updated) >= a.timeout/2 {
				renewLocal = true
			}
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.updated) >= a.timeout {
			delete(a.states, id)
			removed = append(removed, id)
		}
	}
	a.mu.Unlock()

	if renewLocal {
		a.Renew()
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		a.emit(Change{Removed: removed})
	}
	return removed
}

// OnChange registers fn for every state change; the returned func unregisters it.
func (a *Awareness) OnChange(fn func(Change)) func() {
	a.hmu.Lock()
	a.nextID++
	id := a.nextID
	a.handlers[id] = fn
	a.hmu.Unlock()
	return func() {
		a.hmu.Lock()
		delete(a.handlers, id)
		a.hmu.Unlock()
	}
}

func (a *Awareness) emit(ch Change) {
	a.hmu.Lock()
	ids := make([]int, 0, len(a.handlers))
	for id := range a.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, a.handlers[id])
	}
	a.hmu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}
