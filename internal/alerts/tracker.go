// Package alerts tracks alert conditions and their suppression per server.
//
// A server can be silenced, which hides its alerts until it is unsilenced,
// and acknowledged, which hides them until a fresh collection cycle raises
// new conditions. Both facts live only for the life of the process.
package alerts

import (
	"sort"
	"sync"
	"time"
)

// ChangeKind names a state change.
type ChangeKind string

const (
	ChangeAcknowledged ChangeKind = "acknowledged"
	ChangeCleared      ChangeKind = "acknowledgement_cleared"
	ChangeSilenced     ChangeKind = "silenced"
	ChangeUnsilenced   ChangeKind = "unsilenced"
	ChangeConditions   ChangeKind = "conditions"
)

// Change is sent to subscribers after every state change.
type Change struct {
	Server string     `json:"server"`
	Kind   ChangeKind `json:"kind"`
	At     time.Time  `json:"at"`
}

// Condition is an active alert raised by a collector.
type Condition struct {
	Collector string    `json:"collector"`
	Message   string    `json:"message"`
	Since     time.Time `json:"since"`
}

// State is the alert state of one server.
type State struct {
	Server       string      `json:"server"`
	Silenced     bool        `json:"silenced"`
	Acknowledged bool        `json:"acknowledged"`
	Visible      bool        `json:"visible"`
	Conditions   []Condition `json:"conditions"`
}

type serverState struct {
	silenced     bool
	acknowledged bool
	// conditions are keyed by collector so one collector's fresh batch only
	// replaces its own conditions.
	conditions map[string][]Condition
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	servers     map[string]*serverState
	subscribers map[int]chan Change
	nextSub     int
	now         func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		servers:     make(map[string]*serverState),
		subscribers: make(map[int]chan Change),
		now:         time.Now,
	}
}

func (t *Tracker) state(server string) *serverState {
	st, ok := t.servers[server]
	if !ok {
		st = &serverState{conditions: make(map[string][]Condition)}
		t.servers[server] = st
	}
	return st
}

// ShouldShow reports whether the alerts of server are visible.
func (t *Tracker) ShouldShow(server string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.servers[server]
	if !ok {
		return true
	}
	return !st.silenced && !st.acknowledged
}

// Acknowledge hides the current alerts of server until new ones arrive.
func (t *Tracker) Acknowledge(server string) {
	t.set(server, ChangeAcknowledged, func(st *serverState) bool {
		changed := !st.acknowledged
		st.acknowledged = true
		return changed
	})
}

// ClearAcknowledgement makes the alerts of server visible again unless it
// is silenced.
func (t *Tracker) ClearAcknowledgement(server string) {
	t.set(server, ChangeCleared, func(st *serverState) bool {
		changed := st.acknowledged
		st.acknowledged = false
		return changed
	})
}

// Silence hides the alerts of server until Unsilence.
func (t *Tracker) Silence(server string) {
	t.set(server, ChangeSilenced, func(st *serverState) bool {
		changed := !st.silenced
		st.silenced = true
		return changed
	})
}

// Unsilence reverts Silence.
func (t *Tracker) Unsilence(server string) {
	t.set(server, ChangeUnsilenced, func(st *serverState) bool {
		changed := st.silenced
		st.silenced = false
		return changed
	})
}

// Report records the conditions a collector raised on server in its latest
// cycle, replacing the ones it raised before. Any non-empty report is new
// alert-worthy data and clears the acknowledgement.
func (t *Tracker) Report(server, collector string, messages []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(server)
	now := t.now()

	prev := make(map[string]time.Time, len(st.conditions[collector]))
	for _, c := range st.conditions[collector] {
		prev[c.Message] = c.Since
	}

	var conds []Condition
	for _, m := range messages {
		since, ok := prev[m]
		if !ok {
			since = now
		}
		conds = append(conds, Condition{Collector: collector, Message: m, Since: since})
	}

	hadAny := len(st.conditions[collector]) > 0
	if len(conds) == 0 {
		delete(st.conditions, collector)
	} else {
		st.conditions[collector] = conds
	}

	if len(conds) > 0 || hadAny {
		t.notify(Change{Server: server, Kind: ChangeConditions, At: now})
	}
	if len(conds) > 0 && st.acknowledged {
		st.acknowledged = false
		t.notify(Change{Server: server, Kind: ChangeCleared, At: now})
	}
}

// Snapshot returns the state of server.
func (t *Tracker) Snapshot(server string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(server)
}

// Active returns the state of every server with active conditions, sorted
// by server.
func (t *Tracker) Active() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []State
	for server, st := range t.servers {
		if len(st.conditions) > 0 {
			out = append(out, t.snapshot(server))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// Forget drops every state kept for server.
func (t *Tracker) Forget(server string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.servers, server)
}

func (t *Tracker) snapshot(server string) State {
	s := State{Server: server, Visible: true, Conditions: []Condition{}}
	st, ok := t.servers[server]
	if !ok {
		return s
	}

	s.Silenced = st.silenced
	s.Acknowledged = st.acknowledged
	s.Visible = !st.silenced && !st.acknowledged
	for _, conds := range st.conditions {
		s.Conditions = append(s.Conditions, conds...)
	}
	sort.Slice(s.Conditions, func(i, j int) bool {
		a, b := s.Conditions[i], s.Conditions[j]
		if a.Collector != b.Collector {
			return a.Collector < b.Collector
		}
		return a.Message < b.Message
	})
	return s
}

// set applies fn under the lock and notifies when it reports a change.
func (t *Tracker) set(server string, kind ChangeKind, fn func(*serverState) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fn(t.state(server)) {
		t.notify(Change{Server: server, Kind: kind, At: t.now()})
	}
}

// Subscribe returns a channel receiving every change and a func that ends
// the subscription. A subscriber that falls behind misses changes.
func (t *Tracker) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subscribers[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// notify must be called with mu held.
func (t *Tracker) notify(c Change) {
	for _, ch := range t.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
}
