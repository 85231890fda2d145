// Package submux implements the subscription multiplexer of spec.md §3/§4.4
// (C5): filter-hash deduplication, short monotonic subscription ids, and the
// name/shortId/filterHash triple-indexed registry that lets a relay
// connection manager demultiplex incoming EVENT/EOSE frames back to the
// caller-provided subscription name. Grounded on
// kwsantiago-orly/protocol/socketapi/publisher.go's Map/Receive/Deliver
// listener-map shape, generalised from "one relay's local subscribers" to
// "one manager's view across N remote relays" per spec.md §4.4.
package submux

import (
	"fmt"
	"sync"

	"hypertuna.dev/event"
)

// Callback receives every event delivered to a subscription.
type Callback func(ev *event.E)

// Sub is a subscription record, per spec.md §3.
type Sub struct {
	Name               string
	ShortId            string
	Filters            event.Filters
	Callbacks          []Callback
	SuppressGlobal     bool
	TargetRelays       []string
}

// Mux owns the three indexes spec.md §3 describes: name -> Sub,
// filterHash -> name (dedup), and shortId -> name (demux).
type Mux struct {
	mu         sync.Mutex
	byName     map[string]*Sub
	byHash     map[string]string // filter hash -> name
	byShortId  map[string]string // shortId -> name
	nextShort  uint64
}

// New creates an empty Mux.
func New() *Mux {
	return &Mux{
		byName:    map[string]*Sub{},
		byHash:    map[string]string{},
		byShortId: map[string]string{},
	}
}

// Subscribe registers cb against name's subscription, creating or reusing
// one according to spec.md §4.4's deduplication rule: an existing
// subscription under the same name with the same filter hash is reused
// (the callback is appended); a different hash replaces it; and an
// independent caller whose filters hash identically to another name's
// reuses that same wire subscription. It returns the Sub as it now stands
// and whether a new wire REQ must be sent (true only when a genuinely new
// short id was minted).
func (m *Mux) Subscribe(name string, filters event.Filters, cb Callback, opts ...Option) (sub *Sub, isNew bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := filters.Hash()
	if existing, ok := m.byName[name]; ok {
		if existing.filterHash() == hash {
			existing.Callbacks = append(existing.Callbacks, cb)
			return existing, false
		}
		// Different filters under the same name: replace.
		m.unregisterLocked(existing)
	}

	if reuseName, ok := m.byHash[hash]; ok {
		if reuse, ok2 := m.byName[reuseName]; ok2 {
			reuse.Callbacks = append(reuse.Callbacks, cb)
			m.byName[name] = reuse // alias this name onto the existing wire sub
			return reuse, false
		}
	}

	m.nextShort++
	s := &Sub{
		Name:      name,
		ShortId:   fmt.Sprintf("sub%d", m.nextShort),
		Filters:   filters,
		Callbacks: []Callback{cb},
	}
	for _, o := range opts {
		o(s)
	}
	m.byName[name] = s
	m.byHash[hash] = name
	m.byShortId[s.ShortId] = name
	return s, true
}

// Option configures a Sub at Subscribe time.
type Option func(*Sub)

// WithSuppressGlobal marks the subscription's events as not to be broadcast
// to global event listeners.
func WithSuppressGlobal() Option { return func(s *Sub) { s.SuppressGlobal = true } }

// WithTargetRelays restricts routing to the given relay URLs (spec.md
// §4.4's targetRelays routing override).
func WithTargetRelays(urls ...string) Option {
	return func(s *Sub) { s.TargetRelays = urls }
}

func (s *Sub) filterHash() string { return s.Filters.Hash() }

func (m *Mux) unregisterLocked(s *Sub) {
	delete(m.byName, s.Name)
	delete(m.byShortId, s.ShortId)
	if m.byHash[s.filterHash()] == s.Name {
		delete(m.byHash, s.filterHash())
	}
}

// Unsubscribe removes name's subscription entirely.
func (m *Mux) Unsubscribe(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byName[name]; ok {
		m.unregisterLocked(s)
	}
}

// ByName returns the Sub registered under name, if any.
func (m *Mux) ByName(name string) (*Sub, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byName[name]
	return s, ok
}

// ByShortId resolves an incoming frame's wire subId back to its Sub, for
// demultiplexing EVENT/EOSE frames per spec.md §4.4.
func (m *Mux) ByShortId(shortId string) (*Sub, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.byShortId[shortId]
	if !ok {
		return nil, false
	}
	s, ok := m.byName[name]
	return s, ok
}

// All returns every currently registered subscription.
func (m *Mux) All() []*Sub {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Sub, 0, len(m.byName))
	seen := map[string]bool{}
	for _, s := range m.byName {
		if seen[s.ShortId] {
			continue
		}
		seen[s.ShortId] = true
		out = append(out, s)
	}
	return out
}

// Deliver dispatches ev to every subscription whose filters match it,
// isolating a panicking callback per spec.md §5 backpressure rule ("if a
// callback throws, the manager isolates the error ... and other
// subscribers still receive the event").
func (m *Mux) Deliver(ev *event.E) {
	subs := m.All()
	for _, s := range subs {
		if !s.Filters.Match(ev) {
			continue
		}
		for _, cb := range s.Callbacks {
			dispatchSafely(cb, ev)
		}
	}
}

func dispatchSafely(cb Callback, ev *event.E) {
	defer func() { _ = recover() }()
	cb(ev)
}
