// Package relaypool implements the multi-relay connection manager (C6) with
// its subscription multiplexer (C5) of spec.md §4.4: a typed pool of
// outbound WebSocket connections to discovery and group relays, a single
// FIFO outbound pacing queue, linear reconnection, and publish-with-OK
// tracking. Grounded on kwsantiago-orly/ws.Listener's mutexed-conn idiom
// (adapted here to an outbound, reconnecting dialer) and on
// kwsantiago-orly/protocol/socketapi/publisher.go's listener-map shape,
// which hypertuna.dev/submux already generalises into the cross-relay
// subscription registry this package routes against.
package relaypool

import (
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"hypertuna.dev/chk"
	"hypertuna.dev/envelope"
	"hypertuna.dev/errorf"
	"hypertuna.dev/event"
	"hypertuna.dev/log"
	"hypertuna.dev/relayerr"
	"hypertuna.dev/submux"
)

// EventKind identifies the shape of a RelayEvent, per spec.md §9's
// recommendation to model listener graphs as typed channels instead of
// callback lists.
type EventKind string

const (
	EvConnect    EventKind = "relay:connect"
	EvClose      EventKind = "relay:close"
	EvAuthFailed EventKind = "auth:failed"
)

// RelayEvent is delivered on Manager.Events for every connection lifecycle
// transition.
type RelayEvent struct {
	Kind EventKind
	URL  string
	Type Type
}

// Config configures a Manager at construction.
type Config struct {
	MinPublishInterval time.Duration // outbound pacing, default 50ms
	PublishTimeout     time.Duration // default 10s
	ReconnectDelay     time.Duration // default 5s
	Dialer             *websocket.Dialer
	Header             http.Header
}

// Manager is the connection manager of spec.md §4.4 (C6).
type Manager struct {
	cfg Config
	mux *submux.Mux

	mu          sync.RWMutex
	conns       map[string]*conn // by normalized url
	groupRelays map[string]string // groupId -> relay url

	outbox chan outboxItem

	pendingOK map[string]chan okResult // eventId -> waiter
	okMu      sync.Mutex

	Events chan RelayEvent

	shuttingDown bool
	wg           sync.WaitGroup
}

type outboxItem struct {
	relayURL string
	frame    []byte
}

type okResult struct {
	success bool
	message string
}

// New creates a Manager and starts its outbound pacing loop.
func New(cfg Config) *Manager {
	if cfg.MinPublishInterval <= 0 {
		cfg.MinPublishInterval = 50 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	m := &Manager{
		cfg:         cfg,
		mux:         submux.New(),
		conns:       map[string]*conn{},
		groupRelays: map[string]string{},
		outbox:      make(chan outboxItem, 256),
		pendingOK:   map[string]chan okResult{},
		Events:      make(chan RelayEvent, 64),
	}
	m.wg.Add(1)
	go m.pacingLoop()
	return m
}

// pacingLoop is the single FIFO send queue of spec.md §4.4: drained no
// faster than cfg.MinPublishInterval apart, never reordered.
func (m *Manager) pacingLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.MinPublishInterval)
	defer t.Stop()
	for item := range m.outbox {
		<-t.C
		m.mu.RLock()
		c := m.conns[item.relayURL]
		m.mu.RUnlock()
		if c == nil {
			continue
		}
		chk.E(c.writeRaw(item.frame))
	}
}

func (m *Manager) enqueue(relayURL string, frame []byte) {
	if m.shuttingDown {
		return
	}
	m.outbox <- outboxItem{relayURL: relayURL, frame: frame}
}

// AddRelay opens (or reopens, on token rotation) a connection to rawURL as
// the given Type. If groupId is non-empty the relay is also registered as
// that group's relay (spec.md §4.4 "groupId -> groupRelayUrl" index).
func (m *Manager) AddRelay(rawURL string, typ Type, groupId string) error {
	base, token, err := normalizeURL(rawURL)
	if err != nil {
		return err
	}
	m.mu.Lock()
	existing, ok := m.conns[base]
	if ok {
		if existing.token == token {
			if groupId != "" {
				m.groupRelays[groupId] = base
			}
			m.mu.Unlock()
			return nil // already connected with this token, spec.md §4.4 idempotence
		}
		// spec.md §4.4 "token rotation": close the old connection (reconnect
		// suppressed) and open a fresh one.
		existing.mu.Lock()
		existing.preventReconnect = true
		if existing.reconnectTimer != nil {
			existing.reconnectTimer.Stop()
		}
		ws := existing.ws
		existing.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
	}
	c := newConn(base, typ, token)
	m.conns[base] = c
	if groupId != "" {
		m.groupRelays[groupId] = base
	}
	m.mu.Unlock()

	go m.dial(c)
	return nil
}

func (m *Manager) dial(c *conn) {
	header := http.Header{}
	for k, v := range m.cfg.Header {
		header[k] = v
	}
	ws, resp, err := m.cfg.Dialer.Dial(dialURL(c.url, c.token), header)
	if err != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		m.handleClosed(c, code)
		return
	}
	c.mu.Lock()
	c.ws = ws
	c.status = StatusOpen
	c.mu.Unlock()

	m.replaySubscriptionsFor(c)
	c.flushPending()
	m.emit(RelayEvent{Kind: EvConnect, URL: c.url, Type: c.typ})

	m.readLoop(c)
}

func (m *Manager) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			code := websocket.CloseNoStatusReceived
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			m.handleClosed(c, code)
			return
		}
		m.handleFrame(c, data)
	}
}

func (m *Manager) handleClosed(c *conn, closeCode int) {
	c.mu.Lock()
	c.status = StatusClosed
	prevent := c.preventReconnect
	c.ws = nil
	c.mu.Unlock()

	m.emit(RelayEvent{Kind: EvClose, URL: c.url, Type: c.typ})

	// spec.md §4.3 "Close codes": 4403 means auth failure, no reconnect.
	if closeCode == 4403 {
		m.emit(RelayEvent{Kind: EvAuthFailed, URL: c.url, Type: c.typ})
		return
	}
	if prevent || m.shuttingDown {
		return
	}
	c.mu.Lock()
	c.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, func() { m.dial(c) })
	c.mu.Unlock()
}

func (m *Manager) emit(ev RelayEvent) {
	select {
	case m.Events <- ev:
	default:
		log.W.F("relaypool: events channel full, dropping %s for %s", ev.Kind, ev.URL)
	}
}

// dispatchSafely isolates a panicking subscription callback from the
// connection's readLoop goroutine, per spec.md §5's backpressure rule ("if
// a callback throws, the manager isolates the error ... and other
// subscribers still receive the event"), mirroring submux.dispatchSafely.
func dispatchSafely(cb submux.Callback, ev *event.E) {
	defer func() { _ = recover() }()
	cb(ev)
}

func (m *Manager) handleFrame(c *conn, data []byte) {
	frame, err := envelope.Parse(data)
	if chk.T(err) {
		return
	}
	switch f := frame.(type) {
	case *envelope.EventIn:
		if err = f.Event.Verify(); chk.T(err) {
			return
		}
		sub, ok := m.mux.ByShortId(f.SubId)
		if !ok {
			return
		}
		for _, cb := range sub.Callbacks {
			dispatchSafely(cb, f.Event)
		}
	case *envelope.EOSE:
		// EOSE carries no payload to deliver; subscriptions remain live.
	case *envelope.OK:
		m.resolveOK(f.EventId, f.Success, f.Message)
	case *envelope.Notice:
		log.I.F("relay %s: NOTICE %s", c.url, f.Text)
	}
}

func (m *Manager) resolveOK(eventId string, success bool, message string) {
	m.okMu.Lock()
	ch, ok := m.pendingOK[eventId]
	if ok {
		delete(m.pendingOK, eventId)
	}
	m.okMu.Unlock()
	if ok {
		ch <- okResult{success: success, message: message}
	}
}

// routes reports whether relayURL of type typ should receive sub, per
// spec.md §4.4's three routing rules.
func routes(sub *submux.Sub, typ Type, relayURL string, groupRelays map[string]string) bool {
	if len(sub.TargetRelays) > 0 {
		for _, u := range sub.TargetRelays {
			if base, _, err := normalizeURL(u); err == nil && base == relayURL {
				return true
			}
		}
		return false
	}
	groupId, isGroupScoped := groupIdFromSubName(sub.Name)
	if typ == TypeGroup {
		if !isGroupScoped {
			return false
		}
		return groupRelays[groupId] == relayURL
	}
	// TypeDiscovery: only ungrouped subscriptions.
	return !isGroupScoped
}

// Subscribe registers cb for name/filters and applies routing per
// spec.md §4.4, sending REQ only to relays whose routing predicate selects
// this subscription and only when a new wire subscription was actually
// minted (submux already dedupes by filter hash).
func (m *Manager) Subscribe(name string, filters event.Filters, cb submux.Callback, opts ...submux.Option) *submux.Sub {
	sub, isNew := m.mux.Subscribe(name, filters, cb, opts...)
	if !isNew {
		return sub
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for url, c := range m.conns {
		if !routes(sub, c.typ, url, m.groupRelays) {
			continue
		}
		m.applySubToConn(c, sub)
	}
	return sub
}

func (m *Manager) applySubToConn(c *conn, sub *submux.Sub) {
	c.mu.Lock()
	if _, already := c.subs[sub.Name]; already {
		c.mu.Unlock()
		return
	}
	c.subs[sub.Name] = struct{}{}
	c.mu.Unlock()
	req := &envelope.Req{SubId: sub.ShortId, Filters: sub.Filters}
	b, err := req.Marshal()
	if chk.E(err) {
		return
	}
	m.enqueue(c.url, b)
}

func groupIdFromSubName(name string) (groupId string, scoped bool) {
	const prefix = "group:"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):], true
	}
	return "", false
}

// replaySubscriptionsFor reinstates every subscription this relay should
// carry, on (re)connect, per spec.md §4.4 "any subscription whose callbacks
// list is non-empty is reinstated on reconnect."
func (m *Manager) replaySubscriptionsFor(c *conn) {
	m.mu.RLock()
	groupRelays := m.groupRelays
	m.mu.RUnlock()
	for _, sub := range m.mux.All() {
		if len(sub.Callbacks) == 0 {
			continue
		}
		if !routes(sub, c.typ, c.url, groupRelays) {
			continue
		}
		m.applySubToConn(c, sub)
	}
}

// Unsubscribe closes name's subscription on every relay currently carrying
// it.
func (m *Manager) Unsubscribe(name string) {
	sub, ok := m.mux.ByName(name)
	if !ok {
		return
	}
	m.mux.Unsubscribe(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for url, c := range m.conns {
		c.mu.Lock()
		_, has := c.subs[name]
		if has {
			delete(c.subs, name)
		}
		c.mu.Unlock()
		if !has {
			continue
		}
		cl := &envelope.Close{SubId: sub.ShortId}
		b, err := cl.Marshal()
		if chk.E(err) {
			continue
		}
		m.enqueue(url, b)
	}
}

// Publish sends ev as an EVENT frame to every relay whose routing
// predicate admits the given targetRelays (or, with none given, to every
// relay reachable, since publish is not subscription-scoped).
func (m *Manager) Publish(ev *event.E, targetRelays ...string) error {
	out := &envelope.EventOut{Event: ev}
	b, err := out.Marshal()
	if err != nil {
		return errorf.E("relaypool: marshal publish: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sent := false
	for url := range m.conns {
		if len(targetRelays) > 0 && !containsNormalized(targetRelays, url) {
			continue
		}
		m.enqueue(url, b)
		sent = true
	}
	if !sent {
		return relayerr.New(relayerr.RelayUnavailable, "no connected relay satisfies the routing predicate", nil)
	}
	return nil
}

func containsNormalized(urls []string, base string) bool {
	for _, u := range urls {
		if b, _, err := normalizeURL(u); err == nil && b == base {
			return true
		}
	}
	return false
}

// PublishWithOK publishes ev and waits up to cfg.PublishTimeout for a
// matching OK frame, per spec.md §4.3/§7: PublishTimeout on expiry,
// PublishRejected if the relay replies success=false.
func (m *Manager) PublishWithOK(ev *event.E, targetRelays ...string) error {
	idHex := ev.IdHex()
	ch := make(chan okResult, 1)
	m.okMu.Lock()
	m.pendingOK[idHex] = ch
	m.okMu.Unlock()
	defer func() {
		m.okMu.Lock()
		delete(m.pendingOK, idHex)
		m.okMu.Unlock()
	}()

	if err := m.Publish(ev, targetRelays...); err != nil {
		return err
	}
	select {
	case res := <-ch:
		if !res.success {
			return relayerr.New(relayerr.PublishRejected, res.message, nil)
		}
		return nil
	case <-time.After(m.cfg.PublishTimeout):
		return relayerr.New(relayerr.PublishTimeout, idHex, nil)
	}
}

// Status returns the connection state of rawURL, if known.
func (m *Manager) Status(rawURL string) (Status, bool) {
	base, _, err := normalizeURL(rawURL)
	if err != nil {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[base]
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, true
}

// LiveShortIds returns the set of short subscription ids currently applied
// to rawURL, for the testable invariant of spec.md §4.4.
func (m *Manager) LiveShortIds(rawURL string) []string {
	base, _, err := normalizeURL(rawURL)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	c, ok := m.conns[base]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for name := range c.subs {
		if sub, ok := m.mux.ByName(name); ok {
			out = append(out, sub.ShortId)
		}
	}
	return out
}

// RemoveRelay closes rawURL's connection (suppressing reconnect) and drops
// it from the manager's indexes, per spec.md §6.3's `disconnect-relay`
// control operation.
func (m *Manager) RemoveRelay(rawURL string) {
	base, _, err := normalizeURL(rawURL)
	if err != nil {
		return
	}
	m.mu.Lock()
	c, ok := m.conns[base]
	if ok {
		delete(m.conns, base)
	}
	for gid, url := range m.groupRelays {
		if url == base {
			delete(m.groupRelays, gid)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.preventReconnect = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

// Shutdown cancels all reconnect timers, closes every connection with
// preventReconnect=true, and clears the subscription tables, per spec.md §5
// orderly shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.preventReconnect = true
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
		}
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
	}
	close(m.outbox)
	m.wg.Wait()
}
