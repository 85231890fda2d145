package relaypool

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"hypertuna.dev/errorf"
)

// Type identifies a relay's role in the manager's two indexes, per
// spec.md §4.4: "discovery" (global nostr-style relays) or "group" (the
// authenticated per-group relay).
type Type string

const (
	TypeDiscovery Type = "discovery"
	TypeGroup     Type = "group"
)

// Status is a connection's place in the connecting -> open -> closed state
// machine of spec.md §3/§9 (unifying the source's separate token-presence
// and "initialized" flags into one explicit machine).
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// normalizeURL splits a relay URL's "?token=..." query component off, per
// spec.md §4.4 ("Input URL is normalized by separating any ?token=...
// query component").
func normalizeURL(raw string) (base, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errorf.E("relaypool: parse url %q: %w", raw, err)
	}
	q := u.Query()
	token = q.Get("token")
	q.Del("token")
	u.RawQuery = q.Encode()
	return strings.TrimSuffix(u.String(), "?"), token, nil
}

// dialURL re-attaches a token as the ?token= query component for the
// outbound dial, per spec.md §6.2's relay URL scheme.
func dialURL(base, token string) string {
	if token == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}

// conn is one outbound peer connection, per spec.md §3's "Connection
// record". Grounded on kwsantiago-orly/ws.Listener's mutexed-write-conn
// idiom, adapted from a server-side listener wrapper to an outbound,
// reconnecting client connection.
type conn struct {
	mu sync.Mutex

	url   string // normalized, without ?token=
	typ   Type
	token string

	ws     *websocket.Conn
	status Status

	subs map[string]struct{} // names of subscriptions currently applied here

	pending         [][]byte // frames queued while not open
	preventReconnect bool
	reconnectTimer  *time.Timer
}

func newConn(url string, typ Type, token string) *conn {
	return &conn{url: url, typ: typ, token: token, status: StatusConnecting, subs: map[string]struct{}{}}
}

func (c *conn) writeRaw(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.status != StatusOpen {
		c.pending = append(c.pending, p)
		return nil
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		if strings.Contains(err.Error(), "close sent") {
			return nil
		}
		return errorf.E("relaypool: write %s: %w", c.url, err)
	}
	return nil
}

func (c *conn) flushPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	for _, p := range pending {
		if err := ws.WriteMessage(websocket.TextMessage, p); err != nil {
			return
		}
	}
}
