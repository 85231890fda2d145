package relaypool

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/require"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/envelope"
	"hypertuna.dev/event"
	"hypertuna.dev/submux"
)

var testUpgrader = websocket.Upgrader{
	ReadBufferSize: 1024, WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeRelay is a minimal wire-protocol echo/ack server used to exercise the
// manager end-to-end: it records every REQ/CLOSE/EVENT frame it receives and
// replies OK(true) to every published event.
type fakeRelay struct {
	srv *httptest.Server
	url string

	mu       sync.Mutex
	received [][]byte
	conn     *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{}
	fr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		fr.mu.Lock()
		fr.conn = c
		fr.mu.Unlock()
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			fr.mu.Lock()
			fr.received = append(fr.received, append([]byte(nil), data...))
			fr.mu.Unlock()

			frame, err := envelope.Parse(data)
			if err != nil {
				continue
			}
			if out, isEvent := frame.(*envelope.EventOut); isEvent {
				okFrame := &envelope.OK{EventId: out.Event.IdHex(), Success: true}
				b, _ := okFrame.Marshal()
				_ = c.WriteMessage(websocket.TextMessage, b)
			}
		}
	}))
	fr.url = "ws" + strings.TrimPrefix(fr.srv.URL, "http")
	return fr
}

func (fr *fakeRelay) close() { fr.srv.Close() }

func (fr *fakeRelay) frames() [][]byte {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	out := make([][]byte, len(fr.received))
	copy(out, fr.received)
	return out
}

func signedNote(t *testing.T, content string) *event.E {
	t.Helper()
	s := &authcrypto.Secp256k1{}
	require.NoError(t, s.Generate())
	ev, err := event.NewTextNote(s, content, "")
	require.NoError(t, err)
	return ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestRoutesDiscoveryOnlyUngrouped(t *testing.T) {
	groupRelays := map[string]string{"g1": "ws://group"}
	sub := &submux.Sub{Name: "sub1"}
	require.True(t, routes(sub, TypeDiscovery, "ws://discovery", groupRelays))

	scoped := &submux.Sub{Name: "group:g1"}
	require.False(t, routes(scoped, TypeDiscovery, "ws://discovery", groupRelays))
	require.True(t, routes(scoped, TypeGroup, "ws://group", groupRelays))
	require.False(t, routes(scoped, TypeGroup, "ws://other-group", groupRelays))
}

func TestNormalizeAndDialURL(t *testing.T) {
	base, token, err := normalizeURL("ws://relay.example/g1?token=abc")
	require.NoError(t, err)
	require.Equal(t, "ws://relay.example/g1", base)
	require.Equal(t, "abc", token)

	require.Equal(t, "ws://relay.example/g1?token=abc", dialURL(base, token))
	require.Equal(t, "ws://relay.example/g1", dialURL(base, ""))
}

func TestAddRelayConnectsAndSubscribes(t *testing.T) {
	fr := newFakeRelay(t)
	defer fr.close()

	m := New(Config{})
	defer m.Shutdown()

	require.NoError(t, m.AddRelay(fr.url, TypeDiscovery, ""))
	waitFor(t, func() bool { st, ok := m.Status(fr.url); return ok && st == StatusOpen })

	got := make(chan *event.E, 1)
	m.Subscribe("sub1", event.Filters{{Kinds: []int{event.KindTextNote}}}, func(ev *event.E) { got <- ev })

	waitFor(t, func() bool { return len(fr.frames()) >= 1 })
	frame, err := envelope.Parse(fr.frames()[0])
	require.NoError(t, err)
	req, ok := frame.(*envelope.Req)
	require.True(t, ok)
	require.Equal(t, "sub1", m.LiveShortIds(fr.url)[0])
	_ = req
}

func TestPublishWithOKSucceeds(t *testing.T) {
	fr := newFakeRelay(t)
	defer fr.close()

	m := New(Config{PublishTimeout: time.Second})
	defer m.Shutdown()
	require.NoError(t, m.AddRelay(fr.url, TypeDiscovery, ""))
	waitFor(t, func() bool { st, ok := m.Status(fr.url); return ok && st == StatusOpen })

	ev := signedNote(t, "hello")
	require.NoError(t, m.PublishWithOK(ev))
}

func TestPublishWithOKFailsWithNoRelay(t *testing.T) {
	m := New(Config{PublishTimeout: 30 * time.Millisecond})
	defer m.Shutdown()

	ev := signedNote(t, "hello")
	err := m.PublishWithOK(ev)
	require.Error(t, err)
}
