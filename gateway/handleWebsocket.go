package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/chk"
	"hypertuna.dev/envelope"
	"hypertuna.dev/errorf"
	"hypertuna.dev/event"
	"hypertuna.dev/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 1 << 20
	authWait       = 10 * time.Second
)

// upgrader is grounded on kwsantiago-orly/pkg/protocol/socketapi/upgrader.go
// -- same buffer sizes, same permissive origin check (the gateway's own
// auth handshake, not CORS, is what gates access).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var connCounter atomic.Uint64

// client is one connected websocket's gateway-side state: the connection
// itself (write-serialized, since the relay's Mux.Deliver callback and the
// client's own read loop both write to it), the relay it is attached to,
// and the subscription names it has registered on that relay's Mux.
type client struct {
	id        string
	conn      *websocket.Conn
	rel       *relay
	srv       *Server
	pubkeyHex string

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]struct{} // local subId -> registered (mux name is id+":"+subId)
}

func (c *client) writeFrame(f interface{ Marshal() ([]byte, error) }) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	chk.E(c.conn.SetWriteDeadline(time.Now().Add(writeWait)))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// handleWebsocket upgrades the connection, runs the §4.6 auth handshake,
// then serves REQ/CLOSE/EVENT frames against rel until the connection
// closes. Grounded on kwsantiago-orly/pkg/protocol/socketapi/socketapi.go's
// Serve (upgrade, read-limit/deadline/pong-handler setup, ping goroutine,
// read loop), with the teacher's NIP-42 handleAuth.go replaced by the
// ECDH-envelope handshake spec.md §4.6/§4.7 specifies.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, rel *relay) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if chk.E(err) {
		return
	}
	c := &client{
		id:   fmt.Sprintf("c%d", connCounter.Add(1)),
		conn: conn,
		rel:  rel,
		srv:  s,
		subs: map[string]struct{}{},
	}
	defer func() {
		c.subsMu.Lock()
		for subId := range c.subs {
			rel.mux.Unsubscribe(c.id + ":" + subId)
		}
		c.subsMu.Unlock()
		chk.E(conn.Close())
	}()

	conn.SetReadLimit(maxMessageSize)
	chk.E(conn.SetReadDeadline(time.Now().Add(pongWait)))
	conn.SetPongHandler(func(string) error {
		chk.E(conn.SetReadDeadline(time.Now().Add(pongWait)))
		return nil
	})

	pubkeyHex, err := s.authenticate(c, r.URL.Query())
	if err != nil {
		chk.T(c.writeFrame(&envelope.Notice{Text: "auth failed: " + err.Error()}))
		return
	}
	c.pubkeyHex = pubkeyHex

	stop := make(chan struct{})
	defer close(stop)
	go pinger(conn, stop)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err = s.handleFrame(c, message); err != nil {
			log.D.F("gateway: %s: %v", c.id, err)
		}
	}
}

// pinger writes a periodic control-frame ping, grounded on
// kwsantiago-orly/pkg/protocol/socketapi/pinger.go.
func pinger(conn *websocket.Conn, stop <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// authenticate implements spec.md §4.6/§4.7: a client connecting with a
// valid ?token= is authenticated immediately; otherwise it must supply
// ?pubkey=<x-only-hex> and complete an ECDH challenge/response exchanged
// over AUTH frames before any REQ/EVENT is served. On fresh success, a
// rotated token is minted (SHA256(serverSec||clientPub||now), per spec.md
// §4.6) and delivered via a NOTICE frame, since the wire table of §4.3/§6.1
// has no dedicated token-delivery frame.
func (s *Server) authenticate(c *client, q url.Values) (pubkeyHex string, err error) {
	relayKey := RelayKey(c.rel.Npub, c.rel.Name)

	if token := q.Get("token"); token != "" {
		if pk, ok := s.cfg.AuthStore.VerifyAuth(relayKey, token); ok {
			return pk, nil
		}
	}

	pubkeyHex = strings.ToLower(q.Get("pubkey"))
	pubkeyBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(pubkeyBytes) != authcrypto.PubKeyLen {
		return "", errorf.E("gateway: missing or malformed ?pubkey")
	}

	challenge, err := s.cfg.Challenges.New(pubkeyBytes, s.cfg.Signer.Pub(), relayKey)
	if err != nil {
		return "", err
	}
	secret, err := s.cfg.Signer.ECDH(pubkeyBytes)
	if err != nil {
		return "", err
	}
	env, err := authcrypto.EncryptEnvelope(secret, hex.EncodeToString(challenge.Value))
	if err != nil {
		return "", err
	}
	if err = c.writeFrame(&envelope.Auth{Challenge: env}); err != nil {
		return "", err
	}

	chk.E(c.conn.SetReadDeadline(time.Now().Add(authWait)))
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return "", errorf.E("gateway: no auth response: %w", err)
	}
	chk.E(c.conn.SetReadDeadline(time.Now().Add(pongWait)))
	frame, err := envelope.Parse(message)
	if err != nil {
		return "", err
	}
	resp, ok := frame.(*envelope.Auth)
	if !ok {
		return "", errorf.E("gateway: expected AUTH response")
	}
	plaintext, err := authcrypto.DecryptEnvelope(secret, resp.Challenge)
	if err != nil {
		return "", errorf.E("gateway: decrypt auth response: %w", err)
	}
	responseBytes, err := hex.DecodeString(plaintext)
	if err != nil {
		return "", errorf.E("gateway: malformed auth response: %w", err)
	}
	verified, err := s.cfg.Challenges.Verify(pubkeyBytes, responseBytes)
	if err != nil {
		return "", err
	}
	if !verified {
		return "", errorf.E("gateway: challenge response does not match")
	}

	token := mintToken(s.cfg.Signer.Sec(), pubkeyBytes)
	s.cfg.AuthStore.AddAuth(relayKey, pubkeyHex, token)
	chk.T(c.writeFrame(&envelope.Notice{Text: "token=" + token}))
	return pubkeyHex, nil
}

// mintToken computes SHA256(serverPrivKey||clientPubKey||now), per spec.md
// §4.6's literal token derivation.
func mintToken(serverSec, clientPub []byte) string {
	now := time.Now().Unix()
	var nowBytes [8]byte
	for i := 0; i < 8; i++ {
		nowBytes[i] = byte(now >> (8 * (7 - i)))
	}
	h := sha256.New()
	h.Write(serverSec)
	h.Write(clientPub)
	h.Write(nowBytes[:])
	return hex.EncodeToString(h.Sum(nil))
}

// handleFrame dispatches one parsed client frame against c's relay.
func (s *Server) handleFrame(c *client, message []byte) error {
	frame, err := envelope.Parse(message)
	if err != nil {
		return err
	}
	switch f := frame.(type) {
	case *envelope.Req:
		return s.handleReq(c, f)
	case *envelope.Close:
		c.subsMu.Lock()
		delete(c.subs, f.SubId)
		c.subsMu.Unlock()
		c.rel.mux.Unsubscribe(c.id + ":" + f.SubId)
		return nil
	case *envelope.EventOut:
		return s.handleEvent(c, f.Event)
	default:
		return errorf.E("gateway: unexpected frame from client")
	}
}

func (s *Server) handleReq(c *client, f *envelope.Req) error {
	name := c.id + ":" + f.SubId
	c.subsMu.Lock()
	c.subs[f.SubId] = struct{}{}
	c.subsMu.Unlock()

	c.rel.mux.Subscribe(name, f.Filters, func(ev *event.E) {
		chk.T(c.writeFrame(&envelope.EventIn{SubId: f.SubId, Event: ev}))
	})

	limit := 0
	for _, ft := range f.Filters {
		if ft.Limit > 0 && (limit == 0 || ft.Limit < limit) {
			limit = ft.Limit
		}
	}
	for _, ev := range c.rel.replay(f.Filters, limit) {
		if err := c.writeFrame(&envelope.EventIn{SubId: f.SubId, Event: ev}); err != nil {
			return err
		}
	}
	return c.writeFrame(&envelope.EOSE{SubId: f.SubId})
}

func (s *Server) handleEvent(c *client, ev *event.E) error {
	projector := s.cfg.Groups.Get(c.rel.GroupId)
	if err := projector.Apply(ev); err != nil {
		return c.writeFrame(&envelope.OK{EventId: ev.IdHex(), Success: false, Message: err.Error()})
	}
	c.rel.append(ev)
	c.rel.mux.Deliver(ev)
	return c.writeFrame(&envelope.OK{EventId: ev.IdHex(), Success: true})
}
