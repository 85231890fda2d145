// Package client implements the top-level client orchestrator of spec.md
// §2/§6.3 (C7): the operator identity's own view of the swarm, sitting on
// top of this module's own relaypool.Manager, group.Set, and
// authcrypto.Signer rather than a separate client library. It owns
// discovery-relay bootstrap (profile/contacts/relay-list lookup), wires a
// per-group subscription for every group this worker joins or creates, and
// drives the create-relay/join-relay/start-join-flow control-channel
// operations of spec.md §6.3, including the §4.6 ECDH handshake a joining
// peer performs against a remote relay before it holds a token.
//
// Grounded on pinpox-nitrous/nostr_group.go and nostr.go: the same
// follow-list-driven relay discovery and per-group REQ-subscription wiring
// relay29-backed Nostr clients use, reimplemented here over this module's
// own relaypool+submux+group stack instead of go-nostr/relay29 (that
// library's domain *shape*, not its code, is what's reused -- see
// DESIGN.md).
package client

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fasthttp/websocket"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/authstore"
	"hypertuna.dev/bech32"
	"hypertuna.dev/chk"
	"hypertuna.dev/envelope"
	"hypertuna.dev/errorf"
	"hypertuna.dev/event"
	"hypertuna.dev/group"
	"hypertuna.dev/log"
	"hypertuna.dev/relaypool"
)

// moderationKinds carry an `h` tag naming the group; snapshotKinds carry a
// `d` tag instead, per spec.md §3's event-kind table.
var moderationKinds = []int{
	event.KindTextNote, event.KindAddUser, event.KindRemoveUser,
	event.KindEditMetadata, event.KindInvite, event.KindJoinRequest,
}

var snapshotKinds = []int{
	event.KindGroupMeta, event.KindGroupAdmins, event.KindGroupMembers,
}

// Config wires an Orchestrator to the rest of the worker's components at
// construction.
type Config struct {
	Signer         authcrypto.Signer
	PubkeyHex      string
	Pool           *relaypool.Manager
	Groups         *group.Set
	AuthStore      *authstore.Store
	DiscoveryRelay []string
	Dialer         *websocket.Dialer
}

// Orchestrator is the client orchestrator (C7) of spec.md §2.
type Orchestrator struct {
	cfg Config
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Orchestrator{cfg: cfg}
}

// Start connects to every configured discovery relay and subscribes to this
// operator's own profile (kind 0), contacts (kind 3), and relay-list
// (kind 10009), per spec.md §2's "C7 drives C6 to fan out subscriptions via
// C5" and §4.4's routing rule that a discovery relay only carries
// ungrouped subscriptions.
func (o *Orchestrator) Start() error {
	for _, u := range o.cfg.DiscoveryRelay {
		if err := o.cfg.Pool.AddRelay(u, relaypool.TypeDiscovery, ""); err != nil {
			return errorf.E("client: connect discovery relay %s: %w", u, err)
		}
	}
	if len(o.cfg.DiscoveryRelay) == 0 {
		return nil
	}
	filters := event.Filters{{
		Authors: []string{o.cfg.PubkeyHex},
		Kinds:   []int{event.KindProfile, event.KindContacts, event.KindRelayList},
	}}
	o.cfg.Pool.Subscribe("self", filters, func(ev *event.E) {
		if ev.Kind == event.KindRelayList {
			o.followRelayList(ev)
		}
	})
	return nil
}

// followRelayList wires a group subscription for every group named in a
// kind-10009 relay-list event's `group` tags, per spec.md §3's description
// of that kind. The relay URL is the `group` tag's third element (as
// event.NewRelayList writes it), or else the event's first `r` tag.
func (o *Orchestrator) followRelayList(ev *event.E) {
	for _, t := range ev.Tags.GetAll("group") {
		if len(t) < 2 {
			continue
		}
		groupId := t.Value()
		relayURL := ""
		if len(t) >= 3 {
			relayURL = t[2]
		} else if r := ev.Tags.GetFirst("r"); r != nil {
			relayURL = r.Value()
		}
		if relayURL != "" {
			chk.E(o.cfg.Pool.AddRelay(relayURL, relaypool.TypeGroup, groupId))
		}
		o.SubscribeGroup(groupId)
	}
}

// SubscribeGroup wires the two filters spec.md §4.2 needs to project a
// group's state -- moderation/message kinds (tagged `h`) and authoritative
// snapshot kinds (tagged `d`) -- into that group's Projector via C1's
// verify-then-C4's-Apply dataflow (spec.md §2). Idempotent: submux
// deduplicates by filter hash, so calling this twice for the same group is
// a no-op wire-wise.
func (o *Orchestrator) SubscribeGroup(groupId string) {
	filters := event.Filters{
		{Kinds: moderationKinds, Tags: map[string][]string{"h": {groupId}}},
		{Kinds: snapshotKinds, Tags: map[string][]string{"d": {groupId}}},
	}
	projector := o.cfg.Groups.Get(groupId)
	o.cfg.Pool.Subscribe("group:"+groupId, filters, func(ev *event.E) {
		if err := projector.Apply(ev); err != nil {
			log.D.F("client: group %s: reject event %s: %v", groupId, ev.IdHex(), err)
		}
	})
}

// CreateRelay implements the §6.3 `create-relay` control operation: mint a
// fresh publicIdentifier, sign and locally apply the kind-9007 create-group
// event (this worker is the group's first relay and its own admin), and
// wire its subscription.
func (o *Orchestrator) CreateRelay(name, about string, isPublic, isOpen, fileSharing bool) (publicIdentifier string, err error) {
	publicIdentifier, err = randomId()
	if err != nil {
		return "", err
	}
	ev, err := event.NewCreateGroup(o.cfg.Signer, publicIdentifier, name, about, isPublic, isOpen, fileSharing)
	if err != nil {
		return "", err
	}
	projector := o.cfg.Groups.Get(publicIdentifier)
	if err = projector.Apply(ev); err != nil {
		return "", err
	}
	o.SubscribeGroup(publicIdentifier)
	return publicIdentifier, nil
}

func randomId() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errorf.E("client: generate group id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// JoinRelay implements the §6.3 `join-relay` control operation: attach an
// already-authorized relay using a previously issued token, no handshake
// required.
func (o *Orchestrator) JoinRelay(hostURL, publicIdentifier, authToken string) error {
	dialURL := hostURL
	if authToken != "" {
		sep := "?"
		if strings.Contains(hostURL, "?") {
			sep = "&"
		}
		dialURL = hostURL + sep + "token=" + url.QueryEscape(authToken)
	}
	if err := o.cfg.Pool.AddRelay(dialURL, relaypool.TypeGroup, publicIdentifier); err != nil {
		return err
	}
	o.SubscribeGroup(publicIdentifier)
	return nil
}

// DisconnectRelay implements the §6.3 `disconnect-relay` control operation.
func (o *Orchestrator) DisconnectRelay(hostURL string) {
	o.cfg.Pool.RemoveRelay(hostURL)
}

// JoinEventKind identifies the stage of a start-join-flow handshake, per
// spec.md §6.3's `join-auth-progress`/`-success`/`-error` message family.
type JoinEventKind string

const (
	JoinProgress JoinEventKind = "join-auth-progress"
	JoinSuccess  JoinEventKind = "join-auth-success"
	JoinError    JoinEventKind = "join-auth-error"
)

// JoinEvent is one update emitted on the channel StartJoinFlow returns.
type JoinEvent struct {
	Kind    JoinEventKind
	Message string
	Token   string
}

const joinHandshakeTimeout = 45 * time.Second // spec.md §5 "Relay-ready wait: 45s"

// StartJoinFlow implements the §6.3 `start-join-flow` control operation:
// dial hostPeers in order, perform the §4.6 ECDH challenge/response
// handshake as the connecting party, and on success attach the relay with
// the freshly minted token and wire its subscription. Progress is reported
// on the returned channel, which is closed after a terminal JoinSuccess or
// JoinError event.
func (o *Orchestrator) StartJoinFlow(publicIdentifier string, hostPeers []string) <-chan JoinEvent {
	events := make(chan JoinEvent, 8)
	go func() {
		defer close(events)
		var lastErr error
		for _, host := range hostPeers {
			events <- JoinEvent{Kind: JoinProgress, Message: "connecting to " + host}
			token, err := o.handshake(host, events)
			if err != nil {
				lastErr = err
				events <- JoinEvent{Kind: JoinProgress, Message: fmt.Sprintf("%s: %v", host, err)}
				continue
			}
			if err = o.JoinRelay(host, publicIdentifier, token); err != nil {
				lastErr = err
				continue
			}
			events <- JoinEvent{Kind: JoinSuccess, Token: token}
			return
		}
		msg := "no reachable host peer"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		events <- JoinEvent{Kind: JoinError, Message: msg}
	}()
	return events
}

// handshake performs the client side of spec.md §4.6's ECDH
// challenge/response against host, returning the token the relay mints on
// success. This is the mirror image of gateway.Server.authenticate: there
// the relay issues the challenge; here the joining peer answers it.
func (o *Orchestrator) handshake(host string, events chan<- JoinEvent) (token string, err error) {
	dialURL := host
	sep := "?"
	if strings.Contains(host, "?") {
		sep = "&"
	}
	dialURL += sep + "pubkey=" + hex.EncodeToString(o.cfg.Signer.Pub())

	conn, _, err := o.cfg.Dialer.Dial(dialURL, http.Header{})
	if err != nil {
		return "", errorf.E("client: dial %s: %w", host, err)
	}
	defer conn.Close()
	chk.E(conn.SetReadDeadline(time.Now().Add(joinHandshakeTimeout)))

	events <- JoinEvent{Kind: JoinProgress, Message: "awaiting challenge"}
	_, message, err := conn.ReadMessage()
	if err != nil {
		return "", errorf.E("client: read challenge: %w", err)
	}
	frame, err := envelope.Parse(message)
	if err != nil {
		return "", err
	}
	auth, ok := frame.(*envelope.Auth)
	if !ok {
		return "", errorf.E("client: expected AUTH challenge, got something else")
	}

	_, relaySecret, err := o.relaySecret(host)
	if err != nil {
		return "", err
	}
	plaintext, err := authcrypto.DecryptEnvelope(relaySecret, auth.Challenge)
	if err != nil {
		return "", errorf.E("client: decrypt challenge: %w", err)
	}

	events <- JoinEvent{Kind: JoinProgress, Message: "responding to challenge"}
	respEnv, err := authcrypto.EncryptEnvelope(relaySecret, plaintext)
	if err != nil {
		return "", err
	}
	resp := &envelope.Auth{Challenge: respEnv}
	b, err := resp.Marshal()
	if err != nil {
		return "", err
	}
	if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return "", errorf.E("client: write challenge response: %w", err)
	}

	_, message, err = conn.ReadMessage()
	if err != nil {
		return "", errorf.E("client: read auth result: %w", err)
	}
	frame, err = envelope.Parse(message)
	if err != nil {
		return "", err
	}
	notice, ok := frame.(*envelope.Notice)
	if !ok {
		return "", errorf.E("client: expected NOTICE with token")
	}
	const prefix = "token="
	if !strings.HasPrefix(notice.Text, prefix) {
		return "", errorf.E("client: auth failed: %s", notice.Text)
	}
	return strings.TrimPrefix(notice.Text, prefix), nil
}

// relaySecret derives the ECDH shared secret with host's relay pubkey,
// recovered from the URL's own npub path segment per spec.md §6.2's
// `/<npub>/<relayName>` scheme.
func (o *Orchestrator) relaySecret(host string) (pub, secret []byte, err error) {
	pub, err = npubFromURL(host)
	if err != nil {
		return nil, nil, err
	}
	secret, err = o.cfg.Signer.ECDH(pub)
	if err != nil {
		return nil, nil, err
	}
	return pub, secret, nil
}

func npubFromURL(raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errorf.E("client: parse relay url %q: %w", raw, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return nil, errorf.E("client: relay url %q carries no npub path segment", raw)
	}
	_, pub, err := bech32.DecodeToBytes(parts[0])
	if err != nil || len(pub) != authcrypto.PubKeyLen {
		return nil, errorf.E("client: relay url %q carries a malformed npub segment: %w", raw, err)
	}
	return pub, nil
}
