// Package gateway implements the gateway bridge (C9) of spec.md §4.6/§4.7/
// §6.2/§6.3: an HTTP/WebSocket server that exposes every relay this worker
// hosts at /<npub>/<relayName>, performs the ECDH challenge/response
// handshake of §4.6 for inbound clients, demultiplexes their REQ/CLOSE/EVENT
// traffic against the worker's own group.Set projection, and exposes the
// worker's control channel (§6.3) as a typed REST surface.
//
// Grounded on kwsantiago-orly/app/realy/server.go's Server type
// (ServeHTTP/Start/Shutdown, cors.Default().Handler wrapping, the
// 7s/28s header/idle timeouts) and kwsantiago-orly/pkg/protocol/openapi's
// humachi.New/huma.Register construction (confirmed by
// kwsantiago-orly/pkg/protocol/openapi/invoice_test.go), adapted from one
// relay per process to many relays multiplexed by path.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/authstore"
	"hypertuna.dev/chk"
	"hypertuna.dev/client"
	"hypertuna.dev/drive"
	"hypertuna.dev/errorf"
	"hypertuna.dev/event"
	"hypertuna.dev/group"
	"hypertuna.dev/log"
	"hypertuna.dev/relaypool"
	"hypertuna.dev/submux"
	"hypertuna.dev/version"
)

// maxBacklog bounds the per-relay replay buffer of full signed events kept
// for REQ/EOSE replay, since group.Message (the projector's own log) drops
// Sig/Tags and cannot serve that role.
const maxBacklog = 2000

// relay is one hosted relay's gateway-side state: its own subscription
// multiplexer (distinct from relaypool.Manager's, since that package
// governs this worker's outbound connections, not its inbound listeners)
// and a capped backlog of full signed events for newly-subscribing clients.
type relay struct {
	Npub     string
	Name     string
	GroupId  string
	IsPublic bool

	mux *submux.Mux

	backlogMu sync.Mutex
	backlog   []*event.E
}

func newRelay(npub, name, groupId string, isPublic bool) *relay {
	return &relay{Npub: npub, Name: name, GroupId: groupId, IsPublic: isPublic, mux: submux.New()}
}

func (r *relay) append(ev *event.E) {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()
	r.backlog = append(r.backlog, ev)
	if len(r.backlog) > maxBacklog {
		r.backlog = r.backlog[len(r.backlog)-maxBacklog:]
	}
}

func (r *relay) replay(filters event.Filters, limit int) []*event.E {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()
	var out []*event.E
	for i := len(r.backlog) - 1; i >= 0; i-- {
		if filters.Match(r.backlog[i]) {
			out = append(out, r.backlog[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	// oldest first, matching the wire order a client expects before EOSE.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// RelayKey returns the canonical (npub, name) key used to index relays,
// authstore records, and group.Set's RelayId, per spec.md §6.2's
// /<npub>/<relayNameCamelCase> URL scheme.
func RelayKey(npub, name string) string { return npub + "/" + name }

// Config wires a Server to the rest of the worker's components.
type Config struct {
	Signer       authcrypto.Signer
	Npub         string // operator's bech32 pubkey, per spec.md §6.2's /<npub>/<name> scheme
	Groups       *group.Set
	AuthStore    *authstore.Store
	Challenges   *authcrypto.ChallengeStore
	Pool         *relaypool.Manager   // outbound manager, for join-relay/start-join-flow
	Drive        *drive.Store         // local block store, for upload-pfp
	Orchestrator *client.Orchestrator // C7, for create-relay/join-relay/start-join-flow

	PublicGatewayEnabled bool
	PublicGatewayURL     string
	PublicGatewaySecret  string
}

// Server is the gateway bridge (C9): one HTTP(S) listener multiplexing
// every relay this worker hosts plus its own control REST surface.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg Config

	router     *chi.Mux
	httpServer *http.Server

	relaysMu sync.RWMutex
	relays   map[string]*relay // RelayKey -> relay

	// ShutdownRequested is closed once, by the `shutdown` control operation
	// (spec.md §6.3), to signal main that it should begin orderly process
	// teardown of the components the gateway does not itself own (relaypool,
	// drive mirrors).
	ShutdownRequested chan struct{}
	shutdownOnce      sync.Once
}

// NewServer builds a Server and registers its control-channel REST
// operations, grounded on kwsantiago-orly/app/realy/server.go's
// NewServer/huma.AutoRegister sequence.
func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctx:               ctx,
		cancel:            cancel,
		cfg:               cfg,
		router:            chi.NewRouter(),
		relays:            map[string]*relay{},
		ShutdownRequested: make(chan struct{}),
	}
	api := humachi.New(s.router, &humachi.HumaConfig{OpenAPI: humachi.DefaultOpenAPIConfig()})
	ops := &Operations{s: s}
	ops.RegisterConfig(api)
	ops.RegisterCreateRelay(api)
	ops.RegisterStartJoinFlow(api)
	ops.RegisterJoinRelay(api)
	ops.RegisterDisconnectRelay(api)
	ops.RegisterUpdateMembers(api)
	ops.RegisterRemoveAuthData(api)
	ops.RegisterUploadPfp(api)
	ops.RegisterShutdown(api)
	s.router.Get("/{npub}/{name}", s.handleRelayRequest)
	return s
}

// RegisterRelay attaches (or returns the existing) gateway-side state for
// the relay keyed by (npub, name), per spec.md §6.2. Idempotent.
func (s *Server) RegisterRelay(npub, name, groupId string, isPublic bool) *relay {
	key := RelayKey(npub, name)
	s.relaysMu.Lock()
	defer s.relaysMu.Unlock()
	if r, ok := s.relays[key]; ok {
		return r
	}
	r := newRelay(npub, name, groupId, isPublic)
	s.relays[key] = r
	return r
}

// Relay returns the hosted relay keyed by (npub, name), if any.
func (s *Server) Relay(npub, name string) (*relay, bool) {
	s.relaysMu.RLock()
	defer s.relaysMu.RUnlock()
	r, ok := s.relays[RelayKey(npub, name)]
	return r, ok
}

// RemoveRelay stops serving the relay keyed by (npub, name).
func (s *Server) RemoveRelay(npub, name string) {
	s.relaysMu.Lock()
	delete(s.relays, RelayKey(npub, name))
	s.relaysMu.Unlock()
}

// relayInfo is this worker's NIP-11-style relay information document,
// served on Accept: application/nostr+json, grounded on
// kwsantiago-orly/app/realy/relayinfo.go's document shape.
type relayInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Pubkey        string `json:"pubkey"`
	Software      string `json:"software"`
	Version       string `json:"version"`
	SupportedNIPs []int  `json:"supported_nips"`
}

// handleRelayRequest dispatches a /<npub>/<name> request to the relay info
// document or the websocket handler, per kwsantiago-orly/app/realy/
// server.go's ServeHTTP root-path dispatch, generalised from the single
// root path "/" to this module's per-relay path.
func (s *Server) handleRelayRequest(w http.ResponseWriter, r *http.Request) {
	npub := chi.URLParam(r, "npub")
	name := chi.URLParam(r, "name")
	rel, ok := s.Relay(npub, name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/nostr+json" {
		s.handleRelayInfo(w, rel)
		return
	}
	if r.Header.Get("Upgrade") == "websocket" {
		s.handleWebsocket(w, r, rel)
		return
	}
	http.Error(w, "expected a websocket upgrade or Accept: application/nostr+json", http.StatusBadRequest)
}

func (s *Server) handleRelayInfo(w http.ResponseWriter, rel *relay) {
	info := &relayInfo{
		Pubkey:        fmt.Sprintf("%x", s.cfg.Signer.Pub()),
		Software:      "hypertuna",
		Version:       version.V,
		SupportedNIPs: []int{1, 9, 11, 29, 42},
	}
	if p, ok := s.cfg.Groups.Lookup(rel.GroupId); ok {
		md, _ := p.Metadata()
		info.Name = md.Name
		info.Description = md.About
	}
	w.Header().Set("Content-Type", "application/json")
	chk.E(json.NewEncoder(w).Encode(info))
}

// Start binds host:port and serves every registered relay plus the control
// API, wrapped in permissive CORS and the teacher's header/idle timeouts.
func (s *Server) Start(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errorf.E("gateway: listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           cors.Default().Handler(s.router),
		Addr:              addr,
		ReadHeaderTimeout: 7 * time.Second,
		IdleTimeout:       28 * time.Second,
	}
	log.I.F("gateway: listening on %s", addr)
	if err = s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errorf.E("gateway: serve: %w", err)
	}
	return nil
}

// RequestShutdown closes ShutdownRequested exactly once, per spec.md §6.3's
// `shutdown` control operation.
func (s *Server) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.ShutdownRequested) })
}

// Shutdown cancels every in-flight handler and shuts the HTTP server down,
// per spec.md §5's orderly-shutdown rule.
func (s *Server) Shutdown() {
	s.cancel()
	if s.cfg.Challenges != nil {
		s.cfg.Challenges.Stop()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		chk.E(s.httpServer.Shutdown(ctx))
	}
}
