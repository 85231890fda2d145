package drive

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/vmihailenco/msgpack/v5"

	"hypertuna.dev/chk"
	"hypertuna.dev/errorf"
	"hypertuna.dev/log"
)

// remoteListProtocol is the stream protocol a Libp2pSubstrate peer serves
// its drive tree over, grounded on shurlinet-shurli/home-node/main.go's
// PingPongProtocol stream-handler idiom.
const remoteListProtocol = "/hypertuna/drive-list/1.0.0"

// listRequest/listResponse are the msgpack-encoded request/response pair
// exchanged over remoteListProtocol, grounded on
// kwsantiago-orly's go.mod choice of vmihailenco/msgpack for dense wire
// encoding, repurposed here for peer-to-peer drive listing instead of
// orly's event cache.
type listRequest struct {
	Folder string
}

type listResponse struct {
	Entries []RemoteEntry
}

// Libp2pSubstrate is the module's own PeerSubstrate (§6.4) implementation:
// a libp2p host for transport, a Kademlia DHT for peer discovery by
// rendezvous topic, and gossipsub for change-notification topics.
// Grounded on orpheuslummis-defradb/net/peer.go's Peer{host, dht, ps}
// field shape and shurlinet-shurli/home-node/main.go's dht.New/Bootstrap/
// routing-discovery construction sequence.
type Libp2pSubstrate struct {
	host host.Host
	dht  *dht.IpfsDHT
	ps   *pubsub.PubSub

	mu      sync.Mutex
	handles map[string]*libp2pHandle

	// localList, if set, answers remote peers' listing requests against
	// this worker's own local drive. Wired up by the owning Mirror's
	// worker once it has something to serve.
	localList func(folder string) []RemoteEntry
}

// ServeLocal registers fn as the handler for incoming remote-peer listing
// requests against this substrate's local drive.
func (s *Libp2pSubstrate) ServeLocal(fn func(folder string) []RemoteEntry) {
	s.mu.Lock()
	s.localList = fn
	s.mu.Unlock()
}

// NewLibp2pSubstrate constructs a host listening on listenAddrs, bootstraps
// a Kademlia DHT in client mode (this worker does not serve as a public
// DHT relay), and starts gossipsub.
func NewLibp2pSubstrate(ctx context.Context, listenAddrs ...string) (*Libp2pSubstrate, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddrs...))
	if err != nil {
		return nil, errorf.E("drive: create libp2p host: %w", err)
	}
	kdht, err := dht.New(ctx, h, dht.Mode(dht.ModeClient))
	if err != nil {
		return nil, errorf.E("drive: create dht: %w", err)
	}
	if err = kdht.Bootstrap(ctx); err != nil {
		return nil, errorf.E("drive: bootstrap dht: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, errorf.E("drive: create gossipsub: %w", err)
	}
	s := &Libp2pSubstrate{host: h, dht: kdht, ps: ps, handles: map[string]*libp2pHandle{}}
	h.SetStreamHandler(remoteListProtocol, s.serveList)
	return s, nil
}

// Close shuts down the underlying libp2p host.
func (s *Libp2pSubstrate) Close() error { return s.host.Close() }

func (s *Libp2pSubstrate) serveList(str network.Stream) {
	defer str.Close()
	var req listRequest
	dec := msgpack.NewDecoder(bufio.NewReader(str))
	if chk.E(dec.Decode(&req)) {
		return
	}
	s.mu.Lock()
	handler := s.localList
	s.mu.Unlock()
	if handler == nil {
		return
	}
	resp := listResponse{Entries: handler(req.Folder)}
	enc := msgpack.NewEncoder(str)
	chk.E(enc.Encode(resp))
}

// findRendezvousPeer resolves remoteKey to a connected peer using the DHT
// rendezvous-advertisement pattern of shurlinet-shurli/home-node/main.go.
func (s *Libp2pSubstrate) findRendezvousPeer(ctx context.Context, remoteKey string) (peer.ID, error) {
	rd := drouting.NewRoutingDiscovery(s.dht)
	peerCh, err := rd.FindPeers(ctx, remoteKey)
	if err != nil {
		return "", errorf.E("drive: find peers for %s: %w", remoteKey, err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", errorf.E("drive: no peer found for %s: %w", remoteKey, ctx.Err())
		case pi, ok := <-peerCh:
			if !ok {
				return "", errorf.E("drive: no peer found for %s", remoteKey)
			}
			if pi.ID == s.host.ID() {
				continue
			}
			if err = s.host.Connect(ctx, pi); err != nil {
				log.D.F("drive: connect to %s: %v", pi.ID, err)
				continue
			}
			return pi.ID, nil
		}
	}
}

// libp2pHandle is the Libp2pSubstrate's RemoteHandle implementation: it
// resolves and caches the remote peer id on first use and fetches listings
// over remoteListProtocol on demand.
type libp2pHandle struct {
	sub       *Libp2pSubstrate
	remoteKey string

	mu       sync.Mutex
	peerID   peer.ID
	resolved bool
	updated  chan struct{}
}

func (s *Libp2pSubstrate) OpenDrive(ctx context.Context, remoteKey string) (RemoteHandle, error) {
	s.mu.Lock()
	if h, ok := s.handles[remoteKey]; ok {
		s.mu.Unlock()
		return h, nil
	}
	h := &libp2pHandle{sub: s, remoteKey: remoteKey, updated: make(chan struct{}, 1)}
	s.handles[remoteKey] = h
	s.mu.Unlock()
	return h, nil
}

func (h *libp2pHandle) ensurePeer(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return nil
	}
	id, err := h.sub.findRendezvousPeer(ctx, h.remoteKey)
	if err != nil {
		return err
	}
	h.peerID, h.resolved = id, true
	return nil
}

// Update implements RemoteHandle, per spec.md §4.5 step 1 ("perform one
// update wait"): it resolves the remote peer, which is the libp2p
// substrate's notion of "the remote has announced itself".
func (h *libp2pHandle) Update(ctx context.Context) error {
	return h.ensurePeer(ctx)
}

// List implements RemoteHandle by opening a stream to the resolved peer and
// exchanging a msgpack listRequest/listResponse pair.
func (h *libp2pHandle) List(ctx context.Context, folder string) ([]RemoteEntry, error) {
	if err := h.ensurePeer(ctx); err != nil {
		return nil, err
	}
	str, err := h.sub.host.NewStream(ctx, h.peerID, remoteListProtocol)
	if err != nil {
		return nil, errorf.E("drive: open stream to %s: %w", h.peerID, err)
	}
	defer str.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = str.SetDeadline(deadline)
	} else {
		_ = str.SetDeadline(time.Now().Add(10 * time.Second))
	}
	if err = msgpack.NewEncoder(str).Encode(listRequest{Folder: folder}); err != nil {
		return nil, errorf.E("drive: send list request: %w", err)
	}
	var resp listResponse
	if err = msgpack.NewDecoder(bufio.NewReader(str)).Decode(&resp); err != nil {
		return nil, errorf.E("drive: read list response: %w", err)
	}
	return resp.Entries, nil
}

// libp2pTopic is the Libp2pSubstrate's Topic implementation: a gossipsub
// subscription whose every inbound message is treated as a change
// notification (the message payload itself is not interpreted; the mirror
// always re-lists on notification).
type libp2pTopic struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	host  host.Host
}

func (s *Libp2pSubstrate) JoinTopic(ctx context.Context, remoteKey string) (Topic, error) {
	t, err := s.ps.Join("hypertuna/drive/" + remoteKey)
	if err != nil {
		return nil, errorf.E("drive: join topic %s: %w", remoteKey, err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		_ = t.Close()
		return nil, errorf.E("drive: subscribe topic %s: %w", remoteKey, err)
	}
	return &libp2pTopic{topic: t, sub: sub, host: s.host}, nil
}

func (t *libp2pTopic) Watch(ctx context.Context) (<-chan struct{}, error) {
	out := make(chan struct{}, 8)
	go func() {
		defer close(out)
		for {
			msg, err := t.sub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == t.host.ID() {
				continue // spec.md §4.5 watcher fires on remote changes only
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

func (t *libp2pTopic) Release() error {
	t.sub.Cancel()
	return t.topic.Close()
}
