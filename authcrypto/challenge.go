package authcrypto

import (
	"crypto/rand"
	"sync"
	"time"

	"hypertuna.dev/bech32"
	"hypertuna.dev/errorf"
	"hypertuna.dev/log"
)

// ChallengeLen is the length, in bytes, of a freshly generated challenge.
const ChallengeLen = 16

// ChallengeHRP is the bech32 human-readable part used for rendering a
// challenge on the wire, matching
// kwsantiago-orly/protocol/socketapi/challenge.go's "nchal" prefix.
const ChallengeHRP = "nchal"

const (
	challengeTTL     = 5 * time.Minute
	challengeMaxTry  = 5
	challengeSweepPd = 60 * time.Second
)

// Challenge is a single pending handshake record, keyed by the requesting
// pubkey, per spec.md §3/§4.6.
type Challenge struct {
	Value       []byte
	RelayPubkey []byte
	Identifier  string
	Timestamp   time.Time
	Attempts    int
}

// ChallengeStore is the keyed, TTL-swept challenge table of spec.md §4.6.
type ChallengeStore struct {
	mu      sync.Mutex
	byPub   map[string]*Challenge
	stop    chan struct{}
	stopped bool
}

// NewChallengeStore creates a ChallengeStore and starts its background sweep
// goroutine (60s period, 5 minute TTL, per spec.md §4.6).
func NewChallengeStore() *ChallengeStore {
	cs := &ChallengeStore{byPub: make(map[string]*Challenge), stop: make(chan struct{})}
	go cs.sweepLoop()
	return cs
}

func (cs *ChallengeStore) sweepLoop() {
	t := time.NewTicker(challengeSweepPd)
	defer t.Stop()
	for {
		select {
		case <-cs.stop:
			return
		case <-t.C:
			cs.sweep()
		}
	}
}

func (cs *ChallengeStore) sweep() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	now := time.Now()
	for pub, c := range cs.byPub {
		if now.Sub(c.Timestamp) > challengeTTL {
			log.T.F("challenge for %x expired, sweeping", pub)
			delete(cs.byPub, pub)
		}
	}
}

// Stop halts the sweep goroutine. Safe to call multiple times.
func (cs *ChallengeStore) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.stopped {
		return
	}
	cs.stopped = true
	close(cs.stop)
}

// New issues a fresh challenge for pubkey, replacing any existing one.
func (cs *ChallengeStore) New(pubkey, relayPubkey []byte, identifier string) (c *Challenge, err error) {
	b := make([]byte, ChallengeLen)
	if _, err = rand.Read(b); err != nil {
		return nil, errorf.E("authcrypto: challenge rand: %w", err)
	}
	c = &Challenge{Value: b, RelayPubkey: relayPubkey, Identifier: identifier, Timestamp: time.Now()}
	cs.mu.Lock()
	cs.byPub[string(pubkey)] = c
	cs.mu.Unlock()
	return c, nil
}

// Bech32 renders a challenge's value as an "nchal1..." string for inclusion
// in an AUTH frame.
func (c *Challenge) Bech32() (string, error) { return bech32.EncodeFromBytes(ChallengeHRP, c.Value) }

// Verify checks whether response equals the stored challenge for pubkey.
// Each call counts as an attempt; the record is purged on success or after
// the attempt budget (5, per spec.md §4.6) is exhausted.
func (cs *ChallengeStore) Verify(pubkey, response []byte) (ok bool, err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, found := cs.byPub[string(pubkey)]
	if !found {
		return false, errorf.E("authcrypto: no challenge pending for pubkey")
	}
	if time.Since(c.Timestamp) > challengeTTL {
		delete(cs.byPub, string(pubkey))
		return false, errorf.E("authcrypto: challenge expired")
	}
	c.Attempts++
	if c.Attempts > challengeMaxTry {
		delete(cs.byPub, string(pubkey))
		return false, errorf.E("authcrypto: challenge max attempts exceeded")
	}
	if bytesEqual(c.Value, response) {
		delete(cs.byPub, string(pubkey))
		return true, nil
	}
	return false, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
