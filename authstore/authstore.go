// Package authstore implements the token/auth store of spec.md §3/§4.6
// (C3): an in-memory (relayId, pubkey) -> token map with last-used
// timestamps and per-relay export/import for persistence. Grounded on the
// token-handling flow implicit in kwsantiago-orly/protocol/socketapi/
// handleAuth.go's SetAuthedPubkey call, generalised here into the explicit
// per-relay table spec.md §4.6 requires, backed by
// github.com/puzpuzpuz/xsync/v3 the way kwsantiago-orly uses it for its own
// concurrent registries.
package authstore

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	hatomic "hypertuna.dev/utils/atomic"

	"hypertuna.dev/errorf"
)

// Record is a single token entry, keyed by (relayId, pubkeyHex). LastUsed is
// written by VerifyAuth and read concurrently by Export/GetAuthByPubkey, so
// it is backed by an atomic value rather than the mutex-free struct the
// xsync map already gives every other field here.
type Record struct {
	Token     string
	CreatedAt time.Time
	LastUsed  hatomic.Time
}

type key struct {
	relay  string
	pubkey string
}

// Store is the process-wide token table of spec.md §3 ("auth token
// record"), safe for concurrent use from the gateway bridge (C9, issuance)
// and the group projector (C4, kind-9001 driven revocation).
type Store struct {
	byKey   *xsync.MapOf[key, *Record]
	byToken *xsync.MapOf[string, key] // relay|token -> key, for verifyAuth lookup
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byKey:   xsync.NewMapOf[key, *Record](),
		byToken: xsync.NewMapOf[string, key](),
	}
}

func tokenKey(relay, token string) string { return relay + "\x00" + token }

// AddAuth records a fresh token for (relay, pubkey), replacing any existing
// one.
func (s *Store) AddAuth(relay, pubkey, token string) {
	k := key{relay, pubkey}
	if old, ok := s.byKey.Load(k); ok {
		s.byToken.Delete(tokenKey(relay, old.Token))
	}
	rec := &Record{Token: token, CreatedAt: time.Now()}
	rec.LastUsed.Store(time.Now())
	s.byKey.Store(k, rec)
	s.byToken.Store(tokenKey(relay, token), k)
}

// VerifyAuth returns the pubkey bound to (relay, token), updating LastUsed,
// or ("", false) if no such token is recorded -- the spec.md §7 AuthExpired/
// AuthRevoked cases are both represented by "absent", per spec.md §4.6.
func (s *Store) VerifyAuth(relay, token string) (pubkey string, ok bool) {
	k, found := s.byToken.Load(tokenKey(relay, token))
	if !found {
		return "", false
	}
	rec, found := s.byKey.Load(k)
	if !found {
		return "", false
	}
	rec.LastUsed.Store(time.Now())
	return k.pubkey, true
}

// GetAuthByPubkey returns the current token record for (relay, pubkey), if
// any.
func (s *Store) GetAuthByPubkey(relay, pubkey string) (*Record, bool) {
	return s.byKey.Load(key{relay, pubkey})
}

// RemoveAuth revokes (relay, pubkey)'s token, if any. Per spec.md §5, a
// caller that triggers this from a kind-9001 removal must complete the
// removal before any outbound notice to the affected pubkey.
func (s *Store) RemoveAuth(relay, pubkey string) {
	k := key{relay, pubkey}
	if rec, ok := s.byKey.LoadAndDelete(k); ok {
		s.byToken.Delete(tokenKey(relay, rec.Token))
	}
}

// ExportEntry is the on-disk shape for one relay's token table, per
// spec.md §6.5 "per-relay auth export files".
type ExportEntry struct {
	Pubkey    string    `json:"pubkey"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

// Export returns relay's token table in the shape msgpack.Marshal expects
// for a per-relay auth-export blob.
func (s *Store) Export(relay string) (entries []ExportEntry) {
	s.byKey.Range(func(k key, rec *Record) bool {
		if k.relay == relay {
			entries = append(entries, ExportEntry{
				Pubkey: k.pubkey, Token: rec.Token,
				CreatedAt: rec.CreatedAt, LastUsed: rec.LastUsed.Load(),
			})
		}
		return true
	})
	return entries
}

// Import loads a previously Export'd token table back into the store for
// relay.
func (s *Store) Import(relay string, entries []ExportEntry) error {
	for _, e := range entries {
		if e.Pubkey == "" || e.Token == "" {
			return errorf.E("authstore: import: empty pubkey or token for relay %s", relay)
		}
		k := key{relay, e.Pubkey}
		rec := &Record{Token: e.Token, CreatedAt: e.CreatedAt}
		rec.LastUsed.Store(e.LastUsed)
		s.byKey.Store(k, rec)
		s.byToken.Store(tokenKey(relay, e.Token), k)
	}
	return nil
}
