package group

import (
	"sync"
	"time"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/authstore"
	"hypertuna.dev/errorf"
	"hypertuna.dev/event"
)

// Set multiplexes per-group Projectors by publicIdentifier, routing an
// incoming event to the right one by its `h` or `d` tag (whichever the
// event's kind carries, per spec.md §3's event-kind table).
type Set struct {
	mu               sync.RWMutex
	groups           map[string]*Projector
	quiescenceWindow time.Duration
	signer           authcrypto.Signer
	localPubkeyHex   string
	authStore        *authstore.Store
	relayId          string
	onChange         func(groupId string, members []string)
}

// SetConfig configures a new Set.
type SetConfig struct {
	QuiescenceWindow time.Duration
	LocalSigner      authcrypto.Signer
	LocalPubkeyHex   string
	AuthStore        *authstore.Store
	RelayId          string
	OnChange         func(groupId string, members []string)
}

// NewSet creates an empty Set.
func NewSet(cfg SetConfig) *Set {
	return &Set{
		groups:           map[string]*Projector{},
		quiescenceWindow: cfg.QuiescenceWindow,
		signer:           cfg.LocalSigner,
		localPubkeyHex:   cfg.LocalPubkeyHex,
		authStore:        cfg.AuthStore,
		relayId:          cfg.RelayId,
		onChange:         cfg.OnChange,
	}
}

// Get returns the Projector for publicIdentifier, creating it if absent.
func (s *Set) Get(publicIdentifier string) *Projector {
	s.mu.RLock()
	p, ok := s.groups[publicIdentifier]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.groups[publicIdentifier]; ok {
		return p
	}
	gid := publicIdentifier
	p = NewProjector(Config{
		PublicIdentifier: gid,
		QuiescenceWindow: s.quiescenceWindow,
		LocalSigner:      s.signer,
		LocalPubkeyHex:   s.localPubkeyHex,
		AuthStore:        s.authStore,
		RelayId:          s.relayId,
		OnChange: func(members []string) {
			if s.onChange != nil {
				s.onChange(gid, members)
			}
		},
	})
	s.groups[gid] = p
	return p
}

// Lookup returns the Projector for publicIdentifier without creating it.
func (s *Set) Lookup(publicIdentifier string) (*Projector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.groups[publicIdentifier]
	return p, ok
}

// Delete removes a group's projection entirely (spec.md §4.2 group
// deletion), stopping its debounce timer first.
func (s *Set) Delete(publicIdentifier string) {
	s.mu.Lock()
	p, ok := s.groups[publicIdentifier]
	delete(s.groups, publicIdentifier)
	s.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// groupIdOf extracts the routing group id from ev, per spec.md §3's table:
// moderation/invite/join/message kinds carry `h`, snapshot kinds carry `d`.
func groupIdOf(ev *event.E) string {
	switch ev.Kind {
	case event.KindGroupMeta, event.KindGroupAdmins, event.KindGroupMembers:
		if t := ev.Tags.GetFirst("d"); t != nil {
			return t.Value()
		}
	default:
		if t := ev.Tags.GetFirst("h"); t != nil {
			return t.Value()
		}
	}
	return ""
}

// Apply routes ev to its group's Projector by groupIdOf and applies it
// there, creating the Projector if this is the first event seen for that
// group (e.g. a kind-9007 create-group, or simply the first snapshot to
// arrive for a group this worker did not create).
func (s *Set) Apply(ev *event.E) error {
	gid := groupIdOf(ev)
	if gid == "" {
		return errorf.E("group: event kind %d carries no group id tag", ev.Kind)
	}
	return s.Get(gid).Apply(ev)
}

// IDs returns every group id this Set currently holds a projection for.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.groups))
	for id := range s.groups {
		out = append(out, id)
	}
	return out
}
