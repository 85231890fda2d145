package group

import (
	"sort"
	"sync"
	"time"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/authstore"
	"hypertuna.dev/chk"
	"hypertuna.dev/errorf"
	"hypertuna.dev/event"
	"hypertuna.dev/log"
)

// Config configures a Projector at construction. LocalSigner/LocalPubkeyHex/
// AuthStore/RelayId are all optional: a projector running on behalf of a
// relay that does not hold the local user's private key simply cannot
// decrypt invites addressed to it, and one with no AuthStore does not
// persist tokens carried on kind-9000 events (spec.md §4.2 "If the fourth
// tag element is a token and p == local user, store the token").
type Config struct {
	PublicIdentifier string
	QuiescenceWindow time.Duration
	LocalSigner      authcrypto.Signer
	LocalPubkeyHex   string
	AuthStore        *authstore.Store
	RelayId          string
	OnChange         func(members []string)
}

// Projector is the per-group state machine of spec.md §4.2.
type Projector struct {
	mu sync.RWMutex

	cfg Config

	hasMetadata bool
	metadata    Metadata

	admins  map[string][]string // authoritative 39001 + admin-role 9000 adds
	adds    map[string]addEntry
	removes map[string]int64

	invites      map[string]*Invite        // keyed by invite event id
	joinRequests map[string]*event.E       // keyed by pubkey hex
	messages     []*Message                // ordered by (created_at, id)
	seen         map[string]struct{}       // event id hex -> processed

	lastNotified []string
	notifyTimer  *time.Timer
}

// NewProjector creates an empty per-group projection.
func NewProjector(cfg Config) *Projector {
	if cfg.QuiescenceWindow <= 0 {
		cfg.QuiescenceWindow = 300 * time.Millisecond
	}
	return &Projector{
		cfg:          cfg,
		admins:       map[string][]string{},
		adds:         map[string]addEntry{},
		removes:      map[string]int64{},
		invites:      map[string]*Invite{},
		joinRequests: map[string]*event.E{},
		seen:         map[string]struct{}{},
	}
}

// Metadata returns the current authoritative metadata snapshot, and whether
// one has been received yet.
func (p *Projector) Metadata() (Metadata, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metadata, p.hasMetadata
}

// Members returns the effective member set of spec.md §3/§8 invariant 2:
// {p | ADDS[p].ts > (REMOVES[p].ts or -inf)}, deduplicated and sorted for
// deterministic output.
func (p *Projector) Members() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.membersLocked()
}

func (p *Projector) membersLocked() []string {
	out := make([]string, 0, len(p.adds))
	for pk, add := range p.adds {
		if rts, removed := p.removes[pk]; removed && rts >= add.ts {
			continue
		}
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}

// Roles returns the union of live ADDS roles for pubkey, or nil if pubkey
// is not currently a member.
func (p *Projector) Roles(pubkeyHex string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	add, ok := p.adds[pubkeyHex]
	if !ok {
		return nil
	}
	if rts, removed := p.removes[pubkeyHex]; removed && rts >= add.ts {
		return nil
	}
	return append([]string(nil), add.roles...)
}

// IsMember reports whether pubkeyHex is currently a member.
func (p *Projector) IsMember(pubkeyHex string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	add, ok := p.adds[pubkeyHex]
	if !ok {
		return false
	}
	rts, removed := p.removes[pubkeyHex]
	return !removed || rts < add.ts
}

// IsAdmin reports whether pubkeyHex is an admin: present in the
// authoritative 39001 snapshot, or carrying the "admin" role in a live
// ADDS entry.
func (p *Projector) IsAdmin(pubkeyHex string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isAdminLocked(pubkeyHex)
}

func (p *Projector) isAdminLocked(pubkeyHex string) bool {
	if _, ok := p.admins[pubkeyHex]; ok {
		return true
	}
	add, ok := p.adds[pubkeyHex]
	if !ok {
		return false
	}
	if rts, removed := p.removes[pubkeyHex]; removed && rts >= add.ts {
		return false
	}
	for _, r := range add.roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// Invites returns a snapshot of currently pending invites.
func (p *Projector) Invites() []*Invite {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Invite, 0, len(p.invites))
	for _, inv := range p.invites {
		out = append(out, inv)
	}
	return out
}

// JoinRequests returns a snapshot of currently pending join requests, keyed
// by pubkey hex.
func (p *Projector) JoinRequests() map[string]*event.E {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*event.E, len(p.joinRequests))
	for k, v := range p.joinRequests {
		out[k] = v
	}
	return out
}

// Messages returns the group's message log, ordered oldest first.
func (p *Projector) Messages() []*Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Message(nil), p.messages...)
}

// Apply projects ev into this group's state per the rules of spec.md §4.2.
// It performs the §4.1 validation itself (defense in depth against a caller
// that forgot to), enforces the §4.2 authorization checks, and is
// idempotent: re-applying an already-seen event id is a silent no-op
// (spec.md §8 "Idempotence").
func (p *Projector) Apply(ev *event.E) error {
	if err := ev.Verify(); err != nil {
		return err
	}

	p.mu.Lock()
	idHex := ev.IdHex()
	if _, dup := p.seen[idHex]; dup {
		p.mu.Unlock()
		return nil
	}
	if err := p.authorizeLocked(ev); err != nil {
		p.mu.Unlock()
		return err
	}
	p.seen[idHex] = struct{}{}

	changed := false
	switch ev.Kind {
	case event.KindCreateGroup:
		p.applyCreateGroupLocked(ev)
		changed = true
	case event.KindGroupMeta:
		p.applyMetadataSnapshotLocked(ev)
	case event.KindGroupAdmins:
		p.applyAdminSnapshotLocked(ev)
		changed = true
	case event.KindGroupMembers:
		p.applyMemberSnapshotLocked(ev)
		changed = true
	case event.KindAddUser:
		p.applyAddUserLocked(ev)
		changed = true
	case event.KindRemoveUser:
		p.applyRemoveUserLocked(ev)
		changed = true
	case event.KindEditMetadata:
		// spec.md §4.2: "Produces a companion 39000 at the authoring relay;
		// consumers wait for that snapshot rather than applying the edit
		// directly." Resolved open question: no optimistic apply.
	case event.KindInvite:
		p.applyInviteLocked(ev)
	case event.KindJoinRequest:
		p.applyJoinRequestLocked(ev)
	case event.KindTextNote:
		p.applyMessageLocked(ev)
	default:
		// Other known kinds carry no group state and are ignored; kinds
		// outside the known set were already rejected by Verify.
	}
	p.mu.Unlock()

	if changed {
		p.scheduleNotify()
	}
	return nil
}

// authorizeLocked enforces spec.md §4.2's authorization rules. Must be
// called with p.mu held.
func (p *Projector) authorizeLocked(ev *event.E) error {
	actor := ev.PubkeyHex()
	switch ev.Kind {
	case event.KindAddUser, event.KindEditMetadata:
		if !p.isAdminLocked(actor) {
			return errorf.E("group: %s requires an admin actor", kindName(ev.Kind))
		}
	case event.KindRemoveUser:
		if p.isSelfLeaveLocked(ev, actor) {
			return nil
		}
		if !p.isAdminLocked(actor) {
			return errorf.E("group: remove-user requires an admin actor (or self-leave)")
		}
	case event.KindInvite:
		if p.hasMetadata && p.metadata.IsOpen {
			if !p.IsMemberLockedForRead(actor) {
				return errorf.E("group: invite requires current membership in an open group")
			}
			return nil
		}
		if !p.isAdminLocked(actor) {
			return errorf.E("group: invite requires an admin actor in a closed group")
		}
	}
	return nil
}

// IsMemberLockedForRead is IsMember's body, exposed for authorizeLocked
// (which already holds p.mu).
func (p *Projector) IsMemberLockedForRead(pubkeyHex string) bool {
	add, ok := p.adds[pubkeyHex]
	if !ok {
		return false
	}
	rts, removed := p.removes[pubkeyHex]
	return !removed || rts < add.ts
}

func (p *Projector) isSelfLeaveLocked(ev *event.E, actor string) bool {
	ps := ev.Tags.GetAll("p")
	return len(ps) == 1 && ps[0].Value() == actor
}

func kindName(k int) string {
	switch k {
	case event.KindAddUser:
		return "add-user"
	case event.KindRemoveUser:
		return "remove-user"
	case event.KindEditMetadata:
		return "edit-metadata"
	case event.KindInvite:
		return "invite"
	default:
		return "event"
	}
}

// applyCreateGroupLocked seeds a freshly-routed group from its kind-9007
// creation event: the creator becomes the sole admin and member, and the
// tag-carried attributes become the initial (non-authoritative) metadata,
// superseded the moment a real 39000 snapshot arrives.
func (p *Projector) applyCreateGroupLocked(ev *event.E) {
	if p.hasMetadata {
		return // group already exists, spec.md §4.2 "ignore" semantics
	}
	m := Metadata{PublicIdentifier: p.cfg.PublicIdentifier, CreatedAt: ev.CreatedAt}
	for _, t := range ev.Tags {
		switch t.Name() {
		case "name":
			m.Name = t.Value()
		case "about":
			m.About = t.Value()
		case "public":
			m.IsPublic = true
		case "open":
			m.IsOpen = true
		case "file_sharing":
			m.FileSharing = true
		}
	}
	p.metadata = m
	p.hasMetadata = true
	creator := ev.PubkeyHex()
	p.admins[creator] = []string{"admin"}
	p.adds[creator] = addEntry{ts: ev.CreatedAt, roles: []string{"admin", "member"}, explicit: true}
}

func (p *Projector) applyMetadataSnapshotLocked(ev *event.E) {
	if p.hasMetadata && ev.CreatedAt < p.metadata.CreatedAt {
		return // out-of-order snapshot, dropped silently (spec.md §4.2/§5)
	}
	m := Metadata{PublicIdentifier: p.cfg.PublicIdentifier, CreatedAt: ev.CreatedAt}
	for _, t := range ev.Tags {
		switch t.Name() {
		case "name":
			m.Name = t.Value()
		case "about":
			m.About = t.Value()
		case "public":
			m.IsPublic = true
		case "private":
			m.IsPublic = false
		case "open":
			m.IsOpen = true
		case "closed":
			m.IsOpen = false
		case "file_sharing":
			m.FileSharing = true
		case "swarm":
			m.SwarmId = t.Value()
		case "transport":
			m.TransportUrl = t.Value()
		}
	}
	p.metadata = m
	p.hasMetadata = true
}

func (p *Projector) applyAdminSnapshotLocked(ev *event.E) {
	admins := map[string][]string{}
	for _, t := range ev.Tags.GetAll("p") {
		if len(t) < 2 {
			continue
		}
		admins[t[1]] = append([]string(nil), t[2:]...)
	}
	p.admins = admins
}

func (p *Projector) applyMemberSnapshotLocked(ev *event.E) {
	for _, t := range ev.Tags.GetAll("p") {
		if len(t) < 2 {
			continue
		}
		pk := t[1]
		roles := append([]string(nil), t[2:]...)
		p.setAddFromSnapshotLocked(pk, ev.CreatedAt, roles)
	}
}

// setAddFromSnapshotLocked seeds ADDS[pk] from a 39002 snapshot. Per
// spec.md §9's resolved open question, a prior kind-9000 add at an equal
// timestamp is not overwritten by the snapshot (the 9000 is "more
// specific").
func (p *Projector) setAddFromSnapshotLocked(pk string, ts int64, roles []string) {
	if cur, ok := p.adds[pk]; ok {
		if cur.ts > ts {
			return
		}
		if cur.ts == ts && cur.explicit {
			return
		}
	}
	p.adds[pk] = addEntry{ts: ts, roles: roles}
}

func (p *Projector) applyAddUserLocked(ev *event.E) {
	for _, t := range ev.Tags.GetAll("p") {
		if len(t) < 2 {
			continue
		}
		pk := t[1]
		var roles []string
		var token string
		for _, r := range t[2:] {
			if r == "member" || r == "admin" {
				roles = append(roles, r)
			} else if r != "" {
				token = r
			}
		}
		p.setAddFromEvent9000Locked(pk, ev.CreatedAt, roles)
		delete(p.joinRequests, pk)
		if token != "" && p.cfg.AuthStore != nil && p.cfg.LocalPubkeyHex != "" && pk == p.cfg.LocalPubkeyHex {
			p.cfg.AuthStore.AddAuth(p.cfg.RelayId, pk, token)
			log.I.F("group %s: stored rotated token for local user", p.cfg.PublicIdentifier)
		}
	}
}

// setAddFromEvent9000Locked applies a kind-9000 add. Per the resolved open
// question, it wins ties (equal created_at) against a member snapshot.
func (p *Projector) setAddFromEvent9000Locked(pk string, ts int64, roles []string) {
	if cur, ok := p.adds[pk]; ok && cur.ts > ts {
		return
	}
	p.adds[pk] = addEntry{ts: ts, roles: roles, explicit: true}
}

func (p *Projector) applyRemoveUserLocked(ev *event.E) {
	for _, t := range ev.Tags.GetAll("p") {
		if len(t) < 2 {
			continue
		}
		pk := t[1]
		if cur, ok := p.removes[pk]; !ok || ev.CreatedAt > cur {
			p.removes[pk] = ev.CreatedAt
		}
		if p.cfg.AuthStore != nil {
			p.cfg.AuthStore.RemoveAuth(p.cfg.RelayId, pk)
		}
	}
}

func (p *Projector) applyInviteLocked(ev *event.E) {
	if p.cfg.LocalSigner == nil {
		log.T.F("group %s: received invite but have no local signer to decrypt it", p.cfg.PublicIdentifier)
		return
	}
	secret, err := p.cfg.LocalSigner.ECDH(ev.Pubkey)
	if chk.T(err) {
		return
	}
	plain, err := authcrypto.DecryptEnvelope(secret, ev.Content)
	if chk.T(err) {
		return
	}
	inv, err := parseInvitePayload(plain)
	if chk.T(err) {
		return
	}
	inv.EventId = ev.IdHex()
	inv.GroupId = p.cfg.PublicIdentifier
	inv.Inviter = ev.PubkeyHex()
	p.invites[inv.EventId] = inv
}

func (p *Projector) applyJoinRequestLocked(ev *event.E) {
	pk := ev.PubkeyHex()
	if p.IsMemberLockedForRead(pk) {
		return
	}
	p.joinRequests[pk] = ev
}

// ResolveJoinRequest deletes a pending join request, e.g. when a
// corresponding add-user event lands for pubkeyHex or it is explicitly
// rejected, per spec.md §3.
func (p *Projector) ResolveJoinRequest(pubkeyHex string) {
	p.mu.Lock()
	delete(p.joinRequests, pubkeyHex)
	p.mu.Unlock()
}

func (p *Projector) applyMessageLocked(ev *event.E) {
	h := ev.Tags.GetFirst("h")
	if h == nil || h.Value() != p.cfg.PublicIdentifier {
		return
	}
	msg := &Message{Id: ev.IdHex(), CreatedAt: ev.CreatedAt, Pubkey: ev.PubkeyHex(), Content: ev.Content}
	i := sort.Search(len(p.messages), func(i int) bool {
		m := p.messages[i]
		if m.CreatedAt != msg.CreatedAt {
			return m.CreatedAt > msg.CreatedAt
		}
		return m.Id >= msg.Id
	})
	p.messages = append(p.messages, nil)
	copy(p.messages[i+1:], p.messages[i:])
	p.messages[i] = msg
}

// scheduleNotify debounces change notification by cfg.QuiescenceWindow
// (default 300ms, spec.md §4.2), and suppresses delivery when the new view
// is set-equal to the previous one.
func (p *Projector) scheduleNotify() {
	p.mu.Lock()
	if p.notifyTimer != nil {
		p.notifyTimer.Stop()
	}
	p.notifyTimer = time.AfterFunc(p.cfg.QuiescenceWindow, p.fireNotify)
	p.mu.Unlock()
}

func (p *Projector) fireNotify() {
	p.mu.Lock()
	members := p.membersLocked()
	if setEqual(members, p.lastNotified) {
		p.mu.Unlock()
		return
	}
	p.lastNotified = members
	cb := p.cfg.OnChange
	p.mu.Unlock()
	if cb != nil {
		cb(members)
	}
}

func setEqual(a, b []string) bool {
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

// Stop releases the projector's debounce timer. Safe to call more than
// once.
func (p *Projector) Stop() {
	p.mu.Lock()
	if p.notifyTimer != nil {
		p.notifyTimer.Stop()
	}
	p.mu.Unlock()
}
