// Package event implements the signed-event codec of spec.md §3/§4.1: the
// canonical six-element array encoding that is hashed to produce an event's
// id, Schnorr sign/verify over that id, tag accessors, and constructors for
// each of the event kinds the core consumes or produces. Grounded on
// kwsantiago-orly/event/{event,json}.go for the E/J split and canonical-form
// idiom, simplified to this module's scope (no dedicated kind/tag/timestamp
// subpackages -- see DESIGN.md).
package event

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/minio/sha256-simd"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/errorf"
	"hypertuna.dev/relayerr"
)

// Event kinds consumed/produced by the core, per spec.md §3.
const (
	KindProfile      = 0
	KindTextNote     = 1
	KindContacts     = 3
	KindAddUser      = 9000
	KindRemoveUser   = 9001
	KindEditMetadata = 9002
	KindCreateGroup  = 9007
	KindInvite       = 9009
	KindJoinRequest  = 9021
	KindRelayList    = 10009
	KindPeerRecord   = 30166
	KindGroupMeta    = 39000
	KindGroupAdmins  = 39001
	KindGroupMembers = 39002
)

// knownKinds is the closed set of roles validated per spec.md §4.1; an event
// of any other kind still round-trips through the codec, it just is not a
// kind any projection in this module recognises.
var knownKinds = map[int]struct{}{
	KindProfile: {}, KindTextNote: {}, KindContacts: {},
	KindAddUser: {}, KindRemoveUser: {}, KindEditMetadata: {},
	KindCreateGroup: {}, KindInvite: {}, KindJoinRequest: {},
	KindRelayList: {}, KindPeerRecord: {},
	KindGroupMeta: {}, KindGroupAdmins: {}, KindGroupMembers: {},
}

// IsKnownKind reports whether kind is one of the roles spec.md §3 names.
func IsKnownKind(kind int) bool {
	_, ok := knownKinds[kind]
	return ok
}

// Tag is a single tag: a list of strings, first element the tag name.
type Tag []string

// Name returns the tag's first element, or "" if empty.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second element, or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered tag list with the accessor helpers spec.md §4.1 names.
type Tags []Tag

// GetFirst returns the first tag named name, or nil if none exists.
func (t Tags) GetFirst(name string) Tag {
	for _, tg := range t {
		if tg.Name() == name {
			return tg
		}
	}
	return nil
}

// GetAll returns every tag named name, in order.
func (t Tags) GetAll(name string) Tags {
	var out Tags
	for _, tg := range t {
		if tg.Name() == name {
			out = append(out, tg)
		}
	}
	return out
}

// Contains reports whether any tag named name has value as its second
// element (the "single-tag marker" predicate of spec.md §3).
func (t Tags) Contains(name, value string) bool {
	for _, tg := range t {
		if tg.Name() == name && tg.Value() == value {
			return true
		}
	}
	return false
}

func (t Tags) raw() [][]string {
	out := make([][]string, len(t))
	for i, tg := range t {
		out[i] = []string(tg)
	}
	return out
}

// E is the in-memory, signed event of spec.md §3: immutable once Sign'd,
// read-only once received.
type E struct {
	Id        []byte
	Pubkey    []byte
	CreatedAt int64
	Kind      int
	Tags      Tags
	Content   string
	Sig       []byte
}

// New returns an empty *E.
func New() *E { return &E{} }

// IdHex returns the event id as lowercase hex.
func (ev *E) IdHex() string { return hex.EncodeToString(ev.Id) }

// PubkeyHex returns the pubkey as lowercase hex.
func (ev *E) PubkeyHex() string { return hex.EncodeToString(ev.Pubkey) }

// J is the wire/JSON form of E, per spec.md §3 (hex strings, compact tags).
type J struct {
	Id        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// ToJ converts E to its wire form.
func (ev *E) ToJ() *J {
	return &J{
		Id:        ev.IdHex(),
		Pubkey:    ev.PubkeyHex(),
		CreatedAt: ev.CreatedAt,
		Kind:      ev.Kind,
		Tags:      ev.Tags.raw(),
		Content:   ev.Content,
		Sig:       hex.EncodeToString(ev.Sig),
	}
}

// ToE converts a wire-form J back to E, decoding hex fields. It does not
// verify the event; call Verify separately before trusting it.
func (j *J) ToE() (ev *E, err error) {
	ev = &E{CreatedAt: j.CreatedAt, Kind: j.Kind, Content: j.Content}
	if ev.Id, err = hex.DecodeString(j.Id); err != nil {
		return nil, errorf.E("event: decode id: %w", err)
	}
	if ev.Pubkey, err = hex.DecodeString(j.Pubkey); err != nil {
		return nil, errorf.E("event: decode pubkey: %w", err)
	}
	if ev.Sig, err = hex.DecodeString(j.Sig); err != nil {
		return nil, errorf.E("event: decode sig: %w", err)
	}
	ev.Tags = make(Tags, len(j.Tags))
	for i, t := range j.Tags {
		ev.Tags[i] = Tag(t)
	}
	return ev, nil
}

// MarshalJSON renders E in its wire form.
func (ev *E) MarshalJSON() ([]byte, error) { return json.Marshal(ev.ToJ()) }

// UnmarshalJSON parses E from its wire form.
func (ev *E) UnmarshalJSON(b []byte) error {
	var j J
	if err := json.Unmarshal(b, &j); err != nil {
		return errorf.E("event: unmarshal: %w", err)
	}
	parsed, err := j.ToE()
	if err != nil {
		return err
	}
	*ev = *parsed
	return nil
}

// canonical renders the six-element array form of spec.md §3:
// [0, pubkey, created_at, kind, tags, content], compact JSON, HTML-escaping
// disabled to match the canonicalisation every nostr-family implementation
// in the pack uses.
func (ev *E) canonical() []byte {
	arr := []any{0, ev.PubkeyHex(), ev.CreatedAt, ev.Kind, ev.Tags.raw(), ev.Content}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(arr)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// ComputeId returns the SHA-256 hash of the canonical encoding.
func (ev *E) ComputeId() []byte {
	h := sha256.Sum256(ev.canonical())
	return h[:]
}

// Sign populates Pubkey, Id, and Sig from s, per spec.md §4.1.
func (ev *E) Sign(s authcrypto.Signer) (err error) {
	ev.Pubkey = s.Pub()
	ev.Id = ev.ComputeId()
	if ev.Sig, err = s.Sign(ev.Id); err != nil {
		return errorf.E("event: sign: %w", err)
	}
	return nil
}

// Verify performs the full acceptance check of spec.md §4.1: id recomputes,
// kind/tags/created_at/sig shape is sane, and the Schnorr signature
// verifies. It returns a *relayerr.Error of kind EventMalformed or
// EventSignatureInvalid on failure.
func (ev *E) Verify() error {
	if len(ev.Pubkey) != authcrypto.PubKeyLen {
		return relayerr.New(relayerr.EventMalformed, "pubkey has the wrong length", nil)
	}
	if ev.CreatedAt < 0 {
		return relayerr.New(relayerr.EventMalformed, "created_at is negative", nil)
	}
	if !IsKnownKind(ev.Kind) {
		return relayerr.New(relayerr.EventMalformed, "kind is not one of the known roles", nil)
	}
	if len(ev.Sig) != authcrypto.SigLen {
		return relayerr.New(relayerr.EventMalformed, "signature has the wrong length", nil)
	}
	for _, t := range ev.Tags {
		if t == nil {
			return relayerr.New(relayerr.EventMalformed, "tag list contains a nil entry", nil)
		}
	}
	id := ev.ComputeId()
	if !bytes.Equal(id, ev.Id) {
		return relayerr.New(relayerr.EventMalformed, "id does not match canonical encoding", nil)
	}
	var signer authcrypto.Secp256k1
	if err := signer.InitPub(ev.Pubkey); err != nil {
		return relayerr.New(relayerr.EventMalformed, "invalid pubkey", err)
	}
	ok, err := signer.Verify(ev.Id, ev.Sig)
	if err != nil {
		return relayerr.New(relayerr.EventSignatureInvalid, "verify failed", err)
	}
	if !ok {
		return relayerr.New(relayerr.EventSignatureInvalid, "signature does not match", nil)
	}
	return nil
}
