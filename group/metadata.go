// Package group implements the relay-group state machine of spec.md §3/§4.2
// (C4): a per-publicIdentifier projection of the signed-event stream into
// metadata, admins, members, invites, join requests, and a message log,
// with the conflict and authorization rules spec.md §4.2 specifies.
// Grounded primarily on 98fb66e3_psam21-ns...nip29.go's GroupStore/
// ValidateGroupEvent/ProcessGroupEvent/generateGroupMetadataLocked shape,
// rebuilt against the spec's ADDS/REMOVES timestamp-projection model (that
// file uses a simpler boolean membership map) and on
// kwsantiago-orly/utils/atomic-style debounced-notify idioms for the
// dirty-to-quiescent timer of spec.md §4.2/§9.
package group

// Metadata is the per-group attribute set of spec.md §3.
type Metadata struct {
	PublicIdentifier string
	Name             string
	About            string
	IsPublic         bool
	IsOpen           bool
	FileSharing      bool
	SwarmId          string
	TransportUrl     string
	CreatedAt        int64
}

// Invite is a decrypted invite envelope, per spec.md §3.
type Invite struct {
	EventId      string
	GroupId      string
	Inviter      string // pubkey hex
	TransportUrl string
	Token        string
	IsPublic     bool
}

// Message is one accepted kind-1 group message, per spec.md §3/§4.2.
type Message struct {
	Id        string
	CreatedAt int64
	Pubkey    string
	Content   string
}

// addEntry is one ADDS[pubkey] record (spec.md §3), with provenance used to
// resolve the spec.md §9 Open-Question tie: a kind-9000 add wins over an
// equal-created_at member snapshot for the same pubkey.
type addEntry struct {
	ts       int64
	roles    []string
	explicit bool // set by a kind-9000 event, as opposed to a 39002 snapshot
}
