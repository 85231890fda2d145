package event

import (
	"time"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/errorf"
)

// validRole reports whether r is in the closed set spec.md §4.1 allows for
// role tags.
func validRole(r string) bool { return r == "member" || r == "admin" }

func checkName(name string) error {
	if name == "" {
		return errorf.E("event: name must not be empty")
	}
	return nil
}

func checkRoles(roles []string) error {
	for _, r := range roles {
		if !validRole(r) {
			return errorf.E("event: invalid role %q, must be member or admin", r)
		}
	}
	return nil
}

func now() int64 { return time.Now().Unix() }

func newAndSign(s authcrypto.Signer, kind int, tags Tags, content string) (ev *E, err error) {
	ev = &E{CreatedAt: now(), Kind: kind, Tags: tags, Content: content}
	if err = ev.Sign(s); err != nil {
		return nil, err
	}
	return ev, nil
}

// NewCreateGroup builds a kind-9007 create-group event.
func NewCreateGroup(s authcrypto.Signer, groupId, name, about string, isPublic, isOpen, fileSharing bool) (*E, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	tags := Tags{{"h", groupId}, {"name", name}, {"about", about}}
	if isPublic {
		tags = append(tags, Tag{"public"})
	} else {
		tags = append(tags, Tag{"private"})
	}
	if isOpen {
		tags = append(tags, Tag{"open"})
	} else {
		tags = append(tags, Tag{"closed"})
	}
	if fileSharing {
		tags = append(tags, Tag{"file_sharing"})
	}
	return newAndSign(s, KindCreateGroup, tags, "")
}

// NewAddUser builds a kind-9000 add-user event. token, if non-empty, is
// carried as the fourth tag element per spec.md §3.
func NewAddUser(s authcrypto.Signer, groupId, targetPubkeyHex string, roles []string, token string) (*E, error) {
	if err := checkRoles(roles); err != nil {
		return nil, err
	}
	tag := Tag{"p", targetPubkeyHex}
	tag = append(tag, roles...)
	if token != "" {
		tag = append(tag, token)
	}
	tags := Tags{{"h", groupId}, tag}
	return newAndSign(s, KindAddUser, tags, "")
}

// NewRemoveUser builds a kind-9001 remove-user event.
func NewRemoveUser(s authcrypto.Signer, groupId, targetPubkeyHex string) (*E, error) {
	tags := Tags{{"h", groupId}, {"p", targetPubkeyHex}}
	return newAndSign(s, KindRemoveUser, tags, "")
}

// NewEditMetadata builds a kind-9002 metadata-edit event.
func NewEditMetadata(s authcrypto.Signer, groupId string, fields map[string]string) (*E, error) {
	tags := Tags{{"h", groupId}}
	for k, v := range fields {
		tags = append(tags, Tag{k, v})
	}
	return newAndSign(s, KindEditMetadata, tags, "")
}

// NewInvite builds a kind-9009 invite event. content is the
// already-ECDH-encrypted envelope produced by authcrypto.EncryptEnvelope;
// this constructor does not itself perform the encryption so callers can
// choose the counterparty key.
func NewInvite(s authcrypto.Signer, groupId, inviteePubkeyHex, encryptedContent string) (*E, error) {
	tags := Tags{{"h", groupId}, {"p", inviteePubkeyHex}}
	return newAndSign(s, KindInvite, tags, encryptedContent)
}

// NewJoinRequest builds a kind-9021 join-request event.
func NewJoinRequest(s authcrypto.Signer, groupId string) (*E, error) {
	tags := Tags{{"h", groupId}}
	return newAndSign(s, KindJoinRequest, tags, "")
}

// NewRelayList builds a kind-10009 relay-list event (§3). groups maps a
// group id to the transport URL the user reaches it at.
func NewRelayList(s authcrypto.Signer, groups map[string]string) (*E, error) {
	var tags Tags
	for g, url := range groups {
		tags = append(tags, Tag{"group", g, url})
	}
	return newAndSign(s, KindRelayList, tags, "")
}

// NewPeerRecord builds a kind-30166 peer/relay record binding a group id to
// a transport URL and swarm identifier.
func NewPeerRecord(s authcrypto.Signer, groupId, transportUrl, swarmId string) (*E, error) {
	tags := Tags{{"d", groupId}, {"url", transportUrl}, {"swarm", swarmId}}
	return newAndSign(s, KindPeerRecord, tags, "")
}

// NewGroupMetadataSnapshot builds the authoritative kind-39000 snapshot.
func NewGroupMetadataSnapshot(s authcrypto.Signer, groupId, name, about string, isPublic, isOpen, fileSharing bool) (*E, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	tags := Tags{{"d", groupId}, {"name", name}, {"about", about}}
	if isPublic {
		tags = append(tags, Tag{"public"})
	} else {
		tags = append(tags, Tag{"private"})
	}
	if isOpen {
		tags = append(tags, Tag{"open"})
	} else {
		tags = append(tags, Tag{"closed"})
	}
	if fileSharing {
		tags = append(tags, Tag{"file_sharing"})
	}
	return newAndSign(s, KindGroupMeta, tags, "")
}

// NewAdminSnapshot builds the authoritative kind-39001 admin-list snapshot.
func NewAdminSnapshot(s authcrypto.Signer, groupId string, admins map[string][]string) (*E, error) {
	tags := Tags{{"d", groupId}}
	for pk, roles := range admins {
		if err := checkRoles(roles); err != nil {
			return nil, err
		}
		t := Tag{"p", pk}
		t = append(t, roles...)
		tags = append(tags, t)
	}
	return newAndSign(s, KindGroupAdmins, tags, "")
}

// NewMemberSnapshot builds the authoritative kind-39002 member-list
// snapshot.
func NewMemberSnapshot(s authcrypto.Signer, groupId string, members map[string][]string) (*E, error) {
	tags := Tags{{"d", groupId}}
	for pk, roles := range members {
		t := Tag{"p", pk}
		t = append(t, roles...)
		tags = append(tags, t)
	}
	return newAndSign(s, KindGroupMembers, tags, "")
}

// NewTextNote builds a kind-1 text note. If groupId is non-empty the note
// carries an `h` tag and is a group message per spec.md §3.
func NewTextNote(s authcrypto.Signer, content, groupId string) (*E, error) {
	var tags Tags
	if groupId != "" {
		tags = Tags{{"h", groupId}}
	}
	return newAndSign(s, KindTextNote, tags, content)
}

// NewProfile builds a kind-0 profile metadata event. pictureDriveMarker, if
// non-empty, is carried as a `picture` tag per spec.md §3.
func NewProfile(s authcrypto.Signer, profileJSON, pictureDriveMarker string) (*E, error) {
	var tags Tags
	if pictureDriveMarker != "" {
		tags = Tags{{"picture", pictureDriveMarker}}
	}
	return newAndSign(s, KindProfile, tags, profileJSON)
}

// NewContacts builds a kind-3 contact-list event from followed pubkeys.
func NewContacts(s authcrypto.Signer, followedPubkeyHex []string) (*E, error) {
	tags := make(Tags, len(followedPubkeyHex))
	for i, pk := range followedPubkeyHex {
		tags[i] = Tag{"p", pk}
	}
	return newAndSign(s, KindContacts, tags, "")
}
