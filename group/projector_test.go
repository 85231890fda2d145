package group

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"hypertuna.dev/authcrypto"
	"hypertuna.dev/event"
)

func newSigner(t *testing.T) *authcrypto.Secp256k1 {
	t.Helper()
	s := &authcrypto.Secp256k1{}
	require.NoError(t, s.Generate())
	return s
}

func pubHex(s authcrypto.Signer) string { return hex.EncodeToString(s.Pub()) }

func snapshot(t *testing.T, s authcrypto.Signer, groupId string, createdAt int64, members map[string][]string) *event.E {
	ev, err := event.NewMemberSnapshot(s, groupId, members)
	require.NoError(t, err)
	ev.CreatedAt = createdAt
	require.NoError(t, ev.Sign(s))
	return ev
}

func adminSnapshot(t *testing.T, s authcrypto.Signer, groupId string, admins map[string][]string) *event.E {
	ev, err := event.NewAdminSnapshot(s, groupId, admins)
	require.NoError(t, err)
	require.NoError(t, ev.Sign(s))
	return ev
}

func addUser(t *testing.T, s authcrypto.Signer, groupId, targetHex string, roles []string, createdAt int64) *event.E {
	ev, err := event.NewAddUser(s, groupId, targetHex, roles, "")
	require.NoError(t, err)
	ev.CreatedAt = createdAt
	require.NoError(t, ev.Sign(s))
	return ev
}

func removeUser(t *testing.T, s authcrypto.Signer, groupId, targetHex string, createdAt int64) *event.E {
	ev, err := event.NewRemoveUser(s, groupId, targetHex)
	require.NoError(t, err)
	ev.CreatedAt = createdAt
	require.NoError(t, ev.Sign(s))
	return ev
}

// TestOrderedMembership is spec.md §8 scenario 2: apply 9000(ts=10),
// 9001(ts=20), 9000(ts=15) in that order; B must not end up a member since
// max(ADDS)=15 <= REMOVES=20.
func TestOrderedMembership(t *testing.T) {
	admin := newSigner(t)
	b := newSigner(t)
	p := NewProjector(Config{PublicIdentifier: "g1"})

	require.NoError(t, p.Apply(adminSnapshot(t, admin, "g1", map[string][]string{pubHex(admin): {"admin"}})))

	require.NoError(t, p.Apply(addUser(t, admin, "g1", pubHex(b), []string{"member"}, 10)))
	require.NoError(t, p.Apply(removeUser(t, admin, "g1", pubHex(b), 20)))
	require.NoError(t, p.Apply(addUser(t, admin, "g1", pubHex(b), []string{"member"}, 15)))

	require.False(t, p.IsMember(pubHex(b)))
}

// TestAuthoritativeOverwrite is spec.md §8 scenario 3: an earlier-created (50)
// but applied-second 39002 with fewer members must not erase the
// higher-created_at (100) snapshot's membership.
func TestAuthoritativeOverwrite(t *testing.T) {
	admin := newSigner(t)
	a := newSigner(t)
	b := newSigner(t)
	p := NewProjector(Config{PublicIdentifier: "g1"})

	require.NoError(t, p.Apply(snapshot(t, admin, "g1", 100, map[string][]string{pubHex(a): nil, pubHex(b): nil})))
	require.NoError(t, p.Apply(snapshot(t, admin, "g1", 50, map[string][]string{pubHex(a): nil})))

	members := p.Members()
	require.ElementsMatch(t, []string{pubHex(a), pubHex(b)}, members)
}

// TestIdempotence is spec.md §8 "applying the same event twice does not
// change any projection".
func TestIdempotence(t *testing.T) {
	admin := newSigner(t)
	b := newSigner(t)
	p := NewProjector(Config{PublicIdentifier: "g1"})
	require.NoError(t, p.Apply(adminSnapshot(t, admin, "g1", map[string][]string{pubHex(admin): {"admin"}})))

	ev := addUser(t, admin, "g1", pubHex(b), []string{"member"}, 10)
	require.NoError(t, p.Apply(ev))
	before := p.Members()
	require.NoError(t, p.Apply(ev))
	after := p.Members()
	require.Equal(t, before, after)
}

// TestSelfLeaveAlwaysPermitted is spec.md §4.2's "self-leave ... is always
// permitted" rule, independent of admin status.
func TestSelfLeaveAlwaysPermitted(t *testing.T) {
	admin := newSigner(t)
	member := newSigner(t)
	p := NewProjector(Config{PublicIdentifier: "g1"})
	require.NoError(t, p.Apply(adminSnapshot(t, admin, "g1", map[string][]string{pubHex(admin): {"admin"}})))
	require.NoError(t, p.Apply(addUser(t, admin, "g1", pubHex(member), []string{"member"}, 10)))
	require.True(t, p.IsMember(pubHex(member)))

	leave, err := event.NewRemoveUser(member, "g1", pubHex(member))
	require.NoError(t, err)
	leave.CreatedAt = 20
	require.NoError(t, leave.Sign(member))
	require.NoError(t, p.Apply(leave))
	require.False(t, p.IsMember(pubHex(member)))
}

// TestNonAdminAddUserRejected checks the authorization rule: a non-admin
// cannot add a user.
func TestNonAdminAddUserRejected(t *testing.T) {
	admin := newSigner(t)
	outsider := newSigner(t)
	target := newSigner(t)
	p := NewProjector(Config{PublicIdentifier: "g1"})
	require.NoError(t, p.Apply(adminSnapshot(t, admin, "g1", map[string][]string{pubHex(admin): {"admin"}})))

	bad := addUser(t, outsider, "g1", pubHex(target), []string{"member"}, 10)
	err := p.Apply(bad)
	require.Error(t, err)
	require.False(t, p.IsMember(pubHex(target)))
}
