package authstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddVerifyRemove(t *testing.T) {
	s := New()
	s.AddAuth("relayA", "pubkey1", "tok1")

	pk, ok := s.VerifyAuth("relayA", "tok1")
	require.True(t, ok)
	require.Equal(t, "pubkey1", pk)

	// invariant 4 (spec.md §8): verifyAuth fails for a different relay.
	_, ok = s.VerifyAuth("relayB", "tok1")
	require.False(t, ok)

	s.RemoveAuth("relayA", "pubkey1")
	_, ok = s.VerifyAuth("relayA", "tok1")
	require.False(t, ok)
}

func TestAddAuthRotatesToken(t *testing.T) {
	s := New()
	s.AddAuth("relayA", "pubkey1", "tok1")
	s.AddAuth("relayA", "pubkey1", "tok2")

	_, ok := s.VerifyAuth("relayA", "tok1")
	require.False(t, ok, "old token must stop resolving once rotated")

	pk, ok := s.VerifyAuth("relayA", "tok2")
	require.True(t, ok)
	require.Equal(t, "pubkey1", pk)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := New()
	s.AddAuth("relayA", "pubkey1", "tok1")
	s.AddAuth("relayA", "pubkey2", "tok2")
	s.AddAuth("relayB", "pubkey3", "tok3")

	entries := s.Export("relayA")
	require.Len(t, entries, 2)

	s2 := New()
	require.NoError(t, s2.Import("relayA", entries))
	pk, ok := s2.VerifyAuth("relayA", "tok1")
	require.True(t, ok)
	require.Equal(t, "pubkey1", pk)

	_, ok = s2.VerifyAuth("relayB", "tok3")
	require.False(t, ok, "import is scoped to the given relay")
}
