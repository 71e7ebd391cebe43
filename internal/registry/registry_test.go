package registry

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/ainp-network/broker/internal/identity"
	"github.com/stretchr/testify/require"
)

func newDID(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	did, err := identity.NewDID(pub)
	require.NoError(t, err)
	return did
}

func TestUpsert_CreatesOnFirstSeen(t *testing.T) {
	s := NewMemoryStore()
	did := newDID(t)

	a, err := s.Upsert(context.Background(), did, time.Hour)
	require.NoError(t, err)
	require.Equal(t, a.FirstSeen, a.LastSeen)
	require.WithinDuration(t, time.Now().Add(time.Hour), a.ExpiresAt, 5*time.Second)
}

func TestUpsert_AdvancesLastSeenAndExpiry(t *testing.T) {
	now := time.Now()
	clock := now
	s := NewMemoryStore().WithClock(func() time.Time { return clock })
	did := newDID(t)

	first, err := s.Upsert(context.Background(), did, time.Hour)
	require.NoError(t, err)

	clock = now.Add(time.Minute)
	second, err := s.Upsert(context.Background(), did, time.Hour)
	require.NoError(t, err)

	require.Equal(t, first.FirstSeen, second.FirstSeen, "first_seen must never change")
	require.True(t, second.LastSeen.After(first.LastSeen))
	require.True(t, second.ExpiresAt.After(first.ExpiresAt))
}

func TestUpsert_RejectsMalformedDID(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Upsert(context.Background(), "did:web:example.com", time.Hour)
	require.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "did:key:zUnknown")
	require.Error(t, err)
}

func TestGet_PublicKeyMatchesDID(t *testing.T) {
	s := NewMemoryStore()
	did := newDID(t)
	_, err := s.Upsert(context.Background(), did, time.Hour)
	require.NoError(t, err)

	a, err := s.Get(context.Background(), did)
	require.NoError(t, err)
	expectedPub, err := identity.PublicKeyOf(did)
	require.NoError(t, err)
	require.True(t, expectedPub.Equal(a.PublicKey))
}
