package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuditLog_AppendChainsHashes(t *testing.T) {
	ctx := context.Background()
	log := NewAuditLog()

	seq1, err := log.Append(ctx, EventAgentRegistered, "did:key:zA", map[string]interface{}{"did": "did:key:zA"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	seq2, err := log.Append(ctx, EventLedgerMutation, "did:key:zA", map[string]interface{}{"amount": 100})
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq2)

	entry2, err := log.Get(seq2)
	require.NoError(t, err)
	entry1, err := log.Get(seq1)
	require.NoError(t, err)
	require.Equal(t, entry1.ContentHash, entry2.PrevHash)

	ok, msg := log.Verify()
	require.True(t, ok, msg)
}

func TestAuditLog_VerifyDetectsTamperedEntry(t *testing.T) {
	ctx := context.Background()
	log := NewAuditLog()
	_, err := log.Append(ctx, EventAgentRegistered, "did:key:zA", map[string]interface{}{"did": "did:key:zA"})
	require.NoError(t, err)
	_, err = log.Append(ctx, EventLedgerMutation, "did:key:zA", map[string]interface{}{"amount": 100})
	require.NoError(t, err)

	log.entries[0].Data["did"] = "did:key:zTampered"

	ok, msg := log.Verify()
	require.False(t, ok)
	require.Contains(t, msg, "hash mismatch")
}

func TestAuditLog_GetOutOfRangeErrors(t *testing.T) {
	log := NewAuditLog()
	_, err := log.Get(1)
	require.Error(t, err)
}

func TestAuditLog_WithClockStampsEntries(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	log := NewAuditLog().WithClock(func() time.Time { return fixed })
	_, err := log.Append(context.Background(), EventKeyRotated, "", map[string]interface{}{"kid": "key-2"})
	require.NoError(t, err)
	entry, err := log.Get(1)
	require.NoError(t, err)
	require.True(t, entry.Timestamp.Equal(fixed))
}
