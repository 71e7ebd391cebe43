package receipts

import (
	"context"
	"testing"

	"github.com/ainp-network/broker/internal/errs"
	"github.com/stretchr/testify/require"
)

func roster(t *testing.T) func(ctx context.Context) ([]string, error) {
	t.Helper()
	return func(ctx context.Context) ([]string, error) {
		return []string{"did:key:zA", "did:key:zB", "did:key:zC", "did:key:zD", "did:key:zE"}, nil
	}
}

func TestSampleCommittee_DeterministicGivenSameSeed(t *testing.T) {
	r := []string{"did:key:zA", "did:key:zB", "did:key:zC", "did:key:zD", "did:key:zE"}
	a := SampleCommittee(r, 3, "seed-1")
	b := SampleCommittee(r, 3, "seed-1")
	require.Equal(t, a, b)
	require.Len(t, a, 3)
}

func TestSampleCommittee_DifferentSeedsDiffer(t *testing.T) {
	r := []string{"did:key:zA", "did:key:zB", "did:key:zC", "did:key:zD", "did:key:zE", "did:key:zF", "did:key:zG"}
	a := SampleCommittee(r, 3, "seed-1")
	b := SampleCommittee(r, 3, "seed-2")
	require.NotEqual(t, a, b)
}

func TestSampleCommittee_DistinctMembers(t *testing.T) {
	r := []string{"did:key:zA", "did:key:zB", "did:key:zC", "did:key:zD", "did:key:zE"}
	committee := SampleCommittee(r, 5, "seed-x")
	seen := make(map[string]bool)
	for _, d := range committee {
		require.False(t, seen[d], "committee member repeated: %s", d)
		seen[d] = true
	}
}

func TestCreateReceipt_SamplesCommitteeWhenEmpty(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewMemoryStore(), roster(t), "salt")

	r, err := engine.CreateReceipt(ctx, &Receipt{ID: "r1", ClientDID: "did:key:zClient", K: 3, M: 3})
	require.NoError(t, err)
	require.Len(t, r.Committee, 3)
	require.NotEmpty(t, r.CommitteeSeed)
}

// TestQuorumFinalization_MatchesSpecS6 checks k=3 committee of 5: three
// AUDIT_PASS attestations from committee members finalize within one sweep.
func TestQuorumFinalization_MatchesSpecS6(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, roster(t), "salt")

	r, err := engine.CreateReceipt(ctx, &Receipt{ID: "r1", ClientDID: "did:key:zClient", K: 3, M: 5})
	require.NoError(t, err)
	require.Len(t, r.Committee, 5)

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.Attest(ctx, Attestation{
			TaskID: r.ID, ByDID: r.Committee[i], Type: AttestationAuditPass,
		}))
	}

	n, err := engine.Sweep(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	finalized, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, finalized.Status)
	require.NotNil(t, finalized.FinalizedAt)
}

func TestFinalize_AuditPassFromNonCommitteeDoesNotCount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, roster(t), "salt")

	r, err := engine.CreateReceipt(ctx, &Receipt{ID: "r1", ClientDID: "did:key:zClient", K: 1, M: 2})
	require.NoError(t, err)

	outsider := "did:key:zOutsider"
	require.NoError(t, engine.Attest(ctx, Attestation{TaskID: r.ID, ByDID: outsider, Type: AttestationAuditPass}))

	_, err = engine.FinalizeIfQuorum(ctx, r.ID, true)
	require.Error(t, err)
	require.Equal(t, "QUORUM_NOT_MET", errs.Kind(err))
}

func TestFinalize_ClientAcceptedCounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, roster(t), "salt")

	r, err := engine.CreateReceipt(ctx, &Receipt{ID: "r1", ClientDID: "did:key:zClient", K: 1, M: 2})
	require.NoError(t, err)

	require.NoError(t, engine.Attest(ctx, Attestation{TaskID: r.ID, ByDID: "did:key:zClient", Type: AttestationAccepted}))

	finalized, err := engine.FinalizeIfQuorum(ctx, r.ID, true)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, finalized.Status)
}

func TestAttest_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, roster(t), "salt")

	r, err := engine.CreateReceipt(ctx, &Receipt{ID: "r1", ClientDID: "did:key:zClient", K: 3, M: 3})
	require.NoError(t, err)

	require.NoError(t, engine.Attest(ctx, Attestation{TaskID: r.ID, ByDID: r.Committee[0], Type: AttestationAuditPass}))
	err = engine.Attest(ctx, Attestation{TaskID: r.ID, ByDID: r.Committee[0], Type: AttestationAuditPass})
	require.Error(t, err)
}

func TestAttest_UnknownReceiptNotFound(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewMemoryStore(), roster(t), "salt")
	err := engine.Attest(ctx, Attestation{TaskID: "ghost", ByDID: "did:key:zA", Type: AttestationAuditPass})
	require.Error(t, err)
	require.Equal(t, "NOT_FOUND", errs.Kind(err))
}

func TestSweep_NeverTransitionsOutOfFinalized(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := NewEngine(store, roster(t), "salt")

	r, err := engine.CreateReceipt(ctx, &Receipt{ID: "r1", ClientDID: "did:key:zClient", K: 1, M: 1})
	require.NoError(t, err)
	require.NoError(t, engine.Attest(ctx, Attestation{TaskID: r.ID, ByDID: r.Committee[0], Type: AttestationAuditPass}))
	_, err = engine.Sweep(ctx, 100)
	require.NoError(t, err)

	finalized, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFinalized, finalized.Status)

	n, err := engine.Sweep(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 0, n, "an already-finalized receipt must not be re-processed")
}
