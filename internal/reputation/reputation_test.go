package reputation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestUpdate_QualityBlendsAcceptedAndAuditPass(t *testing.T) {
	prior := Vector{Quality: 0.5}
	obs := Observation{AcceptedScore: f(1.0), AuditPassScore: f(0.8)}
	next := Update(prior, obs, Weights{Alpha: 0.2, LRef: 5000})
	require.InDelta(t, 0.8*0.5+0.2*0.9, next.Quality, 1e-9)
}

func TestUpdate_TimelinessFromLatency(t *testing.T) {
	prior := Vector{Timeliness: 0}
	obs := Observation{LatencyMs: 2500}
	next := Update(prior, obs, Weights{Alpha: 0.2, LRef: 5000})
	require.InDelta(t, 0.2*0.5, next.Timeliness, 1e-9)
}

func TestUpdate_ReliabilityFinalizedVsFailed(t *testing.T) {
	prior := Vector{Reliability: 0.5}
	finalized := Update(prior, Observation{Finalized: true}, Weights{Alpha: 0.2, LRef: 5000})
	failed := Update(prior, Observation{Finalized: false}, Weights{Alpha: 0.2, LRef: 5000})
	require.Greater(t, finalized.Reliability, failed.Reliability)
}

func TestUpdate_UntouchedDimensionsPreserved(t *testing.T) {
	prior := Vector{Quality: 0.9, Safety: 0.7, TruthValue: 0.6}
	next := Update(prior, Observation{Finalized: true}, Weights{Alpha: 0.2, LRef: 5000})
	require.Equal(t, prior.Quality, next.Quality, "no quality observation must leave the prior unchanged")
	require.Equal(t, prior.Safety, next.Safety)
	require.Equal(t, prior.TruthValue, next.TruthValue)
}

func TestUsefulness_MonotonicInEachSignal(t *testing.T) {
	w := BlendWeights{Compute: 0.4, Memory: 0.3, Routing: 0.2, Validation: 0.1}
	low := Usefulness(Vector{Compute: 0.1, Memory: 0.1, Routing: 0.1, Validation: 0.1}, w)
	high := Usefulness(Vector{Compute: 0.9, Memory: 0.1, Routing: 0.1, Validation: 0.1}, w)
	require.Greater(t, high, low)
}

func TestUsefulness_BoundedZeroToHundred(t *testing.T) {
	w := BlendWeights{Compute: 1}
	require.Equal(t, 100.0, Usefulness(Vector{Compute: 1}, w))
	require.Equal(t, 0.0, Usefulness(Vector{Compute: 0}, w))
}

func TestMemoryStore_GetDefaultsToNeutralPrior(t *testing.T) {
	s := NewMemoryStore()
	v, err := s.Get(context.Background(), "did:key:zNew")
	require.NoError(t, err)
	require.Equal(t, Vector{}, v)

	require.NoError(t, s.Set(context.Background(), "did:key:zNew", Vector{Quality: 1}))
	v, err = s.Get(context.Background(), "did:key:zNew")
	require.NoError(t, err)
	require.Equal(t, 1.0, v.Quality)
}
