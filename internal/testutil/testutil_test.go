package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClock_AdvanceMovesNow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)
	require.True(t, clock.Now().Equal(start))

	clock.Advance(time.Hour)
	require.True(t, clock.Now().Equal(start.Add(time.Hour)))
}

func TestNewIdentity_ProducesVerifiableDID(t *testing.T) {
	id := NewIdentity()
	require.NotEmpty(t, id.DID)
	require.Len(t, id.Private, 64)
}
