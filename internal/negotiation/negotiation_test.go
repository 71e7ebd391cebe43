package negotiation

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ainp-network/broker/internal/errs"
	"github.com/ainp-network/broker/internal/ledger"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*Engine, ledger.Store) {
	t.Helper()
	ls := ledger.NewMemoryStore()
	split := IncentiveSplit{Agent: 0.70, Broker: 0.10, Validator: 0.10, Pool: 0.10}
	return NewEngine(NewMemoryStore(), ls, split), ls
}

func TestHappyNegotiation_MatchesSpecS3Example(t *testing.T) {
	ctx := context.Background()
	engine, ls := newEngine(t)

	_, err := ls.CreateAccount(ctx, "did:key:zI", big.NewInt(1_000_000))
	require.NoError(t, err)
	_, err = ls.CreateAccount(ctx, "did:key:zR", big.NewInt(0))
	require.NoError(t, err)

	s, err := engine.Initiate(ctx, "did:key:zI", "did:key:zR", map[string]any{"price": 100.0}, 10, time.Hour)
	require.NoError(t, err)
	require.Equal(t, StateProposed, s.State)

	s, err = engine.Propose(ctx, s.ID, "did:key:zR", map[string]any{"price": 90.0})
	require.NoError(t, err)
	require.Equal(t, StateCounterProposed, s.State)
	require.NotNil(t, s.Rounds[1].ConvergenceDelta)

	s, err = engine.Accept(ctx, s.ID, "did:key:zI")
	require.NoError(t, err)
	require.Equal(t, StateAccepted, s.State)

	initiator, err := ls.GetAccount(ctx, "did:key:zI")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(90_000), initiator.Reserved)

	s, err = engine.Settle(ctx, s.ID, 250)
	require.NoError(t, err)

	initiator, err = ls.GetAccount(ctx, "did:key:zI")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(0), initiator.Reserved)
	require.Equal(t, big.NewInt(90_000), initiator.Spent)

	responder, err := ls.GetAccount(ctx, "did:key:zR")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(63_000), responder.Earned)
}

func TestAccept_InsufficientFundsKeepsSessionProposed(t *testing.T) {
	ctx := context.Background()
	engine, ls := newEngine(t)
	_, err := ls.CreateAccount(ctx, "did:key:zI", big.NewInt(50_000))
	require.NoError(t, err)
	_, err = ls.CreateAccount(ctx, "did:key:zR", big.NewInt(0))
	require.NoError(t, err)

	s, err := engine.Initiate(ctx, "did:key:zI", "did:key:zR", map[string]any{"price": 100_000.0}, 10, time.Hour)
	require.NoError(t, err)

	_, err = engine.Accept(ctx, s.ID, "did:key:zR")
	require.Error(t, err)
	require.Equal(t, "INSUFFICIENT_FUNDS", errs.Kind(err))

	reloaded, err := engine.store.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StateProposed, reloaded.State)
}

func TestPropose_ProposerMustAlternate(t *testing.T) {
	ctx := context.Background()
	engine, _ := newEngine(t)
	s, err := engine.Initiate(ctx, "did:key:zI", "did:key:zR", map[string]any{"price": 100.0}, 10, time.Hour)
	require.NoError(t, err)

	_, err = engine.Propose(ctx, s.ID, "did:key:zI", map[string]any{"price": 90.0})
	require.Error(t, err)
	require.Equal(t, "INVALID_STATE_TRANSITION", errs.Kind(err))
}

func TestPropose_MaxRoundsExceeded(t *testing.T) {
	ctx := context.Background()
	engine, _ := newEngine(t)
	s, err := engine.Initiate(ctx, "did:key:zI", "did:key:zR", map[string]any{"price": 100.0}, 2, time.Hour)
	require.NoError(t, err)

	s, err = engine.Propose(ctx, s.ID, "did:key:zR", map[string]any{"price": 90.0})
	require.NoError(t, err)

	_, err = engine.Propose(ctx, s.ID, "did:key:zI", map[string]any{"price": 95.0})
	require.Error(t, err)
	require.Equal(t, "MAX_ROUNDS_EXCEEDED", errs.Kind(err))
}

func TestExpireStale_ReleasesNothingWhenNeverReserved(t *testing.T) {
	ctx := context.Background()
	engine, _ := newEngine(t)
	s, err := engine.Initiate(ctx, "did:key:zI", "did:key:zR", map[string]any{"price": 100.0}, 10, -time.Minute)
	require.NoError(t, err)

	n, err := engine.ExpireStale(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	reloaded, err := engine.store.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StateExpired, reloaded.State)
}

func TestExpireStale_AcceptedSessionsNeverExpire(t *testing.T) {
	ctx := context.Background()
	engine, ls := newEngine(t)
	_, err := ls.CreateAccount(ctx, "did:key:zI", big.NewInt(1_000_000))
	require.NoError(t, err)

	s, err := engine.Initiate(ctx, "did:key:zI", "did:key:zR", map[string]any{"price": 100.0}, 10, time.Hour)
	require.NoError(t, err)
	s, err = engine.Accept(ctx, s.ID, "did:key:zR")
	require.NoError(t, err)
	require.Equal(t, StateAccepted, s.State)

	n, err := engine.ExpireStale(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestConvergenceDelta_IdenticalFieldsIsOne(t *testing.T) {
	delta := ConvergenceDelta(map[string]any{"price": 100.0}, map[string]any{"price": 100.0})
	require.InDelta(t, 1.0, delta, 1e-9)
}

func TestConvergenceDelta_BooleanMismatchIsZero(t *testing.T) {
	delta := ConvergenceDelta(map[string]any{"urgent": true}, map[string]any{"urgent": false})
	require.InDelta(t, 0.0, delta, 1e-9)
}
