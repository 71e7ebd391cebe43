// Package negotiation implements the bilateral multi-round negotiation
// state machine, settling against the credit ledger and emitting
// receipts and reputation updates on settle.
package negotiation

import (
	"context"
	"math"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ainp-network/broker/internal/errs"
	"github.com/ainp-network/broker/internal/ledger"
	"github.com/google/uuid"
)

// State is one node of the negotiation state machine.
type State string

const (
	StateInitiated       State = "initiated"
	StateProposed        State = "proposed"
	StateCounterProposed State = "counter_proposed"
	StateAccepted        State = "accepted"
	StateRejected        State = "rejected"
	StateExpired         State = "expired"
)

// Round is one strictly monotonic proposal in a session.
type Round struct {
	Number            int
	ProposerDID       string
	Fields            map[string]any
	ConvergenceDelta  *float64 // nil for round 1
	CreatedAt         time.Time
}

// Session is one bilateral negotiation: state machine plus its rounds.
type Session struct {
	ID            string
	InitiatorDID  string
	ResponderDID  string
	State         State
	Rounds        []Round
	MaxRounds     int
	PriceAtomic   *big.Int // agreed price once accepted, taken from the last round's "price" field
	ExpiresAt     time.Time
	ReservationID string // reference used on ledger.Reserve/Release
}

// IncentiveSplit configures the settle-time payout distribution; fields
// must sum to 1 ± 1e-4 (enforced by internal/config).
type IncentiveSplit struct {
	Agent     float64
	Broker    float64
	Validator float64
	Pool      float64
}

const (
	DefaultMaxRounds = 10
	HardCapRounds    = 20

	// DisplayUnitRatio converts a negotiated "price" field (expressed in
	// display units) to atomic units before it touches the ledger.
	DisplayUnitRatio = 1000
)

func errInvalidTransition(format string, args ...any) error {
	return errs.New("INVALID_STATE_TRANSITION", format, args...)
}

// ConvergenceDelta computes the similarity measure between two
// consecutive proposals' negotiated fields: numeric fields use
// `1 - |a-b|/max(|a|,|b|,ε)`, booleans use 0 or 1, averaged equally
// across the fields present in both rounds.
func ConvergenceDelta(prev, cur map[string]any) float64 {
	const eps = 1e-9
	var total float64
	var n int
	for k, pv := range prev {
		cv, ok := cur[k]
		if !ok {
			continue
		}
		switch p := pv.(type) {
		case bool:
			c, ok := cv.(bool)
			if !ok {
				continue
			}
			if p == c {
				total += 1
			}
			n++
		case float64:
			c, ok := toFloat(cv)
			if !ok {
				continue
			}
			denom := math.Max(math.Max(math.Abs(p), math.Abs(c)), eps)
			total += 1 - math.Abs(p-c)/denom
			n++
		case int:
			c, ok := toFloat(cv)
			if !ok {
				continue
			}
			pf := float64(p)
			denom := math.Max(math.Max(math.Abs(pf), math.Abs(c)), eps)
			total += 1 - math.Abs(pf-c)/denom
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// Store is the persistence interface for negotiation sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	ListExpirable(ctx context.Context, now time.Time) ([]*Session, error)
}

// Engine drives the state machine and settles against the ledger.
type Engine struct {
	store          Store
	ledger         ledger.Store
	mu             sync.Mutex // serializes per-session mutation; see withSession
	split          IncentiveSplit
	onSettle       func(ctx context.Context, s *Session, latencyMs float64)
	scorer         *ExpressionScorer
	scoreExpr      string // empty: use the built-in ConvergenceDelta formula
}

func NewEngine(store Store, ledgerStore ledger.Store, split IncentiveSplit) *Engine {
	return &Engine{store: store, ledger: ledgerStore, split: split}
}

// WithExpressionScorer configures an optional CEL expression to score
// convergence in place of the built-in formula. Passing an empty expr
// restores the built-in formula.
func (e *Engine) WithExpressionScorer(scorer *ExpressionScorer, expr string) *Engine {
	e.scorer = scorer
	e.scoreExpr = expr
	return e
}

func (e *Engine) scoreConvergence(prev, cur map[string]any) float64 {
	if e.scorer != nil && e.scoreExpr != "" {
		if score, err := e.scorer.Score(e.scoreExpr, prev, cur); err == nil {
			return score
		}
	}
	return ConvergenceDelta(prev, cur)
}

// OnSettle registers a hook invoked after a successful settle (used to
// wire C8 receipt emission and C9 reputation updates without an import
// cycle; see the composition root).
func (e *Engine) OnSettle(fn func(ctx context.Context, s *Session, latencyMs float64)) {
	e.onSettle = fn
}

func priceOf(fields map[string]any) (*big.Int, bool) {
	raw, ok := fields["price"]
	if !ok {
		return nil, false
	}
	var displayUnits float64
	switch v := raw.(type) {
	case float64:
		displayUnits = v
	case int:
		displayUnits = float64(v)
	case int64:
		displayUnits = float64(v)
	default:
		return nil, false
	}
	return big.NewInt(int64(displayUnits * DisplayUnitRatio)), true
}

// Initiate opens a session with the first proposal (round 1, by the
// initiator).
func (e *Engine) Initiate(ctx context.Context, initiatorDID, responderDID string, fields map[string]any, maxRounds int, ttl time.Duration) (*Session, error) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if maxRounds > HardCapRounds {
		return nil, errs.New("INVALID_REQUEST", "max_rounds %d exceeds hard cap %d", maxRounds, HardCapRounds)
	}
	s := &Session{
		ID:           uuid.NewString(),
		InitiatorDID: initiatorDID,
		ResponderDID: responderDID,
		State:        StateProposed,
		MaxRounds:    maxRounds,
		ExpiresAt:    time.Now().Add(ttl),
		Rounds: []Round{{
			Number:      1,
			ProposerDID: initiatorDID,
			Fields:      fields,
			CreatedAt:   time.Now(),
		}},
	}
	if err := e.store.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Propose appends a counter-proposal. proposerDID must differ from the
// previous round's proposer (alternation), and rounds are capped at
// MaxRounds (soft) / HardCapRounds (absolute).
func (e *Engine) Propose(ctx context.Context, sessionID, proposerDID string, fields map[string]any) (*Session, error) {
	return e.withSession(ctx, sessionID, func(s *Session) error {
		if s.State != StateProposed && s.State != StateCounterProposed {
			return errInvalidTransition("cannot propose from state %q", s.State)
		}
		if time.Now().After(s.ExpiresAt) {
			return errs.New("NEGOTIATION_EXPIRED", "session %s expired at %s", s.ID, s.ExpiresAt)
		}
		last := s.Rounds[len(s.Rounds)-1]
		if last.ProposerDID == proposerDID {
			return errInvalidTransition("proposer must alternate: %s proposed the last round", proposerDID)
		}
		if len(s.Rounds) >= s.MaxRounds {
			return errs.New("MAX_ROUNDS_EXCEEDED", "session %s has reached max_rounds=%d", s.ID, s.MaxRounds)
		}
		delta := e.scoreConvergence(last.Fields, fields)
		round := Round{
			Number:           len(s.Rounds) + 1,
			ProposerDID:      proposerDID,
			Fields:           fields,
			ConvergenceDelta: &delta,
			CreatedAt:        time.Now(),
		}
		s.Rounds = append(s.Rounds, round)
		if proposerDID == s.InitiatorDID {
			s.State = StateProposed
		} else {
			s.State = StateCounterProposed
		}
		return nil
	})
}

// Accept transitions proposed/counter_proposed to accepted, reserving
// the agreed price on the initiator's ledger account.
func (e *Engine) Accept(ctx context.Context, sessionID, accepterDID string) (*Session, error) {
	return e.withSession(ctx, sessionID, func(s *Session) error {
		if s.State != StateProposed && s.State != StateCounterProposed {
			return errInvalidTransition("cannot accept from state %q", s.State)
		}
		if time.Now().After(s.ExpiresAt) {
			return errs.New("NEGOTIATION_EXPIRED", "session %s expired at %s", s.ID, s.ExpiresAt)
		}
		last := s.Rounds[len(s.Rounds)-1]
		if last.ProposerDID == accepterDID {
			return errInvalidTransition("accepting party %s must differ from the last proposer", accepterDID)
		}
		price, ok := priceOf(last.Fields)
		if !ok {
			return errs.New("INVALID_REQUEST", "last round has no numeric 'price' field to settle against")
		}
		ref := s.ID
		if _, err := e.ledger.Reserve(ctx, s.InitiatorDID, price, ref); err != nil {
			return err
		}
		s.PriceAtomic = price
		s.ReservationID = ref
		s.State = StateAccepted
		return nil
	})
}

// Reject transitions to rejected from any non-terminal state.
func (e *Engine) Reject(ctx context.Context, sessionID, rejecterDID string) (*Session, error) {
	return e.withSession(ctx, sessionID, func(s *Session) error {
		if s.State == StateAccepted || s.State == StateRejected || s.State == StateExpired {
			return errInvalidTransition("cannot reject from state %q", s.State)
		}
		s.State = StateRejected
		return nil
	})
}

// Settle distributes the reserved price per the incentive split and
// emits the settle hook (receipt + reputation). Callable only from
// accepted.
func (e *Engine) Settle(ctx context.Context, sessionID string, latencyMs float64) (*Session, error) {
	return e.withSession(ctx, sessionID, func(s *Session) error {
		if s.State != StateAccepted {
			return errInvalidTransition("settle is only valid from accepted, got %q", s.State)
		}
		if _, err := e.ledger.Release(ctx, s.InitiatorDID, s.PriceAtomic, s.PriceAtomic, s.ReservationID); err != nil {
			return err
		}
		if err := e.distribute(ctx, s); err != nil {
			return err
		}
		if e.onSettle != nil {
			e.onSettle(ctx, s, latencyMs)
		}
		return nil
	})
}

func (e *Engine) distribute(ctx context.Context, s *Session) error {
	shares := map[string]float64{
		s.ResponderDID: e.split.Agent,
		"broker":       e.split.Broker,
		"validator":    e.split.Validator,
		"pool":         e.split.Pool,
	}
	for did, frac := range shares {
		if frac <= 0 {
			continue
		}
		// The share is taken in its shortest decimal form, so 0.7 of
		// 90000 is exactly 63000 rather than a truncated 62999.99...
		ratio, ok := new(big.Rat).SetString(strconv.FormatFloat(frac, 'f', -1, 64))
		if !ok {
			continue
		}
		product := new(big.Rat).Mul(new(big.Rat).SetInt(s.PriceAtomic), ratio)
		amount := new(big.Int).Quo(product.Num(), product.Denom())
		if amount.Sign() <= 0 {
			continue
		}
		if _, err := e.ledger.Earn(ctx, did, amount, s.InitiatorDID, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// ExpireStale sweeps sessions past ExpiresAt that are not in a terminal
// non-expirable state (accepted sessions are never auto-expired).
// Accept is the only step that reserves funds, so an expirable session
// holds no reservation and no ledger release is made here.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	sessions, err := e.store.ListExpirable(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		_, err := e.withSession(ctx, s.ID, func(s *Session) error {
			if s.State == StateAccepted || s.State == StateRejected || s.State == StateExpired {
				return errInvalidTransition("not expirable")
			}
			if !now.After(s.ExpiresAt) {
				return errInvalidTransition("not yet expired")
			}
			s.State = StateExpired
			return nil
		})
		if err == nil {
			n++
		}
	}
	return n, nil
}

// withSession serializes per-session mutation with a single mutex —
// sufficient given negotiation sessions are a much lower-volume path
// than the ledger; a Postgres-backed Store may instead use row locking.
func (e *Engine) withSession(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := e.store.Update(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
