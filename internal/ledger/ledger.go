// Package ledger implements the credit accounts and append-only
// transaction log: atomic reserve/release/earn/spend over non-negative
// big-integer balances, serialized per agent DID.
package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ainp-network/broker/internal/errs"
)

// TxType enumerates the kinds of ledger mutation.
type TxType string

const (
	TxDeposit TxType = "deposit"
	TxReserve TxType = "reserve"
	TxRelease TxType = "release"
	TxEarn    TxType = "earn"
	TxSpend   TxType = "spend"
)

// Account is the single durable row per DID. Balance/Reserved/Earned/Spent
// are non-negative atomic-unit integers.
type Account struct {
	AgentDID string
	Balance  *big.Int
	Reserved *big.Int
	Earned   *big.Int
	Spent    *big.Int
}

// Transaction is one immutable entry in the append-only ledger log.
type Transaction struct {
	ID                string
	AgentDID          string
	TxType            TxType
	Amount            *big.Int
	Counterparty      string
	Reference         string
	UsefulnessProofID string
	CreatedAt         time.Time
}

// Store is the persistence interface for credit accounts, implemented by
// Postgres and an in-memory variant used by tests. Every method must
// serialize mutations per DID and append its Transaction entries in the
// same atomic unit as the balance change (Release appends a release
// entry plus, when it spends, a spend entry).
type Store interface {
	// CreateAccount is idempotent: if the account already exists, it
	// returns the existing row unchanged.
	CreateAccount(ctx context.Context, did string, initialBalance *big.Int) (*Account, error)
	GetAccount(ctx context.Context, did string) (*Account, error)

	// Reserve moves amount from balance to reserved. Fails with
	// INSUFFICIENT_FUNDS if balance < amount.
	Reserve(ctx context.Context, did string, amount *big.Int, reference string) (*Account, error)

	// Release resolves a prior reservation: reserved -= reservedAmount;
	// balance += reservedAmount - spendAmount; spent += spendAmount.
	// Precondition: reserved >= reservedAmount >= spendAmount >= 0.
	Release(ctx context.Context, did string, reservedAmount, spendAmount *big.Int, reference string) (*Account, error)

	// Deposit increases balance directly (e.g. initial funding, top-up).
	Deposit(ctx context.Context, did string, amount *big.Int, reference string) (*Account, error)

	// Earn increases both balance and earned — the incentive-split payout path.
	Earn(ctx context.Context, did string, amount *big.Int, counterparty, reference string) (*Account, error)

	// Spend debits balance directly without a prior reservation.
	Spend(ctx context.Context, did string, amount *big.Int, reference string) (*Account, error)

	TransactionHistory(ctx context.Context, did string, limit int) ([]*Transaction, error)
}

func newAccount(did string) *Account {
	return &Account{
		AgentDID: did,
		Balance:  big.NewInt(0),
		Reserved: big.NewInt(0),
		Earned:   big.NewInt(0),
		Spent:    big.NewInt(0),
	}
}

func cloneAccount(a *Account) *Account {
	return &Account{
		AgentDID: a.AgentDID,
		Balance:  new(big.Int).Set(a.Balance),
		Reserved: new(big.Int).Set(a.Reserved),
		Earned:   new(big.Int).Set(a.Earned),
		Spent:    new(big.Int).Set(a.Spent),
	}
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errs.New("INVALID_REQUEST", "amount must be a non-negative integer")
	}
	return nil
}

var errAccountNotFound = func(did string) error {
	return errs.New("NOT_FOUND", "no ledger account for %s", did)
}

var errInsufficientFunds = func(did string, balance, amount *big.Int) error {
	return errs.New("INSUFFICIENT_FUNDS", "account %s has balance %s, requested %s", did, balance.String(), amount.String())
}

func errInvalidRelease(format string, args ...any) error {
	return errs.New("INVALID_STATE_TRANSITION", format, args...)
}
