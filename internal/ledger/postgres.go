package ledger

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"time"

	"github.com/ainp-network/broker/internal/errs"
	"github.com/google/uuid"
)

// PostgresStore is a durable SQL-based Store: accounts plus an
// append-only transactions log, serialized per-DID via
// `SELECT ... FOR UPDATE`.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgLedgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
	agent_did TEXT PRIMARY KEY,
	balance   NUMERIC(78,0) NOT NULL DEFAULT 0,
	reserved  NUMERIC(78,0) NOT NULL DEFAULT 0,
	earned    NUMERIC(78,0) NOT NULL DEFAULT 0,
	spent     NUMERIC(78,0) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
	id                   TEXT PRIMARY KEY,
	agent_did            TEXT NOT NULL REFERENCES ledger_accounts(agent_did),
	tx_type              TEXT NOT NULL,
	amount               NUMERIC(78,0) NOT NULL,
	counterparty         TEXT,
	reference            TEXT,
	usefulness_proof_id  TEXT,
	created_at           TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_transactions_did ON ledger_transactions(agent_did, created_at DESC);
`

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgLedgerSchema)
	return err
}

func (s *PostgresStore) appendTx(ctx context.Context, tx *sql.Tx, did string, txType TxType, amount *big.Int, counterparty, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, agent_did, tx_type, amount, counterparty, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), did, string(txType), amount.String(), counterparty, reference, time.Now().UTC())
	return err
}

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var did, balance, reserved, earned, spent string
	if err := row.Scan(&did, &balance, &reserved, &earned, &spent); err != nil {
		return nil, err
	}
	acct := &Account{AgentDID: did}
	var ok bool
	if acct.Balance, ok = new(big.Int).SetString(balance, 10); !ok {
		return nil, errs.New("INTERNAL_ERROR", "corrupt balance for %s", did)
	}
	if acct.Reserved, ok = new(big.Int).SetString(reserved, 10); !ok {
		return nil, errs.New("INTERNAL_ERROR", "corrupt reserved for %s", did)
	}
	if acct.Earned, ok = new(big.Int).SetString(earned, 10); !ok {
		return nil, errs.New("INTERNAL_ERROR", "corrupt earned for %s", did)
	}
	if acct.Spent, ok = new(big.Int).SetString(spent, 10); !ok {
		return nil, errs.New("INTERNAL_ERROR", "corrupt spent for %s", did)
	}
	return acct, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, did string, initialBalance *big.Int) (*Account, error) {
	if err := validateAmount(initialBalance); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.New("INTERNAL_ERROR", "begin tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT agent_did, balance, reserved, earned, spent FROM ledger_accounts WHERE agent_did = $1 FOR UPDATE`, did)
	if acct, err := scanAccount(row); err == nil {
		_ = tx.Rollback()
		return acct, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New("INTERNAL_ERROR", "lookup account: %v", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_accounts (agent_did, balance) VALUES ($1, $2)`, did, initialBalance.String()); err != nil {
		return nil, errs.New("INTERNAL_ERROR", "insert account: %v", err)
	}
	if initialBalance.Sign() > 0 {
		if err := s.appendTx(ctx, tx, did, TxDeposit, initialBalance, "", "initial_balance"); err != nil {
			return nil, errs.New("INTERNAL_ERROR", "append transaction: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.New("INTERNAL_ERROR", "commit: %v", err)
	}
	acct := newAccount(did)
	acct.Balance = new(big.Int).Set(initialBalance)
	return acct, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, did string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT agent_did, balance, reserved, earned, spent FROM ledger_accounts WHERE agent_did = $1`, did)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errAccountNotFound(did)
		}
		return nil, errs.New("INTERNAL_ERROR", "get account: %v", err)
	}
	return acct, nil
}

// withLockedAccount runs fn inside a transaction holding a row lock on
// did's account, then persists the mutated balances and appends a
// transaction log entry — serializing all mutations for a given DID
// through Postgres row locking rather than an in-process mutex.
func (s *PostgresStore) withLockedAccount(ctx context.Context, did string, fn func(tx *sql.Tx, acct *Account) error) (*Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.New("INTERNAL_ERROR", "begin tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT agent_did, balance, reserved, earned, spent FROM ledger_accounts WHERE agent_did = $1 FOR UPDATE`, did)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errAccountNotFound(did)
		}
		return nil, errs.New("INTERNAL_ERROR", "lock account: %v", err)
	}

	if err := fn(tx, acct); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_accounts SET balance=$1, reserved=$2, earned=$3, spent=$4 WHERE agent_did=$5`,
		acct.Balance.String(), acct.Reserved.String(), acct.Earned.String(), acct.Spent.String(), did); err != nil {
		return nil, errs.New("INTERNAL_ERROR", "update account: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.New("INTERNAL_ERROR", "commit: %v", err)
	}
	return acct, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, did string, amount *big.Int, reference string) (*Account, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.withLockedAccount(ctx, did, func(tx *sql.Tx, acct *Account) error {
		if acct.Balance.Cmp(amount) < 0 {
			return errInsufficientFunds(did, acct.Balance, amount)
		}
		acct.Balance.Sub(acct.Balance, amount)
		acct.Reserved.Add(acct.Reserved, amount)
		return s.appendTx(ctx, tx, did, TxReserve, amount, "", reference)
	})
}

func (s *PostgresStore) Release(ctx context.Context, did string, reservedAmount, spendAmount *big.Int, reference string) (*Account, error) {
	if err := validateAmount(reservedAmount); err != nil {
		return nil, err
	}
	if err := validateAmount(spendAmount); err != nil {
		return nil, err
	}
	if spendAmount.Cmp(reservedAmount) > 0 {
		return nil, errInvalidRelease("spend amount %s exceeds reserved amount %s", spendAmount, reservedAmount)
	}
	return s.withLockedAccount(ctx, did, func(tx *sql.Tx, acct *Account) error {
		if acct.Reserved.Cmp(reservedAmount) < 0 {
			return errInvalidRelease("account %s has %s reserved, cannot release %s", did, acct.Reserved, reservedAmount)
		}
		refund := new(big.Int).Sub(reservedAmount, spendAmount)
		acct.Reserved.Sub(acct.Reserved, reservedAmount)
		acct.Balance.Add(acct.Balance, refund)
		acct.Spent.Add(acct.Spent, spendAmount)
		if err := s.appendTx(ctx, tx, did, TxRelease, reservedAmount, "", reference); err != nil {
			return err
		}
		if spendAmount.Sign() > 0 {
			return s.appendTx(ctx, tx, did, TxSpend, spendAmount, "", reference)
		}
		return nil
	})
}

func (s *PostgresStore) Deposit(ctx context.Context, did string, amount *big.Int, reference string) (*Account, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.withLockedAccount(ctx, did, func(tx *sql.Tx, acct *Account) error {
		acct.Balance.Add(acct.Balance, amount)
		return s.appendTx(ctx, tx, did, TxDeposit, amount, "", reference)
	})
}

func (s *PostgresStore) Earn(ctx context.Context, did string, amount *big.Int, counterparty, reference string) (*Account, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	// Earn auto-vivifies the payee's account, mirroring MemoryStore:
	// settle-time payouts may target system accounts never explicitly
	// registered via CreateAccount.
	if _, err := s.CreateAccount(ctx, did, big.NewInt(0)); err != nil {
		return nil, err
	}
	return s.withLockedAccount(ctx, did, func(tx *sql.Tx, acct *Account) error {
		acct.Balance.Add(acct.Balance, amount)
		acct.Earned.Add(acct.Earned, amount)
		return s.appendTx(ctx, tx, did, TxEarn, amount, counterparty, reference)
	})
}

func (s *PostgresStore) Spend(ctx context.Context, did string, amount *big.Int, reference string) (*Account, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.withLockedAccount(ctx, did, func(tx *sql.Tx, acct *Account) error {
		if acct.Balance.Cmp(amount) < 0 {
			return errInsufficientFunds(did, acct.Balance, amount)
		}
		acct.Balance.Sub(acct.Balance, amount)
		acct.Spent.Add(acct.Spent, amount)
		return s.appendTx(ctx, tx, did, TxSpend, amount, "", reference)
	})
}

func (s *PostgresStore) TransactionHistory(ctx context.Context, did string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_did, tx_type, amount, counterparty, reference, usefulness_proof_id, created_at
		FROM ledger_transactions WHERE agent_did = $1 ORDER BY created_at DESC LIMIT $2`, did, limit)
	if err != nil {
		return nil, errs.New("INTERNAL_ERROR", "query transactions: %v", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		var amount string
		var counterparty, reference, proofID sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentDID, &t.TxType, &amount, &counterparty, &reference, &proofID, &t.CreatedAt); err != nil {
			return nil, errs.New("INTERNAL_ERROR", "scan transaction: %v", err)
		}
		amt, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, errs.New("INTERNAL_ERROR", "corrupt transaction amount for %s", t.ID)
		}
		t.Amount = amt
		t.Counterparty = counterparty.String
		t.Reference = reference.String
		t.UsefulnessProofID = proofID.String
		out = append(out, &t)
	}
	return out, rows.Err()
}
