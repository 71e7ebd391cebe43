package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store backed by a map, guarded by a
// single mutex so every mutation across every DID is serialized —
// sufficient to satisfy the per-DID serialization requirement and the
// simplest thing that is obviously correct.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	txlog    map[string][]*Transaction
	clock    func() time.Time
}

// NewMemoryStore constructs an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		txlog:    make(map[string][]*Transaction),
		clock:    time.Now,
	}
}

func (m *MemoryStore) append(did string, txType TxType, amount *big.Int, counterparty, reference string) {
	m.txlog[did] = append(m.txlog[did], &Transaction{
		ID:           uuid.NewString(),
		AgentDID:     did,
		TxType:       txType,
		Amount:       new(big.Int).Set(amount),
		Counterparty: counterparty,
		Reference:    reference,
		CreatedAt:    m.clock(),
	})
}

func (m *MemoryStore) CreateAccount(ctx context.Context, did string, initialBalance *big.Int) (*Account, error) {
	if err := validateAmount(initialBalance); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.accounts[did]; ok {
		return cloneAccount(existing), nil
	}
	acct := newAccount(did)
	acct.Balance = new(big.Int).Set(initialBalance)
	m.accounts[did] = acct
	if initialBalance.Sign() > 0 {
		m.append(did, TxDeposit, initialBalance, "", "initial_balance")
	}
	return cloneAccount(acct), nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, did string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[did]
	if !ok {
		return nil, errAccountNotFound(did)
	}
	return cloneAccount(acct), nil
}

func (m *MemoryStore) Reserve(ctx context.Context, did string, amount *big.Int, reference string) (*Account, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[did]
	if !ok {
		return nil, errAccountNotFound(did)
	}
	if acct.Balance.Cmp(amount) < 0 {
		return nil, errInsufficientFunds(did, acct.Balance, amount)
	}
	acct.Balance.Sub(acct.Balance, amount)
	acct.Reserved.Add(acct.Reserved, amount)
	m.append(did, TxReserve, amount, "", reference)
	return cloneAccount(acct), nil
}

func (m *MemoryStore) Release(ctx context.Context, did string, reservedAmount, spendAmount *big.Int, reference string) (*Account, error) {
	if err := validateAmount(reservedAmount); err != nil {
		return nil, err
	}
	if err := validateAmount(spendAmount); err != nil {
		return nil, err
	}
	if spendAmount.Cmp(reservedAmount) > 0 {
		return nil, errInvalidRelease("spend amount %s exceeds reserved amount %s", spendAmount, reservedAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[did]
	if !ok {
		return nil, errAccountNotFound(did)
	}
	if acct.Reserved.Cmp(reservedAmount) < 0 {
		return nil, errInvalidRelease("account %s has %s reserved, cannot release %s", did, acct.Reserved, reservedAmount)
	}

	refund := new(big.Int).Sub(reservedAmount, spendAmount)
	acct.Reserved.Sub(acct.Reserved, reservedAmount)
	acct.Balance.Add(acct.Balance, refund)
	acct.Spent.Add(acct.Spent, spendAmount)
	m.append(did, TxRelease, reservedAmount, "", reference)
	if spendAmount.Sign() > 0 {
		m.append(did, TxSpend, spendAmount, "", reference)
	}
	return cloneAccount(acct), nil
}

func (m *MemoryStore) Deposit(ctx context.Context, did string, amount *big.Int, reference string) (*Account, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[did]
	if !ok {
		return nil, errAccountNotFound(did)
	}
	acct.Balance.Add(acct.Balance, amount)
	m.append(did, TxDeposit, amount, "", reference)
	return cloneAccount(acct), nil
}

func (m *MemoryStore) Earn(ctx context.Context, did string, amount *big.Int, counterparty, reference string) (*Account, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[did]
	if !ok {
		// Earn auto-vivifies the payee's account: settle-time payouts may
		// target system accounts (broker/validator/pool) that were never
		// explicitly registered.
		acct = newAccount(did)
		m.accounts[did] = acct
	}
	acct.Balance.Add(acct.Balance, amount)
	acct.Earned.Add(acct.Earned, amount)
	m.append(did, TxEarn, amount, counterparty, reference)
	return cloneAccount(acct), nil
}

func (m *MemoryStore) Spend(ctx context.Context, did string, amount *big.Int, reference string) (*Account, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[did]
	if !ok {
		return nil, errAccountNotFound(did)
	}
	if acct.Balance.Cmp(amount) < 0 {
		return nil, errInsufficientFunds(did, acct.Balance, amount)
	}
	acct.Balance.Sub(acct.Balance, amount)
	acct.Spent.Add(acct.Spent, amount)
	m.append(did, TxSpend, amount, "", reference)
	return cloneAccount(acct), nil
}

func (m *MemoryStore) TransactionHistory(ctx context.Context, did string, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.txlog[did]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	// Most recent first, matching the store's append-only-but-newest-read convention.
	out := make([]*Transaction, limit)
	for i := 0; i < limit; i++ {
		tx := *log[len(log)-1-i]
		out[i] = &tx
	}
	return out, nil
}
