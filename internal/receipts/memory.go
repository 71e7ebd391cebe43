package receipts

import (
	"context"
	"sync"

	"github.com/ainp-network/broker/internal/errs"
)

// MemoryStore is an in-process Store for tests and the dev profile.
type MemoryStore struct {
	mu       sync.Mutex
	receipts map[string]*Receipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{receipts: make(map[string]*Receipt)}
}

func cloneReceipt(r *Receipt) *Receipt {
	cp := *r
	cp.Committee = append([]string(nil), r.Committee...)
	cp.Attestations = append([]Attestation(nil), r.Attestations...)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.ID]; ok {
		return errs.New("INVALID_REQUEST", "receipt %s already exists", r.ID)
	}
	m.receipts[r.ID] = cloneReceipt(r)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, errNotFound("no receipt %s", id)
	}
	return cloneReceipt(r), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.ID]; !ok {
		return errNotFound("no receipt %s", r.ID)
	}
	m.receipts[r.ID] = cloneReceipt(r)
	return nil
}

func (m *MemoryStore) AddAttestation(ctx context.Context, a Attestation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[a.TaskID]
	if !ok {
		return errNotFound("no receipt %s", a.TaskID)
	}
	for _, existing := range r.Attestations {
		if existing.ByDID == a.ByDID && existing.Type == a.Type {
			return errs.New("INVALID_REQUEST", "duplicate attestation (%s, %s, %s)", a.TaskID, a.ByDID, a.Type)
		}
	}
	r.Attestations = append(r.Attestations, a)
	return nil
}

func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Receipt
	for _, r := range m.receipts {
		if r.Status == StatusPending {
			out = append(out, cloneReceipt(r))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
