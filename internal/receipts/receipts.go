// Package receipts implements task receipts and committee attestation:
// deterministic committee sampling, attestation ingest, and the quorum
// finalization sweep.
package receipts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"time"

	"github.com/ainp-network/broker/internal/errs"
)

// Status is the lifecycle state of a Receipt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFinalized Status = "finalized"
	StatusDisputed  Status = "disputed"
	StatusFailed    Status = "failed"
)

// AttestationType enumerates the attestation kinds consulted by the
// finalization sweep.
type AttestationType string

const (
	AttestationAuditPass  AttestationType = "AUDIT_PASS"
	AttestationAccepted   AttestationType = "ACCEPTED"
	AttestationSafetyPass AttestationType = "SAFETY_PASS"
)

// Attestation is one signed claim about a TaskReceipt.
type Attestation struct {
	ID         string
	TaskID     string // == Receipt.ID
	ByDID      string
	Type       AttestationType
	Score      *float64
	Confidence *float64
	CreatedAt  time.Time
}

// Receipt records a piece of agent work.
type Receipt struct {
	ID             string
	NegotiationID  string
	IntentID       string
	AgentDID       string
	ClientDID      string
	AmountAtomic   int64
	Status         Status
	Committee      []string
	K              int
	M              int
	CommitteeSeed  string
	LatencyMs      float64
	FinalizedAt    *time.Time
	Attestations   []Attestation
}

func errNotFound(format string, args ...any) error {
	return errs.New("NOT_FOUND", format, args...)
}

// CommitteeSeed computes the deterministic seed for a receipt's
// committee sampling: H(receipt.id || salt).
func CommitteeSeed(receiptID, salt string) string {
	sum := sha256.Sum256([]byte(receiptID + salt))
	return hexEncode(sum[:])
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xf]
	}
	return string(out)
}

// seededPRNG is a deterministic HMAC-SHA256 counter-mode generator:
// value_n = HMAC-SHA256(seed, counter_n), counter starting at 1.
type seededPRNG struct {
	seed    []byte
	counter uint64
}

func newSeededPRNG(seed string) *seededPRNG {
	return &seededPRNG{seed: []byte(seed)}
}

func (p *seededPRNG) next() uint64 {
	p.counter++
	counterBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(counterBytes, p.counter)
	h := hmac.New(sha256.New, p.seed)
	h.Write(counterBytes)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

func (p *seededPRNG) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(p.next() % uint64(n))
}

// SampleCommittee deterministically picks m distinct DIDs from roster,
// seeded by seed, using a Fisher-Yates partial shuffle over a sorted
// copy of the roster (sorting first makes the result independent of
// map/slice iteration order, a prerequisite for reproducibility).
func SampleCommittee(roster []string, m int, seed string) []string {
	if m > len(roster) {
		m = len(roster)
	}
	sorted := append([]string(nil), roster...)
	sort.Strings(sorted)

	prng := newSeededPRNG(seed)
	for i := 0; i < m; i++ {
		j := i + prng.intn(len(sorted)-i)
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	return append([]string(nil), sorted[:m]...)
}

// Store is the persistence interface for receipts.
type Store interface {
	Create(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	Update(ctx context.Context, r *Receipt) error
	AddAttestation(ctx context.Context, a Attestation) error
	ListPending(ctx context.Context, limit int) ([]*Receipt, error)
}

// Engine creates receipts, ingests attestations, and runs the
// finalization sweep.
type Engine struct {
	store        Store
	activeRoster func(ctx context.Context) ([]string, error)
	salt         string
	onFinalize   func(ctx context.Context, r *Receipt)
}

func NewEngine(store Store, activeRoster func(ctx context.Context) ([]string, error), salt string) *Engine {
	return &Engine{store: store, activeRoster: activeRoster, salt: salt}
}

// OnFinalize registers the hook invoked once per receipt that
// transitions to finalized (wired to C9 reputation updates by the
// composition root).
func (e *Engine) OnFinalize(fn func(ctx context.Context, r *Receipt)) {
	e.onFinalize = fn
}

// CreateReceipt creates a pending receipt, sampling a committee when
// none is supplied.
func (e *Engine) CreateReceipt(ctx context.Context, r *Receipt) (*Receipt, error) {
	if r.Status == "" {
		r.Status = StatusPending
	}
	if len(r.Committee) == 0 {
		roster, err := e.activeRoster(ctx)
		if err != nil {
			return nil, err
		}
		r.CommitteeSeed = CommitteeSeed(r.ID, e.salt)
		r.Committee = SampleCommittee(roster, r.M, r.CommitteeSeed)
	}
	if err := e.store.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Attest ingests one attestation, validating (task_id, by_did, type)
// uniqueness and that the receipt exists.
func (e *Engine) Attest(ctx context.Context, a Attestation) error {
	r, err := e.store.Get(ctx, a.TaskID)
	if err != nil {
		return errNotFound("no receipt %s", a.TaskID)
	}
	for _, existing := range r.Attestations {
		if existing.ByDID == a.ByDID && existing.Type == a.Type {
			return errs.New("INVALID_REQUEST", "duplicate attestation (%s, %s, %s)", a.TaskID, a.ByDID, a.Type)
		}
	}
	return e.store.AddAttestation(ctx, a)
}

// qualifyingCount counts attestations that count toward quorum:
// AUDIT_PASS restricted to committee members, plus any client ACCEPTED
// attestation.
func qualifyingCount(r *Receipt) int {
	committee := make(map[string]struct{}, len(r.Committee))
	for _, did := range r.Committee {
		committee[did] = struct{}{}
	}
	count := 0
	for _, a := range r.Attestations {
		switch a.Type {
		case AttestationAuditPass:
			if _, ok := committee[a.ByDID]; ok {
				count++
			}
		case AttestationAccepted:
			if a.ByDID == r.ClientDID {
				count++
			}
		}
	}
	return count
}

// FinalizeIfQuorum transitions a pending receipt to finalized once
// qualifyingCount reaches its k. Returns QUORUM_NOT_MET if called
// manually before quorum.
func (e *Engine) FinalizeIfQuorum(ctx context.Context, receiptID string, manual bool) (*Receipt, error) {
	r, err := e.store.Get(ctx, receiptID)
	if err != nil {
		return nil, errNotFound("no receipt %s", receiptID)
	}
	if r.Status != StatusPending {
		return r, nil // disputes/failed/finalized are sweep-stable
	}
	count := qualifyingCount(r)
	k := r.K
	if k <= 0 {
		k = 3
	}
	if count < k {
		if manual {
			return nil, errs.New("QUORUM_NOT_MET", "receipt %s has %d/%d qualifying attestations", receiptID, count, k)
		}
		return r, nil
	}
	now := time.Now()
	r.Status = StatusFinalized
	r.FinalizedAt = &now
	if err := e.store.Update(ctx, r); err != nil {
		return nil, err
	}
	if e.onFinalize != nil {
		e.onFinalize(ctx, r)
	}
	return r, nil
}

// Sweep runs the periodic finalization pass over up to limit pending
// receipts.
func (e *Engine) Sweep(ctx context.Context, limit int) (finalized int, err error) {
	pending, err := e.store.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, r := range pending {
		updated, ferr := e.FinalizeIfQuorum(ctx, r.ID, false)
		if ferr != nil {
			continue
		}
		if updated != nil && updated.Status == StatusFinalized {
			finalized++
		}
	}
	return finalized, nil
}
