// Package store holds supporting persistence concerns that don't
// belong to any single domain engine: a hash-chained audit log that
// keeps the broker events appended to it (see the EventType constants)
// as an immutable, independently verifiable event stream, and an
// optional archive sink for finalized receipts.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType categorizes an audit entry.
type EventType string

const (
	EventLedgerMutation     EventType = "LEDGER_MUTATION"
	EventNegotiationSettled EventType = "NEGOTIATION_SETTLED"
	EventReceiptFinalized   EventType = "RECEIPT_FINALIZED"
	EventAgentRegistered    EventType = "AGENT_REGISTERED"
	EventKeyRotated         EventType = "KEY_ROTATED"
)

// Entry is an immutable, hash-chained audit record.
type Entry struct {
	Sequence    uint64                 `json:"sequence"`
	Type        EventType              `json:"type"`
	ContentHash string                 `json:"content_hash"`
	PrevHash    string                 `json:"prev_hash"`
	Timestamp   time.Time              `json:"timestamp"`
	ActorDID    string                 `json:"actor_did,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// AuditLog is an append-only, hash-chained log of broker events.
type AuditLog struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

func NewAuditLog() *AuditLog {
	return &AuditLog{headHash: "genesis", clock: time.Now}
}

// WithClock overrides the clock, for tests.
func (a *AuditLog) WithClock(clock func() time.Time) *AuditLog {
	a.clock = clock
	return a
}

type hashInput struct {
	Seq      uint64                 `json:"seq"`
	Type     EventType              `json:"type"`
	Data     map[string]interface{} `json:"data"`
	PrevHash string                 `json:"prev"`
}

// Append adds an entry to the chain and returns its sequence number.
func (a *AuditLog) Append(ctx context.Context, eventType EventType, actorDID string, data map[string]interface{}) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := uint64(len(a.entries)) + 1
	contentHash, err := computeHash(hashInput{Seq: seq, Type: eventType, Data: data, PrevHash: a.headHash})
	if err != nil {
		return 0, fmt.Errorf("failed to hash audit entry: %w", err)
	}

	entry := Entry{
		Sequence:    seq,
		Type:        eventType,
		ContentHash: contentHash,
		PrevHash:    a.headHash,
		Timestamp:   a.clock(),
		ActorDID:    actorDID,
		Data:        data,
	}
	a.entries = append(a.entries, entry)
	a.headHash = contentHash
	return seq, nil
}

// Get retrieves an entry by sequence number (1-indexed).
func (a *AuditLog) Get(seq uint64) (*Entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if seq == 0 || seq > uint64(len(a.entries)) {
		return nil, fmt.Errorf("audit entry %d not found", seq)
	}
	entry := a.entries[seq-1]
	return &entry, nil
}

// Head returns the current head hash.
func (a *AuditLog) Head() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.headHash
}

// Length returns the number of entries.
func (a *AuditLog) Length() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Verify recomputes every content hash and checks the chain linkage,
// reporting the first break found, if any.
func (a *AuditLog) Verify() (bool, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	prevHash := "genesis"
	for i, entry := range a.entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}
		computed, err := computeHash(hashInput{Seq: entry.Sequence, Type: entry.Type, Data: entry.Data, PrevHash: entry.PrevHash})
		if err != nil {
			return false, fmt.Sprintf("failed to hash entry %d", i+1)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}
	return true, "chain verified"
}

func computeHash(in hashInput) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
