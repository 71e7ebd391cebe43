// Package registry implements agent identity: DID identity, a
// derived-never-trusted public-key cache for hot-path signature
// verification, and the first-seen/last-seen/expires_at lifecycle
// advanced by every advertise or explicit registration.
package registry

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/ainp-network/broker/internal/errs"
	"github.com/ainp-network/broker/internal/identity"
)

// Agent is one registered network participant.
type Agent struct {
	DID       string
	PublicKey ed25519.PublicKey // always re-derived from DID, never accepted over the wire
	FirstSeen time.Time
	LastSeen  time.Time
	ExpiresAt time.Time
}

// Store persists Agent rows.
type Store interface {
	// Upsert registers did if absent, or advances LastSeen/ExpiresAt if
	// present: created on first advertise, the row persists, and
	// expires_at advances with every advertise.
	Upsert(ctx context.Context, did string, ttl time.Duration) (*Agent, error)
	Get(ctx context.Context, did string) (*Agent, error)
}

// MemoryStore is an in-process Store used by tests and the dev profile.
type MemoryStore struct {
	mu    sync.Mutex
	byDID map[string]*Agent
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byDID: make(map[string]*Agent), clock: time.Now}
}

func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Upsert(ctx context.Context, did string, ttl time.Duration) (*Agent, error) {
	pub, err := identity.PublicKeyOf(did)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	a, ok := s.byDID[did]
	if !ok {
		a = &Agent{DID: did, PublicKey: pub, FirstSeen: now}
		s.byDID[did] = a
	}
	a.LastSeen = now
	a.ExpiresAt = now.Add(ttl)
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Get(ctx context.Context, did string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byDID[did]
	if !ok {
		return nil, errs.New("NOT_FOUND", "no agent registered for %s", did)
	}
	cp := *a
	return &cp, nil
}

// DefaultTTL is the advertise/registration lease duration applied when
// a caller does not specify one.
const DefaultTTL = 24 * time.Hour
