package negotiation

import (
	"context"
	"sync"
	"time"

	"github.com/ainp-network/broker/internal/errs"
)

// MemoryStore is an in-process negotiation Store for tests and the dev
// profile.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.Rounds = append([]Round(nil), s.Rounds...)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return errs.New("INVALID_REQUEST", "session %s already exists", s.ID)
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errs.New("NOT_FOUND", "no negotiation session %s", id)
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return errs.New("NOT_FOUND", "no negotiation session %s", s.ID)
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) ListExpirable(ctx context.Context, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.State == StateAccepted || s.State == StateRejected || s.State == StateExpired {
			continue
		}
		if now.After(s.ExpiresAt) {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}
