package discovery

import (
	"context"
	"sync"
	"time"
)

type agentRecord struct {
	caps      []Capability
	expiresAt time.Time
	signals   AgentSignals
}

// FlatStore is a brute-force in-memory Store: cosine distance computed
// against every stored capability. Fine for tests and small deployments;
// Postgres/pgvector (PostgresStore) is the scalable backend.
type FlatStore struct {
	mu     sync.RWMutex
	agents map[string]*agentRecord
	// Signals is consulted for trust/usefulness; tests can mutate it
	// directly since FlatStore is test/dev-profile only.
	Signals map[string]AgentSignals
}

func NewFlatStore() *FlatStore {
	return &FlatStore{
		agents:  make(map[string]*agentRecord),
		Signals: make(map[string]AgentSignals),
	}
}

func (f *FlatStore) Advertise(ctx context.Context, agentDID string, caps []Capability, ttl time.Duration) error {
	for i := range caps {
		if len(caps[i].Embedding) == 0 {
			return errInvalidCapability("capability %q for %s has no embedding and no embedder is configured", caps[i].Description, agentDID)
		}
		caps[i].AgentDID = agentDID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[agentDID] = &agentRecord{
		caps:      caps,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (f *FlatStore) signalsFor(did string) AgentSignals {
	if s, ok := f.Signals[did]; ok {
		return s
	}
	return AgentSignals{}
}

func (f *FlatStore) Search(ctx context.Context, q Query, w Weights) ([]Ranked, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := time.Now()
	wantTags := make(map[string]struct{}, len(q.Tags))
	for _, tg := range q.Tags {
		wantTags[tg] = struct{}{}
	}

	var out []Ranked
	for did, rec := range f.agents {
		if !rec.expiresAt.After(now) {
			continue
		}
		signals := f.signalsFor(did)
		if signals.Trust < q.MinTrust {
			continue
		}
		for _, cap := range rec.caps {
			if len(wantTags) > 0 && !hasAnyTag(cap.Tags, wantTags) {
				continue
			}
			sim := CosineSimilarity(q.Embedding, cap.Embedding)
			if sim < q.MinSimilarity {
				continue
			}
			out = append(out, Ranked{
				Capability: cap,
				Similarity: sim,
				Trust:      signals.Trust,
				Usefulness: signals.Usefulness,
				Rank:       Rank(sim, signals.Trust, signals.Usefulness, w),
			})
		}
	}

	sortRanked(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func hasAnyTag(have map[string]struct{}, want map[string]struct{}) bool {
	for tg := range want {
		if _, ok := have[tg]; ok {
			return true
		}
	}
	return false
}

func (f *FlatStore) UpdateSignals(ctx context.Context, agentDID string, signals AgentSignals) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Signals[agentDID] = signals
	return nil
}

func (f *FlatStore) ListAgentDIDs(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	dids := make([]string, 0, len(f.agents))
	for did := range f.agents {
		dids = append(dids, did)
	}
	return dids, nil
}

func (f *FlatStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for did, rec := range f.agents {
		if !rec.expiresAt.After(now) {
			delete(f.agents, did)
			n++
		}
	}
	return n, nil
}
