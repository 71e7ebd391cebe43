package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ainp-network/broker/internal/errs"
	"github.com/lib/pq"
)

// PostgresStore backs capability rows with a pgvector `vector(1536)`
// column and ranks via the `<=>` cosine-distance operator, joining in
// trust/usefulness from the agents table.
type PostgresStore struct {
	db  *sql.DB
	dim int
}

func NewPostgresStore(db *sql.DB, dim int) *PostgresStore {
	return &PostgresStore{db: db, dim: dim}
}

const pgDiscoverySchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS discovery_agents (
	agent_did  TEXT PRIMARY KEY,
	trust      DOUBLE PRECISION NOT NULL DEFAULT 0,
	usefulness DOUBLE PRECISION NOT NULL DEFAULT 0,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS discovery_capabilities (
	id           TEXT PRIMARY KEY,
	agent_did    TEXT NOT NULL REFERENCES discovery_agents(agent_did) ON DELETE CASCADE,
	description  TEXT NOT NULL,
	embedding    vector(%d) NOT NULL,
	tags         TEXT[] NOT NULL DEFAULT '{}',
	version      INT NOT NULL DEFAULT 1,
	evidence_ref TEXT,
	UNIQUE(agent_did, description)
);
`

func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(pgDiscoverySchema, p.dim))
	return err
}

func vecLiteral(e Embedding) string {
	parts := make([]string, len(e))
	for i, f := range e {
		parts[i] = fmt.Sprintf("%v", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (p *PostgresStore) Advertise(ctx context.Context, agentDID string, caps []Capability, ttl time.Duration) error {
	for _, c := range caps {
		if len(c.Embedding) == 0 {
			return errInvalidCapability("capability %q for %s has no embedding and no embedder is configured", c.Description, agentDID)
		}
		if len(c.Embedding) != p.dim {
			return errInvalidCapability("capability %q embedding has dimension %d, expected %d", c.Description, len(c.Embedding), p.dim)
		}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New("INTERNAL_ERROR", "begin tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	expiresAt := time.Now().Add(ttl)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO discovery_agents (agent_did, expires_at) VALUES ($1, $2)
		ON CONFLICT (agent_did) DO UPDATE SET expires_at = $2`, agentDID, expiresAt)
	if err != nil {
		return errs.New("INTERNAL_ERROR", "upsert agent: %v", err)
	}

	// Replace the full capability set atomically: delete then reinsert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM discovery_capabilities WHERE agent_did = $1`, agentDID); err != nil {
		return errs.New("INTERNAL_ERROR", "clear capabilities: %v", err)
	}
	for _, c := range caps {
		tagArr := "{" + strings.Join(tagSlice(c.Tags), ",") + "}"
		_, err := tx.ExecContext(ctx, `
			INSERT INTO discovery_capabilities (id, agent_did, description, embedding, tags, version, evidence_ref)
			VALUES ($1, $2, $3, $4::vector, $5, $6, $7)`,
			c.ID, agentDID, c.Description, vecLiteral(c.Embedding), tagArr, c.Version, c.EvidenceRef)
		if err != nil {
			return errs.New("INTERNAL_ERROR", "insert capability: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.New("INTERNAL_ERROR", "commit: %v", err)
	}
	return nil
}

func tagSlice(tags map[string]struct{}) []string {
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	return out
}

func (p *PostgresStore) Search(ctx context.Context, q Query, w Weights) ([]Ranked, error) {
	vec := vecLiteral(q.Embedding)
	query := `
		SELECT c.id, c.agent_did, c.description, c.tags, c.version, c.evidence_ref,
		       1 - (c.embedding <=> $1::vector) AS sim,
		       a.trust, a.usefulness
		FROM discovery_capabilities c
		JOIN discovery_agents a ON a.agent_did = c.agent_did
		WHERE a.expires_at > now()
		  AND a.trust >= $2
		  AND (1 - (c.embedding <=> $1::vector)) >= $3
		ORDER BY sim DESC
		LIMIT $4`
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx, query, vec, q.MinTrust, q.MinSimilarity, limit)
	if err != nil {
		return nil, errs.New("INTERNAL_ERROR", "search query: %v", err)
	}
	defer rows.Close()

	wantTags := make(map[string]struct{}, len(q.Tags))
	for _, t := range q.Tags {
		wantTags[t] = struct{}{}
	}

	var out []Ranked
	for rows.Next() {
		var r Ranked
		var tagList pq.StringArray
		if err := rows.Scan(&r.Capability.ID, &r.Capability.AgentDID, &r.Capability.Description,
			&tagList, &r.Capability.Version, &r.Capability.EvidenceRef, &r.Similarity, &r.Trust, &r.Usefulness); err != nil {
			return nil, errs.New("INTERNAL_ERROR", "scan result: %v", err)
		}
		r.Capability.Tags = make(map[string]struct{}, len(tagList))
		for _, t := range tagList {
			r.Capability.Tags[t] = struct{}{}
		}
		if len(wantTags) > 0 && !hasAnyTag(r.Capability.Tags, wantTags) {
			continue
		}
		r.Rank = Rank(r.Similarity, r.Trust, r.Usefulness, w)
		out = append(out, r)
	}
	sortRanked(out)
	return out, rows.Err()
}

func (p *PostgresStore) UpdateSignals(ctx context.Context, agentDID string, signals AgentSignals) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE discovery_agents SET trust = $2, usefulness = $3 WHERE agent_did = $1`,
		agentDID, signals.Trust, signals.Usefulness)
	if err != nil {
		return errs.New("INTERNAL_ERROR", "update signals: %v", err)
	}
	return nil
}

func (p *PostgresStore) ListAgentDIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT agent_did FROM discovery_agents`)
	if err != nil {
		return nil, errs.New("INTERNAL_ERROR", "list agents: %v", err)
	}
	defer rows.Close()
	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, errs.New("INTERNAL_ERROR", "scan agent did: %v", err)
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM discovery_agents WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, errs.New("INTERNAL_ERROR", "purge expired: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.New("INTERNAL_ERROR", "rows affected: %v", err)
	}
	return int(n), nil
}
