package tenants

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
//
// Schema:
//
//	CREATE TABLE tenants (
//	    id                TEXT PRIMARY KEY,
//	    name              TEXT NOT NULL,
//	    status            TEXT NOT NULL,
//	    allowed_providers TEXT[] NOT NULL DEFAULT '{}',
//	    allowed_models    TEXT[] NOT NULL DEFAULT '{}',
//	    quotas            JSONB NOT NULL DEFAULT '{}',
//	    policy_ids        TEXT[] NOT NULL DEFAULT '{}',
//	    created_at        TIMESTAMPTZ NOT NULL,
//	    updated_at        TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, allowed_providers, allowed_models, quotas, policy_ids, created_at, updated_at
		 FROM tenants WHERE id = $1`, id)

	var t Tenant
	var quotasRaw []byte
	err := row.Scan(&t.ID, &t.Name, &t.Status,
		pq.Array(&t.AllowedProviders), pq.Array(&t.AllowedModels),
		&quotasRaw, pq.Array(&t.PolicyIDs), &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("tenants: get %s: %w", id, err)
	}
	if len(quotasRaw) > 0 {
		if err := json.Unmarshal(quotasRaw, &t.Quotas); err != nil {
			return nil, fmt.Errorf("tenants: decode quotas for %s: %w", id, err)
		}
	}
	return &t, nil
}

func (s *PostgresStore) Put(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("tenants: id must not be empty")
	}
	quotasRaw, err := json.Marshal(t.Quotas)
	if err != nil {
		return fmt.Errorf("tenants: encode quotas: %w", err)
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, status, allowed_providers, allowed_models, quotas, policy_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			allowed_providers = EXCLUDED.allowed_providers,
			allowed_models = EXCLUDED.allowed_models,
			quotas = EXCLUDED.quotas,
			policy_ids = EXCLUDED.policy_ids,
			updated_at = NOW()`,
		t.ID, t.Name, t.Status,
		pq.Array(t.AllowedProviders), pq.Array(t.AllowedModels),
		quotasRaw, pq.Array(t.PolicyIDs), createdAt)
	if err != nil {
		return fmt.Errorf("tenants: put %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, allowed_providers, allowed_models, quotas, policy_ids, created_at, updated_at
		 FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("tenants: list: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		var t Tenant
		var quotasRaw []byte
		if err := rows.Scan(&t.ID, &t.Name, &t.Status,
			pq.Array(&t.AllowedProviders), pq.Array(&t.AllowedModels),
			&quotasRaw, pq.Array(&t.PolicyIDs), &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("tenants: scan: %w", err)
		}
		if len(quotasRaw) > 0 {
			if err := json.Unmarshal(quotasRaw, &t.Quotas); err != nil {
				return nil, fmt.Errorf("tenants: decode quotas for %s: %w", t.ID, err)
			}
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("tenants: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// PostgresUsageStore implements UsageStore.
//
// Schema:
//
//	CREATE TABLE usage_buckets (
//	    subject      TEXT NOT NULL,
//	    period       TEXT NOT NULL,
//	    period_start TIMESTAMPTZ NOT NULL,
//	    requests     BIGINT NOT NULL DEFAULT 0,
//	    tokens       BIGINT NOT NULL DEFAULT 0,
//	    cost         DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    cache_hits   BIGINT NOT NULL DEFAULT 0,
//	    cache_misses BIGINT NOT NULL DEFAULT 0,
//	    blocked      BIGINT NOT NULL DEFAULT 0,
//	    errors       BIGINT NOT NULL DEFAULT 0,
//	    PRIMARY KEY (subject, period, period_start)
//	);
type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

func (s *PostgresUsageStore) Upsert(ctx context.Context, b *UsageBucket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_buckets (subject, period, period_start, requests, tokens, cost, cache_hits, cache_misses, blocked, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (subject, period, period_start) DO UPDATE SET
			requests = EXCLUDED.requests,
			tokens = EXCLUDED.tokens,
			cost = EXCLUDED.cost,
			cache_hits = EXCLUDED.cache_hits,
			cache_misses = EXCLUDED.cache_misses,
			blocked = EXCLUDED.blocked,
			errors = EXCLUDED.errors`,
		b.Subject, b.Period, b.PeriodStart, b.Requests, b.Tokens, b.Cost,
		b.CacheHits, b.CacheMisses, b.Blocked, b.Errors)
	if err != nil {
		return fmt.Errorf("tenants: upsert bucket: %w", err)
	}
	return nil
}

func (s *PostgresUsageStore) Load(ctx context.Context, subject string) ([]*UsageBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, period, period_start, requests, tokens, cost, cache_hits, cache_misses, blocked, errors
		FROM usage_buckets WHERE subject = $1 ORDER BY period_start`, subject)
	if err != nil {
		return nil, fmt.Errorf("tenants: load buckets: %w", err)
	}
	defer rows.Close()

	var out []*UsageBucket
	for rows.Next() {
		var b UsageBucket
		if err := rows.Scan(&b.Subject, &b.Period, &b.PeriodStart, &b.Requests, &b.Tokens,
			&b.Cost, &b.CacheHits, &b.CacheMisses, &b.Blocked, &b.Errors); err != nil {
			return nil, fmt.Errorf("tenants: scan bucket: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *PostgresUsageStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_buckets WHERE period_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("tenants: retention delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("tenants: retention count: %w", err)
	}
	return n, nil
}
