package costs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable, single-file cost ledger. Suited to
// single-instance deployments; multi-instance setups should point every
// gateway at a shared relational store instead.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cost_entries (
	id            TEXT PRIMARY KEY,
	ts            TIMESTAMP NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	tenant_id     TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	input_cost    REAL NOT NULL DEFAULT 0,
	output_cost   REAL NOT NULL DEFAULT 0,
	total_cost    REAL NOT NULL DEFAULT 0,
	request_id    TEXT NOT NULL,
	cached        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cost_entries_tenant_ts ON cost_entries (tenant_id, ts);
CREATE INDEX IF NOT EXISTS idx_cost_entries_user_ts ON cost_entries (user_id, ts);
`

// OpenSQLiteStore opens (and migrates) the ledger at path. Use
// ":memory:" for an ephemeral ledger.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("costs: open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("costs: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Append(ctx context.Context, e CostEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_entries
			(id, ts, provider, model, user_id, tenant_id, input_tokens, output_tokens,
			 input_cost, output_cost, total_cost, request_id, cached)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.Provider, e.Model, e.UserID, e.TenantID,
		e.InputTokens, e.OutputTokens, e.InputCost, e.OutputCost, e.TotalCost,
		e.RequestID, boolToInt(e.Cached))
	if err != nil {
		return fmt.Errorf("costs: append entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Total(ctx context.Context, scope Scope, scopeID string, since time.Time) (float64, error) {
	query := `SELECT COALESCE(SUM(total_cost), 0) FROM cost_entries WHERE ts >= ?`
	args := []any{since}
	switch scope {
	case ScopeUser:
		query += ` AND user_id = ?`
		args = append(args, scopeID)
	case ScopeTenant:
		query += ` AND tenant_id = ?`
		args = append(args, scopeID)
	}

	var total float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("costs: total: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) Entries(ctx context.Context, tenantID string, since time.Time) ([]CostEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, provider, model, user_id, tenant_id, input_tokens, output_tokens,
		       input_cost, output_cost, total_cost, request_id, cached
		FROM cost_entries
		WHERE tenant_id = ? AND ts >= ?
		ORDER BY ts DESC`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("costs: entries: %w", err)
	}
	defer rows.Close()

	var out []CostEntry
	for rows.Next() {
		var e CostEntry
		var cached int
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Provider, &e.Model, &e.UserID, &e.TenantID,
			&e.InputTokens, &e.OutputTokens, &e.InputCost, &e.OutputCost, &e.TotalCost,
			&e.RequestID, &cached); err != nil {
			return nil, fmt.Errorf("costs: scan entry: %w", err)
		}
		e.Cached = cached != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
