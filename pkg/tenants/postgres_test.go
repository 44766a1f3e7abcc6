package tenants

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id", "name", "status", "allowed_providers", "allowed_models", "quotas", "policy_ids", "created_at", "updated_at"}).
		AddRow("acme", "Acme Corp", "active",
			pq.StringArray{"openai"}, pq.StringArray{"gpt-4o"},
			[]byte(`{"max_requests_per_hour": 100}`), pq.StringArray{"p1"},
			time.Now(), time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("FROM tenants WHERE id = $1")).
		WithArgs("acme").
		WillReturnRows(rows)

	tenant, err := store.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant.ID)
	assert.Equal(t, StatusActive, tenant.Status)
	assert.Equal(t, []string{"openai"}, tenant.AllowedProviders)
	assert.Equal(t, int64(100), tenant.Quotas.MaxRequestsPerHour)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tenants WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "allowed_providers", "allowed_models", "quotas", "policy_ids", "created_at", "updated_at"}))

	_, err = store.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStorePut(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tenants")).
		WithArgs("acme", "Acme Corp", "active",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Put(context.Background(), &Tenant{
		ID:     "acme",
		Name:   "Acme Corp",
		Status: StatusActive,
		Quotas: Quotas{MaxRequestsPerHour: 100},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreDeleteNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM tenants WHERE id = $1")).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, store.Delete(context.Background(), "ghost"), ErrNotFound)
}

func TestPostgresUsageStoreUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresUsageStore(db)
	start := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_buckets")).
		WithArgs("acme", "hour", start, int64(3), int64(750), 0.05,
			int64(1), int64(2), int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Upsert(context.Background(), &UsageBucket{
		Subject: "acme", Period: PeriodHour, PeriodStart: start,
		Requests: 3, Tokens: 750, Cost: 0.05, CacheHits: 1, CacheMisses: 2,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUsageStoreDeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresUsageStore(db)
	cutoff := time.Now().Add(-31 * 24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM usage_buckets WHERE period_start < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
