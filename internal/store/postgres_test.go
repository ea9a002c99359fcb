package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, dim: DefaultVectorDim}
	return s, mock
}

func TestPostgresStore_Migrate_VectorDim(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE EXTENSION IF NOT EXISTS vector(.|\n)*vector\(512\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetResult_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT fingerprint, category, value, created_at, expires_at, hit_count FROM enrich_results`).
		WithArgs("unknown").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetResult(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetResult_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"fingerprint", "category", "value", "created_at", "expires_at", "hit_count"}).
		AddRow("fp-1", "beverages", []byte(`{"brand":"PEPSI","model":"black","normalized_name":"Pepsi Black","attributes":{"volume":"600ml"},"confidence":0.9}`),
			created, created.Add(72*time.Hour), int64(4))
	mock.ExpectQuery(`FROM enrich_results WHERE fingerprint = \$1`).WithArgs("fp-1").WillReturnRows(rows)

	got, err := s.GetResult(context.Background(), "fp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "PEPSI", got.Value.Brand)
	assert.Equal(t, 72*time.Hour, got.TTL)
	assert.Equal(t, int64(4), got.HitCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetResult_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO enrich_results(.|\n)*ON CONFLICT \(fingerprint\)`).
		WithArgs("fp-1", "beverages", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SetResult(context.Background(), model.CacheEntry{
		Key: "fp-1", Category: "beverages", Value: &model.EnrichmentResult{Brand: "PEPSI"}, CreatedAt: created, TTL: time.Hour,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetResults_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_enrich_results"}, []string{"fingerprint", "category", "value", "created_at", "expires_at"}).
		WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.SetResults(context.Background(), []model.CacheEntry{
		{Key: "a", Category: "beverages", Value: &model.EnrichmentResult{Brand: "PEPSI"}, CreatedAt: now, TTL: time.Hour},
		{Key: "b", Category: "beverages", Value: &model.EnrichmentResult{Brand: "COCA-COLA"}, CreatedAt: now, TTL: time.Hour},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpiredResults(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`DELETE FROM enrich_results WHERE expires_at < \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := s.DeleteExpiredResults(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Search_UsesCosineOperator(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"fingerprint", "value", "similarity"}).
		AddRow("fp-9", []byte(`{"brand":"SAMSUNG","model":"galaxy s24"}`), 0.93)
	mock.ExpectQuery(`UPDATE enrich_vectors SET hit_count = hit_count \+ 1(.|\n)*embedding <=> \$2::vector`).
		WithArgs("smartphones", "[1,0]", 0.85).
		WillReturnRows(rows)

	m, err := s.Search(context.Background(), "smartphones", []float32{1, 0}, 0.85)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "fp-9", m.Key)
	assert.InDelta(t, 0.93, m.Similarity, 1e-9)
	assert.Equal(t, "SAMSUNG", m.Value.Brand)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Search_NoMatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE enrich_vectors`).
		WithArgs("smartphones", pgxmock.AnyArg(), 0.85).
		WillReturnError(pgx.ErrNoRows)

	m, err := s.Search(context.Background(), "smartphones", []float32{1, 0}, 0.85)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Search_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE enrich_vectors`).WillReturnError(errors.New("connection reset"))

	_, err := s.Search(context.Background(), "smartphones", []float32{1, 0}, 0.85)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search vectors")
}

func TestPostgresStore_Prune(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Now().UTC()

	mock.ExpectExec(`DELETE FROM enrich_vectors WHERE hit_count < \$1 AND created_at < \$2`).
		WithArgs(int64(2), cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.Prune(context.Background(), 2, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveJob_AssignsID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO batch_jobs(.|\n)*ON CONFLICT \(id\)`).
		WithArgs(pgxmock.AnyArg(), "", 1, pgxmock.AnyArg(), "pending", 0.1, 0.0, "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job := &model.BatchJob{Tier: model.TierEconomy, RecordIDs: []string{"r1"}, Status: model.JobPending, EstimatedCost: 0.1, CreatedAt: time.Now()}
	require.NoError(t, s.SaveJob(context.Background(), job))
	assert.NotEmpty(t, job.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO dead_letter_queue`).
		WithArgs("dlq-1", pgxmock.AnyArg(), "fp", 4, "boom", "permanent", 0, 3,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.EnqueueDLQ(context.Background(), resilience.DLQEntry{
		ID: "dlq-1", Record: model.Record{ID: "r1"}, Fingerprint: "fp", LastTier: model.TierLegacyPremium,
		Error: "boom", ErrorType: resilience.ErrorTypePermanent, MaxRetries: 3,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM dead_letter_queue`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))

	n, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
