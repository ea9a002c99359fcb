package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enrich/internal/cache"
	"github.com/sells-group/catalog-enrich/internal/embed"
	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/resilience"
)

var (
	_ Store             = (*SQLiteStore)(nil)
	_ Store             = (*PostgresStore)(nil)
	_ cache.Overflow    = (*SQLiteStore)(nil)
	_ cache.VectorIndex = (*SQLiteStore)(nil)
	_ cache.Overflow    = (*PostgresStore)(nil)
	_ cache.VectorIndex = (*PostgresStore)(nil)
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func cokeResult() *model.EnrichmentResult {
	return &model.EnrichmentResult{
		Brand:          "COCA-COLA",
		Model:          "classic",
		NormalizedName: "Coca-Cola Classic 600ml",
		Attributes:     map[string]string{"volume": "600ml"},
		Confidence:     0.92,
	}
}

// --- Exact-cache overflow ---

func TestSQLite_Result_SetAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.SetResult(ctx, model.CacheEntry{
		Key: "fp-1", Category: "beverages", Value: cokeResult(), CreatedAt: created, TTL: 72 * time.Hour,
	}))

	got, err := st.GetResult(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "beverages", got.Category)
	assert.Equal(t, "COCA-COLA", got.Value.Brand)
	assert.Equal(t, "600ml", got.Value.Attributes["volume"])
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Equal(t, 72*time.Hour, got.TTL)
}

func TestSQLite_Result_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)
	got, err := st.GetResult(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_Result_OverwriteAndBulk(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SetResult(ctx, model.CacheEntry{Key: "fp", Category: "beverages", Value: cokeResult(), CreatedAt: now, TTL: time.Hour}))
	updated := cokeResult()
	updated.Model = "zero"
	n, err := st.SetResults(ctx, []model.CacheEntry{
		{Key: "fp", Category: "beverages", Value: updated, CreatedAt: now, TTL: time.Hour},
		{Key: "fp-2", Category: "beverages", Value: cokeResult(), CreatedAt: now, TTL: time.Hour},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := st.GetResult(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "zero", got.Value.Model)

	n, err = st.SetResults(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_Result_DeleteExpired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SetResult(ctx, model.CacheEntry{Key: "old", Category: "groceries", Value: cokeResult(), CreatedAt: now.Add(-2 * time.Hour), TTL: 90 * time.Minute}))
	require.NoError(t, st.SetResult(ctx, model.CacheEntry{Key: "fresh", Category: "groceries", Value: cokeResult(), CreatedAt: now, TTL: 90 * time.Minute}))

	n, err := st.DeleteExpiredResults(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetResult(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = st.GetResult(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// --- Semantic index ---

func TestSQLite_Vector_SearchAndPrune(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	e := embed.NewHashEmbedder(0)

	vec := func(s string) []float32 {
		v, err := e.Embed(ctx, s)
		require.NoError(t, err)
		return v
	}
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, st.Upsert(ctx, model.VectorEntry{
		Key: "s24", Category: "smartphones", Text: "samsung galaxy s24 smartphones capacity 256gb",
		Vector: vec("samsung galaxy s24 smartphones capacity 256gb"), Value: cokeResult(), CreatedAt: old,
	}))
	require.NoError(t, st.Upsert(ctx, model.VectorEntry{
		Key: "coke", Category: "beverages", Text: "coca cola classic beverages volume 600ml",
		Vector: vec("coca cola classic beverages volume 600ml"), Value: cokeResult(), CreatedAt: old,
	}))

	m, err := st.Search(ctx, "smartphones", vec("samsung galaxy s24 black smartphones capacity 256gb"), 0.85)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "s24", m.Key)
	assert.Greater(t, m.Similarity, 0.85)

	m, err = st.Search(ctx, "beverages", vec("samsung galaxy s24 smartphones capacity 256gb"), 0.85)
	require.NoError(t, err)
	assert.Nil(t, m, "other categories never match")

	n, err := st.Prune(ctx, 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the unhit row is pruned")

	m, err = st.Search(ctx, "smartphones", vec("samsung galaxy s24 smartphones capacity 256gb"), 0.85)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

// --- Batch jobs ---

func TestSQLite_Jobs_SaveAdvanceList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &model.BatchJob{
		Tier:          model.TierEconomy,
		RecordIDs:     []string{"r1", "r2"},
		Status:        model.JobPending,
		EstimatedCost: 0.12,
		CreatedAt:     now,
	}
	require.NoError(t, st.SaveJob(ctx, job))
	require.NotEmpty(t, job.ID)

	require.NoError(t, job.Advance(model.JobSubmitted, now))
	job.ProviderID = "msgbatch_123"
	require.NoError(t, st.SaveJob(ctx, job))
	require.NoError(t, job.Advance(model.JobCompleted, now.Add(time.Minute)))
	job.ActualCost = 0.05
	require.NoError(t, st.SaveJob(ctx, job))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, "msgbatch_123", got.ProviderID)
	assert.Equal(t, []string{"r1", "r2"}, got.RecordIDs)
	assert.InDelta(t, 0.05, got.ActualCost, 1e-9)
	require.NotNil(t, got.CompletedAt)

	other := &model.BatchJob{Tier: model.TierStandard, RecordIDs: []string{"r3"}, Status: model.JobPending, CreatedAt: now}
	require.NoError(t, st.SaveJob(ctx, other))

	done, err := st.ListJobs(ctx, JobFilter{Status: model.JobCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, job.ID, done[0].ID)

	t2, err := st.ListJobs(ctx, JobFilter{Tier: model.TierStandard})
	require.NoError(t, err)
	require.Len(t, t2, 1)
	assert.Equal(t, other.ID, t2[0].ID)
}

func TestSQLite_Jobs_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch job not found")
}

// --- Dead letter queue ---

func TestSQLite_DLQ_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{
		ID:           "dlq-1",
		Record:       model.Record{ID: "r1", Name: "Coca Cola 600ml", Retailer: "walmart"},
		Fingerprint:  "fp-1",
		LastTier:     model.TierLegacyPremium,
		Error:        "503 Service Unavailable",
		ErrorType:    resilience.ErrorTypeTransient,
		MaxRetries:   3,
		NextRetryAt:  now.Add(-time.Minute),
		CreatedAt:    now,
		LastFailedAt: now,
	}))
	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{
		ID:          "dlq-2",
		Record:      model.Record{ID: "r2", Name: "???"},
		Error:       "missing brand",
		ErrorType:   resilience.ErrorTypeStructural,
		MaxRetries:  3,
		NextRetryAt: now.Add(-time.Minute),
		CreatedAt:   now,
	}))

	count, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: resilience.ErrorTypeTransient})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].Record.ID)
	assert.Equal(t, model.TierLegacyPremium, entries[0].LastTier)

	require.NoError(t, st.IncrementDLQRetry(ctx, "dlq-1", now.Add(time.Hour), "still down"))
	entries, err = st.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: resilience.ErrorTypeTransient})
	require.NoError(t, err)
	assert.Empty(t, entries, "next retry is in the future")

	require.Error(t, st.IncrementDLQRetry(ctx, "missing", now, "x"))

	require.NoError(t, st.RemoveDLQ(ctx, "dlq-2"))
	count, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
