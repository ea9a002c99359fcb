// Package store persists what must outlive the process: exact-cache
// overflow rows, the semantic vector index, bulk job state, and the dead
// letter queue. PostgresStore is the production backend; SQLiteStore serves
// single-node and development use behind the same interfaces.
package store

import (
	"context"
	"time"

	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/resilience"
)

// DefaultVectorDim is the embedding width of the vector column.
const DefaultVectorDim = 512

// JobFilter specifies criteria for listing batch jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Tier   model.Tier      `json:"tier,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// ResultStore is the exact-cache overflow table. GetResult returns nil, nil
// when the fingerprint is absent; expiry is left to the caller.
type ResultStore interface {
	GetResult(ctx context.Context, fingerprint string) (*model.CacheEntry, error)
	SetResult(ctx context.Context, entry model.CacheEntry) error
	SetResults(ctx context.Context, entries []model.CacheEntry) (int64, error)
	DeleteExpiredResults(ctx context.Context, now time.Time) (int, error)
}

// VectorStore is the semantic index. Search returns nil, nil when no row in
// the category reaches minSimilarity.
type VectorStore interface {
	Upsert(ctx context.Context, entry model.VectorEntry) error
	Search(ctx context.Context, category string, vec []float32, minSimilarity float64) (*model.SimilarMatch, error)
	Prune(ctx context.Context, minHits int64, olderThan time.Time) (int, error)
}

// JobStore records bulk jobs and their transitions.
type JobStore interface {
	SaveJob(ctx context.Context, job *model.BatchJob) error
	GetJob(ctx context.Context, id string) (*model.BatchJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.BatchJob, error)
}

// DLQStore holds records that exhausted their fallback chain.
type DLQStore interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)
}

// Store is the full persistence surface.
type Store interface {
	ResultStore
	VectorStore
	JobStore
	DLQStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
