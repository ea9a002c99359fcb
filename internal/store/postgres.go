package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enrich/internal/db"
	"github.com/sells-group/catalog-enrich/internal/embed"
	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/resilience"
)

// PostgresStore implements Store using pgxpool and pgvector.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	dim     int
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns  int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns  int32 `yaml:"min_conns" mapstructure:"min_conns"`
	VectorDim int   `yaml:"vector_dim" mapstructure:"vector_dim"`
	// Prepare registers the hot-path statements on every new connection.
	// The schema must already exist.
	Prepare bool `yaml:"prepare" mapstructure:"prepare"`
}

// preparedStatements lists the hot-path queries prepared on each new
// connection.
var preparedStatements = map[string]string{
	"get_result": `SELECT fingerprint, category, value, created_at, expires_at, hit_count FROM enrich_results WHERE fingerprint = $1`,
	"set_result": `INSERT INTO enrich_results (fingerprint, category, value, created_at, expires_at, hit_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fingerprint) DO UPDATE SET category = $2, value = $3, created_at = $4, expires_at = $5`,
	"search_vector": searchVectorSQL,
	"get_job":       `SELECT id, provider_id, tier, record_ids, status, estimated_cost, actual_cost, error, created_at, completed_at FROM batch_jobs WHERE id = $1`,
}

const searchVectorSQL = `UPDATE enrich_vectors SET hit_count = hit_count + 1
	WHERE fingerprint = (
		SELECT fingerprint FROM enrich_vectors
		WHERE category = $1 AND 1 - (embedding <=> $2::vector) >= $3
		ORDER BY embedding <=> $2::vector
		LIMIT 1
	)
	RETURNING fingerprint, value, 1 - (embedding <=> $2::vector)`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	dim := DefaultVectorDim
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		if poolCfg.VectorDim > 0 {
			dim = poolCfg.VectorDim
		}
		if poolCfg.Prepare {
			prepareOnConnect(pgxCfg)
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, dim: dim}, nil
}

func prepareOnConnect(pgxCfg *pgxpool.Config) {
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}
}

// Pool returns the underlying pool for subsystems that write directly,
// such as the metrics COPY flush.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func postgresMigration(dim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS enrich_results (
	fingerprint TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	value       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL,
	hit_count   BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_enrich_results_expires_at ON enrich_results(expires_at);

CREATE TABLE IF NOT EXISTS enrich_vectors (
	fingerprint TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	text        TEXT NOT NULL,
	embedding   vector(%d) NOT NULL,
	value       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	hit_count   BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_enrich_vectors_category ON enrich_vectors(category);
CREATE INDEX IF NOT EXISTS idx_enrich_vectors_embedding ON enrich_vectors USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS batch_jobs (
	id             TEXT PRIMARY KEY,
	provider_id    TEXT NOT NULL DEFAULT '',
	tier           INTEGER NOT NULL,
	record_ids     JSONB NOT NULL,
	status         TEXT NOT NULL,
	estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	actual_cost    DOUBLE PRECISION NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status);

CREATE TABLE IF NOT EXISTS request_metrics (
	recorded_at   TIMESTAMPTZ NOT NULL,
	record_key    TEXT NOT NULL,
	tier          TEXT NOT NULL,
	source        TEXT NOT NULL,
	status        TEXT NOT NULL,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	bulk          BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_request_metrics_recorded_at ON request_metrics(recorded_at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	record         JSONB NOT NULL,
	fingerprint    TEXT NOT NULL DEFAULT '',
	last_tier      INTEGER NOT NULL DEFAULT 0,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`, dim)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	dim := s.dim
	if dim <= 0 {
		dim = DefaultVectorDim
	}
	_, err := s.pool.Exec(ctx, postgresMigration(dim))
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Exact-cache overflow

func (s *PostgresStore) GetResult(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var valueJSON []byte
	var expiresAt time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT fingerprint, category, value, created_at, expires_at, hit_count FROM enrich_results WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&e.Key, &e.Category, &valueJSON, &e.CreatedAt, &expiresAt, &e.HitCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get result %s", fingerprint)
	}
	e.Value = &model.EnrichmentResult{}
	if err := json.Unmarshal(valueJSON, e.Value); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal result")
	}
	e.TTL = expiresAt.Sub(e.CreatedAt)
	return &e, nil
}

func (s *PostgresStore) SetResult(ctx context.Context, entry model.CacheEntry) error {
	valueJSON, err := json.Marshal(entry.Value)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrich_results (fingerprint, category, value, created_at, expires_at, hit_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (fingerprint) DO UPDATE SET category = $2, value = $3, created_at = $4, expires_at = $5`,
		entry.Key, entry.Category, valueJSON, entry.CreatedAt.UTC(), entry.ExpiresAt().UTC(), entry.HitCount,
	)
	return eris.Wrapf(err, "postgres: set result %s", entry.Key)
}

var resultsTable = db.Table{
	Name:    "enrich_results",
	Columns: []string{"fingerprint", "category", "value", "created_at", "expires_at"},
	Key:     []string{"fingerprint"},
}

// SetResults bulk-upserts entries, used when a bulk job's demultiplexed
// results land in the cache together.
func (s *PostgresStore) SetResults(ctx context.Context, entries []model.CacheEntry) (int64, error) {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		valueJSON, err := json.Marshal(e.Value)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal result")
		}
		rows = append(rows, []any{e.Key, e.Category, valueJSON, e.CreatedAt.UTC(), e.ExpiresAt().UTC()})
	}
	n, err := resultsTable.Upsert(ctx, s.pool, rows)
	return n, eris.Wrap(err, "postgres: set results")
}

func (s *PostgresStore) DeleteExpiredResults(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM enrich_results WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired results")
	}
	return int(tag.RowsAffected()), nil
}

// Semantic index

func (s *PostgresStore) Upsert(ctx context.Context, entry model.VectorEntry) error {
	valueJSON, err := json.Marshal(entry.Value)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal vector value")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrich_vectors (fingerprint, category, text, embedding, value, created_at)
		 VALUES ($1, $2, $3, $4::vector, $5, $6)
		 ON CONFLICT (fingerprint) DO UPDATE SET category = $2, text = $3, embedding = $4::vector, value = $5`,
		entry.Key, entry.Category, entry.Text, embed.Literal(entry.Vector), valueJSON, createdAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert vector %s", entry.Key)
}

func (s *PostgresStore) Search(ctx context.Context, category string, vec []float32, minSimilarity float64) (*model.SimilarMatch, error) {
	var m model.SimilarMatch
	var valueJSON []byte
	err := s.pool.QueryRow(ctx, searchVectorSQL, category, embed.Literal(vec), minSimilarity).
		Scan(&m.Key, &valueJSON, &m.Similarity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: search vectors")
	}
	m.Value = &model.EnrichmentResult{}
	if err := json.Unmarshal(valueJSON, m.Value); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal vector value")
	}
	return &m, nil
}

func (s *PostgresStore) Prune(ctx context.Context, minHits int64, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM enrich_vectors WHERE hit_count < $1 AND created_at < $2`,
		minHits, olderThan.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune vectors")
	}
	return int(tag.RowsAffected()), nil
}

// Batch jobs

func (s *PostgresStore) SaveJob(ctx context.Context, job *model.BatchJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	idsJSON, err := json.Marshal(job.RecordIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record ids")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (id, provider_id, tier, record_ids, status, estimated_cost, actual_cost, error, created_at, completed_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 ON CONFLICT (id) DO UPDATE SET
		   provider_id = $2, status = $5, actual_cost = $7, error = $8, completed_at = $10, updated_at = now()`,
		job.ID, job.ProviderID, int(job.Tier), idsJSON, string(job.Status),
		job.EstimatedCost, job.ActualCost, job.Error, job.CreatedAt.UTC(), job.CompletedAt,
	)
	return eris.Wrapf(err, "postgres: save job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.BatchJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, provider_id, tier, record_ids, status, estimated_cost, actual_cost, error, created_at, completed_at FROM batch_jobs WHERE id = $1`,
		id,
	)
	j, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("batch job not found: %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.BatchJob, error) {
	query := `SELECT id, provider_id, tier, record_ids, status, estimated_cost, actual_cost, error, created_at, completed_at FROM batch_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Tier != 0 {
		query += fmt.Sprintf(` AND tier = $%d`, argIdx)
		args = append(args, int(filter.Tier))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.BatchJob
	for rows.Next() {
		j, err := scanPostgresJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func scanPostgresJob(row pgx.Row) (*model.BatchJob, error) {
	var j model.BatchJob
	var tier int
	var idsJSON []byte
	var status string
	if err := row.Scan(&j.ID, &j.ProviderID, &tier, &idsJSON, &status,
		&j.EstimatedCost, &j.ActualCost, &j.Error, &j.CreatedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	j.Tier = model.Tier(tier)
	j.Status = model.JobStatus(status)
	if err := json.Unmarshal(idsJSON, &j.RecordIDs); err != nil {
		return nil, eris.Wrap(err, "unmarshal record ids")
	}
	return &j, nil
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	recordJSON, err := json.Marshal(entry.Record)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq record")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, record, fingerprint, last_tier, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $5, error_type = $6, last_tier = $4, retry_count = $7,
		   next_retry_at = $9, last_failed_at = $11`,
		entry.ID, recordJSON, entry.Fingerprint, int(entry.LastTier), entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, record, fingerprint, last_tier, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var recordJSON []byte
		var tier int
		if err := rows.Scan(&e.ID, &recordJSON, &e.Fingerprint, &tier, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.LastTier = model.Tier(tier)
		if err := json.Unmarshal(recordJSON, &e.Record); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq record")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
