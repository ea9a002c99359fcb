package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-enrich/internal/embed"
	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Times are stored
// as unix milliseconds; vectors as little-endian float32 blobs searched by a
// per-category scan.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS enrich_results (
	fingerprint TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	value       TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	hit_count   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_enrich_results_expires_at ON enrich_results(expires_at);

CREATE TABLE IF NOT EXISTS enrich_vectors (
	fingerprint TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	text        TEXT NOT NULL,
	embedding   BLOB NOT NULL,
	value       TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	hit_count   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_enrich_vectors_category ON enrich_vectors(category);

CREATE TABLE IF NOT EXISTS batch_jobs (
	id             TEXT PRIMARY KEY,
	provider_id    TEXT NOT NULL DEFAULT '',
	tier           INTEGER NOT NULL,
	record_ids     TEXT NOT NULL,
	status         TEXT NOT NULL,
	estimated_cost REAL NOT NULL DEFAULT 0,
	actual_cost    REAL NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	completed_at   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	record         TEXT NOT NULL,
	fingerprint    TEXT NOT NULL DEFAULT '',
	last_tier      INTEGER NOT NULL DEFAULT 0,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	last_failed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Exact-cache overflow

func (s *SQLiteStore) GetResult(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var valueJSON string
	var createdMs, expiresMs int64

	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, category, value, created_at, expires_at, hit_count FROM enrich_results WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&e.Key, &e.Category, &valueJSON, &createdMs, &expiresMs, &e.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get result %s", fingerprint)
	}
	e.Value = &model.EnrichmentResult{}
	if err := json.Unmarshal([]byte(valueJSON), e.Value); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal result")
	}
	e.CreatedAt = fromMillis(createdMs)
	e.TTL = time.Duration(expiresMs-createdMs) * time.Millisecond
	return &e, nil
}

func (s *SQLiteStore) SetResult(ctx context.Context, entry model.CacheEntry) error {
	return s.setResult(ctx, s.db, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) setResult(ctx context.Context, ex execer, entry model.CacheEntry) error {
	valueJSON, err := json.Marshal(entry.Value)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO enrich_results (fingerprint, category, value, created_at, expires_at, hit_count)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO UPDATE SET
		   category = excluded.category, value = excluded.value,
		   created_at = excluded.created_at, expires_at = excluded.expires_at`,
		entry.Key, entry.Category, string(valueJSON),
		toMillis(entry.CreatedAt), toMillis(entry.ExpiresAt()), entry.HitCount,
	)
	return eris.Wrapf(err, "sqlite: set result %s", entry.Key)
}

// SetResults writes entries in one transaction.
func (s *SQLiteStore) SetResults(ctx context.Context, entries []model.CacheEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: set results: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		if err := s.setResult(ctx, tx, e); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: set results: commit")
	}
	return int64(len(entries)), nil
}

func (s *SQLiteStore) DeleteExpiredResults(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM enrich_results WHERE expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired results")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Semantic index

func (s *SQLiteStore) Upsert(ctx context.Context, entry model.VectorEntry) error {
	valueJSON, err := json.Marshal(entry.Value)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal vector value")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrich_vectors (fingerprint, category, text, embedding, value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO UPDATE SET
		   category = excluded.category, text = excluded.text,
		   embedding = excluded.embedding, value = excluded.value`,
		entry.Key, entry.Category, entry.Text, embed.Encode(entry.Vector), string(valueJSON), toMillis(createdAt),
	)
	return eris.Wrapf(err, "sqlite: upsert vector %s", entry.Key)
}

func (s *SQLiteStore) Search(ctx context.Context, category string, vec []float32, minSimilarity float64) (*model.SimilarMatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, embedding, value FROM enrich_vectors WHERE category = ? ORDER BY fingerprint`,
		category,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search vectors")
	}
	defer rows.Close()

	var best *model.SimilarMatch
	var bestValue string
	for rows.Next() {
		var key, value string
		var blob []byte
		if err := rows.Scan(&key, &blob, &value); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vector")
		}
		stored, err := embed.Decode(blob)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode vector %s", key)
		}
		sim := embed.Cosine(vec, stored)
		if sim < minSimilarity {
			continue
		}
		if best == nil || sim > best.Similarity {
			best = &model.SimilarMatch{Key: key, Similarity: sim}
			bestValue = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: search vectors iterate")
	}
	rows.Close()
	if best == nil {
		return nil, nil
	}

	best.Value = &model.EnrichmentResult{}
	if err := json.Unmarshal([]byte(bestValue), best.Value); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal vector value")
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE enrich_vectors SET hit_count = hit_count + 1 WHERE fingerprint = ?`, best.Key,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: bump vector hit count")
	}
	return best, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, minHits int64, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM enrich_vectors WHERE hit_count < ? AND created_at < ?`,
		minHits, toMillis(olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune vectors")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Batch jobs

func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.BatchJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	idsJSON, err := json.Marshal(job.RecordIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record ids")
	}
	var completed sql.NullInt64
	if job.CompletedAt != nil {
		completed = sql.NullInt64{Int64: toMillis(*job.CompletedAt), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_jobs (id, provider_id, tier, record_ids, status, estimated_cost, actual_cost, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   provider_id = excluded.provider_id, status = excluded.status,
		   actual_cost = excluded.actual_cost, error = excluded.error,
		   completed_at = excluded.completed_at`,
		job.ID, job.ProviderID, int(job.Tier), string(idsJSON), string(job.Status),
		job.EstimatedCost, job.ActualCost, job.Error, toMillis(job.CreatedAt), completed,
	)
	return eris.Wrapf(err, "sqlite: save job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.BatchJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider_id, tier, record_ids, status, estimated_cost, actual_cost, error, created_at, completed_at FROM batch_jobs WHERE id = ?`,
		id,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("batch job not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.BatchJob, error) {
	query := `SELECT id, provider_id, tier, record_ids, status, estimated_cost, actual_cost, error, created_at, completed_at FROM batch_jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Tier != 0 {
		query += ` AND tier = ?`
		args = append(args, int(filter.Tier))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.BatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	recordJSON, err := json.Marshal(entry.Record)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq record")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, record, fingerprint, last_tier, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, last_tier = excluded.last_tier,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, string(recordJSON), entry.Fingerprint, int(entry.LastTier), entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, toMillis(entry.NextRetryAt),
		toMillis(entry.CreatedAt), toMillis(entry.LastFailedAt),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, record, fingerprint, last_tier, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{toMillis(time.Now())}

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var recordJSON string
		var tier int
		var nextMs, createdMs, failedMs int64
		if err := rows.Scan(&e.ID, &recordJSON, &e.Fingerprint, &tier, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &nextMs, &createdMs, &failedMs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.LastTier = model.Tier(tier)
		e.NextRetryAt = fromMillis(nextMs)
		e.CreatedAt = fromMillis(createdMs)
		e.LastFailedAt = fromMillis(failedMs)
		if err := json.Unmarshal([]byte(recordJSON), &e.Record); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq record")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		toMillis(nextRetryAt), lastErr, toMillis(time.Now()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.BatchJob, error) {
	var j model.BatchJob
	var tier int
	var idsJSON, status string
	var createdMs int64
	var completed sql.NullInt64
	if err := row.Scan(&j.ID, &j.ProviderID, &tier, &idsJSON, &status,
		&j.EstimatedCost, &j.ActualCost, &j.Error, &createdMs, &completed); err != nil {
		return nil, err
	}
	j.Tier = model.Tier(tier)
	j.Status = model.JobStatus(status)
	j.CreatedAt = fromMillis(createdMs)
	if completed.Valid {
		t := fromMillis(completed.Int64)
		j.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(idsJSON), &j.RecordIDs); err != nil {
		return nil, eris.Wrap(err, "unmarshal record ids")
	}
	return &j, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
