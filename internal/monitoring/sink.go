package monitoring

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/db"
)

// Event kinds written to sinks.
const (
	EventRequest = "request"
	EventBatch   = "batch"
)

// Event is one sink line.
type Event struct {
	Kind    string              `json:"kind"`
	Request *RequestObservation `json:"request,omitempty"`
	Batch   *BatchObservation   `json:"batch,omitempty"`
}

// Sink receives every observation. Write must not block on the network.
type Sink interface {
	Write(ev Event) error
	Close() error
}

// Flusher is a sink that buffers and needs periodic flushing.
type Flusher interface {
	Flush(ctx context.Context) (int64, error)
}

// JSONLSink appends one JSON object per line to a file.
type JSONLSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewJSONLSink opens path for appending, creating parent directories.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, eris.Wrapf(err, "monitoring: create sink dir %s", dir)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) // #nosec G304 -- operator-configured path
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: open sink %s", path)
	}
	return &JSONLSink{f: f}, nil
}

func (s *JSONLSink) Write(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal event")
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return eris.New("monitoring: sink closed")
	}
	_, err = s.f.Write(line)
	return eris.Wrap(err, "monitoring: append event")
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return eris.Wrap(err, "monitoring: close sink")
}

// ReplayJSONL feeds every event in a JSONL sink file to c and returns the
// number of events read. Malformed lines are skipped with a warning.
func ReplayJSONL(path string, c *Collector) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-configured path
	if err != nil {
		return 0, eris.Wrapf(err, "monitoring: open sink %s", path)
	}
	defer f.Close() //nolint:errcheck

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			zap.L().Warn("monitoring: skip malformed sink line", zap.Int("line", line), zap.Error(err))
			continue
		}
		switch {
		case ev.Kind == EventRequest && ev.Request != nil:
			c.ObserveRequest(*ev.Request)
		case ev.Kind == EventBatch && ev.Batch != nil:
			c.ObserveBatch(*ev.Batch)
		default:
			continue
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, eris.Wrapf(err, "monitoring: read sink %s", path)
	}
	return n, nil
}

var requestMetrics = db.Table{
	Name:    "request_metrics",
	Columns: []string{
		"recorded_at", "record_key", "tier", "source", "status",
		"input_tokens", "output_tokens", "cost_usd", "latency_ms", "bulk",
	},
}

// PostgresSink buffers request rows and writes them with COPY on Flush.
// Batch events are not persisted here; they are already stored as jobs.
type PostgresSink struct {
	pool db.Pool

	mu     sync.Mutex
	rows   [][]any
	maxBuf int
}

// NewPostgresSink creates a PostgresSink. maxBuf caps the buffer; the oldest
// rows are dropped when a flush keeps failing. Zero means 10000.
func NewPostgresSink(pool db.Pool, maxBuf int) *PostgresSink {
	if maxBuf <= 0 {
		maxBuf = 10_000
	}
	return &PostgresSink{pool: pool, maxBuf: maxBuf}
}

func (s *PostgresSink) Write(ev Event) error {
	if ev.Kind != EventRequest || ev.Request == nil {
		return nil
	}
	o := ev.Request
	tier := ""
	if o.Tier.Valid() {
		tier = o.Tier.Key()
	}
	row := []any{
		o.At.UTC(), o.RecordKey, tier, string(o.Source), string(o.Status),
		o.InputTokens, o.OutputTokens, o.CostUSD, o.Latency.Milliseconds(), o.Bulk,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	if over := len(s.rows) - s.maxBuf; over > 0 {
		s.rows = append(s.rows[:0:0], s.rows[over:]...)
	}
	return nil
}

// Pending returns the number of buffered rows.
func (s *PostgresSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Flush COPYs buffered rows into request_metrics. On failure the rows are
// put back for the next attempt.
func (s *PostgresSink) Flush(ctx context.Context) (int64, error) {
	s.mu.Lock()
	rows := s.rows
	s.rows = nil
	s.mu.Unlock()

	n, err := requestMetrics.Copy(ctx, s.pool, rows)
	if err != nil {
		s.mu.Lock()
		s.rows = append(rows, s.rows...)
		s.mu.Unlock()
		return 0, eris.Wrap(err, "monitoring: flush request metrics")
	}
	return n, nil
}

func (s *PostgresSink) Close() error { return nil }

// MultiSink fans events out to several sinks.
type MultiSink []Sink

func (m MultiSink) Write(ev Event) error {
	var first error
	for _, s := range m {
		if err := s.Write(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Flush flushes every member that buffers.
func (m MultiSink) Flush(ctx context.Context) (int64, error) {
	var total int64
	var first error
	for _, s := range m {
		f, ok := s.(Flusher)
		if !ok {
			continue
		}
		n, err := f.Flush(ctx)
		total += n
		if err != nil && first == nil {
			first = err
		}
	}
	return total, first
}
