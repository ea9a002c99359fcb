// Package monitoring observes every enrichment request and bulk job: it
// keeps a rolling in-memory window for cost and latency reports, appends
// each observation to a sink, exports Prometheus metrics, and raises
// threshold alerts without ever blocking the pipeline.
package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/model"
)

const defaultRetention = 25 * time.Hour

// RequestObservation is one resolved record.
type RequestObservation struct {
	At           time.Time           `json:"at"`
	RecordKey    string              `json:"record_key"`
	Tier         model.Tier          `json:"tier,omitempty"`
	Source       model.Source        `json:"source"`
	Status       model.OutcomeStatus `json:"status"`
	Latency      time.Duration       `json:"latency_ns"`
	InputTokens  int64               `json:"input_tokens"`
	OutputTokens int64               `json:"output_tokens"`
	CostUSD      float64             `json:"cost_usd"`
	Bulk         bool                `json:"bulk"`
}

// Success reports whether the request produced a usable result.
func (o RequestObservation) Success() bool {
	return o.Status != model.StatusFailed
}

// CacheHit reports whether the request was served from a cache layer.
func (o RequestObservation) CacheHit() bool {
	return o.Source == model.SourceExactCache || o.Source == model.SourceSemanticCache
}

// BatchObservation is one finished bulk job.
type BatchObservation struct {
	At        time.Time     `json:"at"`
	JobID     string        `json:"job_id"`
	Tier      model.Tier    `json:"tier"`
	Items     int           `json:"items"`
	Succeeded int           `json:"succeeded"`
	FellBack  int           `json:"fell_back"`
	CostUSD   float64       `json:"cost_usd"`
	Duration  time.Duration `json:"duration_ns"`
	Status    string        `json:"status"`
}

// SuccessRate returns Succeeded / Items.
func (b BatchObservation) SuccessRate() float64 {
	if b.Items == 0 {
		return 0
	}
	return float64(b.Succeeded) / float64(b.Items)
}

// DLQCounter reports dead letter queue depth.
type DLQCounter interface {
	CountDLQ(ctx context.Context) (int, error)
}

// CollectorOptions configures a Collector. Every field is optional.
type CollectorOptions struct {
	Retention time.Duration
	Sink      Sink
	Metrics   *Metrics
	DLQ       DLQCounter
}

// Collector is the append-only request and batch observer.
type Collector struct {
	mu        sync.Mutex
	requests  []RequestObservation
	batches   []BatchObservation
	retention time.Duration
	sink      Sink
	metrics   *Metrics
	dlq       DLQCounter
	nowFunc   func() time.Time
}

// NewCollector creates a Collector.
func NewCollector(opts CollectorOptions) *Collector {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Collector{
		retention: opts.Retention,
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		dlq:       opts.DLQ,
		nowFunc:   time.Now,
	}
}

// ObserveRequest records one resolved request.
func (c *Collector) ObserveRequest(obs RequestObservation) {
	if obs.At.IsZero() {
		obs.At = c.nowFunc()
	}
	c.mu.Lock()
	c.requests = append(c.requests, obs)
	c.trimLocked(obs.At)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.observeRequest(obs)
	}
	if c.sink != nil {
		if err := c.sink.Write(Event{Kind: EventRequest, Request: &obs}); err != nil {
			zap.L().Warn("monitoring: sink write failed", zap.Error(err))
		}
	}
}

// ObserveOutcome records a pipeline Outcome.
func (c *Collector) ObserveOutcome(o model.Outcome, latency time.Duration, bulk bool) {
	c.ObserveRequest(RequestObservation{
		RecordKey:    o.RecordID,
		Tier:         o.Tier,
		Source:       o.Source,
		Status:       o.Status,
		Latency:      latency,
		InputTokens:  o.InputTokens,
		OutputTokens: o.OutputTokens,
		CostUSD:      o.CostUSD,
		Bulk:         bulk,
	})
}

// ObserveBatch records one finished bulk job.
func (c *Collector) ObserveBatch(obs BatchObservation) {
	if obs.At.IsZero() {
		obs.At = c.nowFunc()
	}
	c.mu.Lock()
	c.batches = append(c.batches, obs)
	c.trimLocked(obs.At)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.observeBatch(obs)
	}
	if c.sink != nil {
		if err := c.sink.Write(Event{Kind: EventBatch, Batch: &obs}); err != nil {
			zap.L().Warn("monitoring: sink write failed", zap.Error(err))
		}
	}
}

// trimLocked drops observations older than the retention window. Slices are
// append-ordered, so the cut is a prefix.
func (c *Collector) trimLocked(now time.Time) {
	cutoff := now.Add(-c.retention)
	i := sort.Search(len(c.requests), func(i int) bool { return !c.requests[i].At.Before(cutoff) })
	if i > 0 {
		c.requests = append(c.requests[:0:0], c.requests[i:]...)
	}
	j := sort.Search(len(c.batches), func(j int) bool { return !c.batches[j].At.Before(cutoff) })
	if j > 0 {
		c.batches = append(c.batches[:0:0], c.batches[j:]...)
	}
}

// CostSince returns total spend over the trailing window.
func (c *Collector) CostSince(window time.Duration) float64 {
	return c.CostSummary(window).CostUSD
}

// CostSummary aggregates the trailing window into a Report.
func (c *Collector) CostSummary(window time.Duration) Report {
	now := c.nowFunc()
	from := now.Add(-window)

	c.mu.Lock()
	reqs := make([]RequestObservation, 0, len(c.requests))
	for _, r := range c.requests {
		if !r.At.Before(from) && !r.At.After(now) {
			reqs = append(reqs, r)
		}
	}
	batches := make([]BatchObservation, 0, len(c.batches))
	for _, b := range c.batches {
		if !b.At.Before(from) && !b.At.After(now) {
			batches = append(batches, b)
		}
	}
	c.mu.Unlock()

	return buildReport(from, now, reqs, batches)
}

// MetricsSnapshot is what the alert checker evaluates.
type MetricsSnapshot struct {
	HourlyCostUSD float64   `json:"hourly_cost_usd"`
	Recent        Report    `json:"recent"`
	DLQDepth      int       `json:"dlq_depth"`
	Lookback      string    `json:"lookback"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collect gathers a snapshot over the lookback window.
func (c *Collector) Collect(ctx context.Context, lookback time.Duration) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		HourlyCostUSD: c.CostSince(time.Hour),
		Recent:        c.CostSummary(lookback),
		Lookback:      lookback.String(),
		CollectedAt:   c.nowFunc().UTC(),
	}
	if c.dlq != nil {
		n, err := c.dlq.CountDLQ(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count dlq")
		}
		snap.DLQDepth = n
	}
	return snap, nil
}
