package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enrich/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCollector(opts CollectorOptions) (*Collector, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCollector(opts)
	c.nowFunc = clk.Now
	return c, clk
}

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *memSink) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *memSink) Close() error { return nil }

type stubDLQ struct {
	n   int
	err error
}

func (d stubDLQ) CountDLQ(context.Context) (int, error) { return d.n, d.err }

func TestCollector_CostSummary(t *testing.T) {
	c, clk := newTestCollector(CollectorOptions{})

	c.ObserveRequest(RequestObservation{RecordKey: "a", Tier: model.TierEconomy, Source: model.SourceProvider,
		Status: model.StatusEnriched, Latency: 100 * time.Millisecond, CostUSD: 0.002, InputTokens: 400, OutputTokens: 120})
	c.ObserveRequest(RequestObservation{RecordKey: "b", Tier: model.TierStandard, Source: model.SourceProvider,
		Status: model.StatusFailed, Latency: 300 * time.Millisecond, CostUSD: 0.01})
	c.ObserveRequest(RequestObservation{RecordKey: "c", Source: model.SourceExactCache, Status: model.StatusEnriched})
	c.ObserveRequest(RequestObservation{RecordKey: "d", Source: model.SourceSemanticCache, Status: model.StatusEnriched})
	clk.Advance(time.Minute)

	r := c.CostSummary(time.Hour)
	assert.Equal(t, 4, r.Requests)
	assert.Equal(t, 3, r.Enriched)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 2, r.ProviderCalls)
	assert.InDelta(t, 0.012, r.CostUSD, 1e-9)
	assert.Equal(t, int64(400), r.InputTokens)
	assert.InDelta(t, 0.25, r.ErrorRate, 1e-9)
	assert.InDelta(t, 200.0, r.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 0.25, r.HitRates[CacheExact], 1e-9)
	assert.InDelta(t, 1.0/3.0, r.HitRates[CacheSemantic], 1e-9)

	require.Contains(t, r.Tiers, model.TierEconomy.String())
	t1 := r.Tiers[model.TierEconomy.String()]
	assert.Equal(t, 1, t1.Requests)
	assert.InDelta(t, 1.0, t1.SuccessRate, 1e-9)
	t2 := r.Tiers[model.TierStandard.String()]
	assert.InDelta(t, 0.0, t2.SuccessRate, 1e-9)
	assert.InDelta(t, 300.0, t2.P95LatencyMs, 1e-9)
}

func TestCollector_WindowExcludesOldRequests(t *testing.T) {
	c, clk := newTestCollector(CollectorOptions{})

	c.ObserveRequest(RequestObservation{RecordKey: "old", Tier: model.TierEconomy, Source: model.SourceProvider,
		Status: model.StatusEnriched, CostUSD: 1})
	clk.Advance(2 * time.Hour)
	c.ObserveRequest(RequestObservation{RecordKey: "new", Tier: model.TierEconomy, Source: model.SourceProvider,
		Status: model.StatusEnriched, CostUSD: 0.5})

	assert.InDelta(t, 0.5, c.CostSince(time.Hour), 1e-9)
	assert.InDelta(t, 1.5, c.CostSince(24*time.Hour), 1e-9)
}

func TestCollector_RetentionTrims(t *testing.T) {
	c, clk := newTestCollector(CollectorOptions{Retention: time.Hour})

	c.ObserveRequest(RequestObservation{RecordKey: "a", Status: model.StatusEnriched})
	clk.Advance(90 * time.Minute)
	c.ObserveRequest(RequestObservation{RecordKey: "b", Status: model.StatusEnriched})

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.requests, 1)
	assert.Equal(t, "b", c.requests[0].RecordKey)
}

func TestCollector_EmptyWindow(t *testing.T) {
	c, _ := newTestCollector(CollectorOptions{})
	r := c.CostSummary(time.Hour)
	assert.Zero(t, r.Requests)
	assert.Zero(t, r.ErrorRate)
	assert.Zero(t, r.HitRates[CacheExact])
	assert.Empty(t, r.Tiers)
}

func TestCollector_ObserveOutcome(t *testing.T) {
	sink := &memSink{}
	c, _ := newTestCollector(CollectorOptions{Sink: sink})

	c.ObserveOutcome(model.Outcome{
		RecordID: "r1", Tier: model.TierStandard, Source: model.SourceBulk,
		Status: model.StatusDegraded, CostUSD: 0.004, InputTokens: 10, OutputTokens: 5,
	}, 2*time.Second, true)

	r := c.CostSummary(time.Hour)
	assert.Equal(t, 1, r.Degraded)
	assert.InDelta(t, 0.004, r.BulkCostUSD, 1e-9)

	require.Len(t, sink.events, 1)
	assert.Equal(t, EventRequest, sink.events[0].Kind)
	assert.Equal(t, "r1", sink.events[0].Request.RecordKey)
	assert.True(t, sink.events[0].Request.Bulk)
}

func TestCollector_SinkErrorDoesNotBlock(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	c, _ := newTestCollector(CollectorOptions{Sink: sink})

	c.ObserveRequest(RequestObservation{RecordKey: "a", Status: model.StatusEnriched})
	assert.Equal(t, 1, c.CostSummary(time.Hour).Requests)
}

func TestCollector_ObserveBatch(t *testing.T) {
	sink := &memSink{}
	c, _ := newTestCollector(CollectorOptions{Sink: sink})

	c.ObserveBatch(BatchObservation{JobID: "j1", Tier: model.TierEconomy, Items: 10, Succeeded: 8, FellBack: 2,
		CostUSD: 0.05, Status: string(model.JobCompleted)})
	c.ObserveBatch(BatchObservation{JobID: "j2", Tier: model.TierEconomy, Items: 10, Succeeded: 10,
		CostUSD: 0.05, Status: string(model.JobCompleted)})

	r := c.CostSummary(time.Hour)
	assert.Equal(t, 2, r.Batches.Jobs)
	assert.Equal(t, 20, r.Batches.Items)
	assert.Equal(t, 2, r.Batches.FellBack)
	assert.InDelta(t, 0.9, r.Batches.SuccessRate, 1e-9)
	assert.InDelta(t, 0.8, BatchObservation{Items: 10, Succeeded: 8}.SuccessRate(), 1e-9)
	assert.Zero(t, BatchObservation{}.SuccessRate())

	require.Len(t, sink.events, 2)
	assert.Equal(t, EventBatch, sink.events[0].Kind)
}

func TestCollector_Collect(t *testing.T) {
	c, _ := newTestCollector(CollectorOptions{DLQ: stubDLQ{n: 3}})
	c.ObserveRequest(RequestObservation{Tier: model.TierEconomy, Source: model.SourceProvider,
		Status: model.StatusEnriched, CostUSD: 0.3})

	snap, err := c.Collect(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, snap.HourlyCostUSD, 1e-9)
	assert.Equal(t, 1, snap.Recent.Requests)
	assert.Equal(t, 3, snap.DLQDepth)
	assert.Equal(t, "15m0s", snap.Lookback)
}

func TestCollector_CollectDLQError(t *testing.T) {
	c, _ := newTestCollector(CollectorOptions{DLQ: stubDLQ{err: errors.New("db down")}})
	_, err := c.Collect(context.Background(), time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count dlq")
}

func TestCollector_ConcurrentObserve(t *testing.T) {
	c, _ := newTestCollector(CollectorOptions{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ObserveRequest(RequestObservation{Tier: model.TierEconomy, Source: model.SourceProvider,
				Status: model.StatusEnriched, CostUSD: 0.01})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, c.CostSummary(time.Hour).Requests)
}

func TestPercentile(t *testing.T) {
	vals := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	assert.InDelta(t, 50.0, percentile(vals, 0.5), 1e-9)
	assert.InDelta(t, 100.0, percentile(vals, 0.95), 1e-9)
	assert.InDelta(t, 10.0, percentile(vals, 0), 1e-9)
	assert.Zero(t, percentile(nil, 0.5))
}
