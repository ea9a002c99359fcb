// Package pipeline resolves product records to enrichment outcomes: cache
// probes first, then routed provider calls with corrective re-prompts and
// tier escalation, with bulk submission for large same-tier buckets.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/catalog-enrich/internal/batch"
	"github.com/sells-group/catalog-enrich/internal/cache"
	"github.com/sells-group/catalog-enrich/internal/catalog"
	"github.com/sells-group/catalog-enrich/internal/cost"
	"github.com/sells-group/catalog-enrich/internal/fingerprint"
	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/monitoring"
	"github.com/sells-group/catalog-enrich/internal/prompt"
	"github.com/sells-group/catalog-enrich/internal/resilience"
	"github.com/sells-group/catalog-enrich/internal/router"
	"github.com/sells-group/catalog-enrich/internal/store"
	"github.com/sells-group/catalog-enrich/internal/validate"
	"github.com/sells-group/catalog-enrich/pkg/anthropic"
)

// DLQWriter receives records that exhausted their fallback chain.
type DLQWriter interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
}

// Deps are the collaborators of an Enricher. Semantic, Collector, Jobs and
// DLQ are optional.
type Deps struct {
	Client    anthropic.Client
	Catalog   *catalog.Catalog
	Router    *router.Router
	Prompts   *prompt.Builder
	Validator *validate.Validator
	Exact     *cache.ExactCache
	Semantic  *cache.SemanticCache
	Guards    *resilience.Guards
	Calc      *cost.Calculator
	Collector *monitoring.Collector
	Jobs      store.JobStore
	DLQ       DLQWriter
}

// Config holds pipeline tunables.
type Config struct {
	MaxConcurrency    int
	CorrectiveRetries int
	DLQMaxRetries     int
	DLQRetryDelay     time.Duration
	AdmitMaxWait      time.Duration
	CallTimeout       time.Duration
	Retry             resilience.RetryConfig
	Batch             batch.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:    16,
		CorrectiveRetries: 1,
		DLQMaxRetries:     3,
		DLQRetryDelay:     15 * time.Minute,
		AdmitMaxWait:      30 * time.Second,
		CallTimeout:       5 * time.Minute,
		Retry:             resilience.DefaultRetryConfig(),
		Batch:             batch.DefaultConfig(),
	}
}

// Enricher is the entry point of the enrichment core. It is safe for
// concurrent use.
type Enricher struct {
	deps    Deps
	cfg     Config
	batch   *batch.Orchestrator
	flight  singleflight.Group
	nowFunc func() time.Time
}

// New creates an Enricher and its bulk orchestrator.
func New(deps Deps, cfg Config) *Enricher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if cfg.CorrectiveRetries < 0 {
		cfg.CorrectiveRetries = 0
	}
	if cfg.DLQRetryDelay <= 0 {
		cfg.DLQRetryDelay = 15 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Minute
	}
	e := &Enricher{deps: deps, cfg: cfg, nowFunc: time.Now}

	opts := batch.Options{Jobs: deps.Jobs, Estimator: deps.Router}
	if deps.Collector != nil {
		opts.Observer = deps.Collector
	}
	e.batch = batch.New(deps.Client, e, cfg.Batch, opts)
	return e
}

// Batcher exposes the bulk orchestrator so callers can run its queue.
func (e *Enricher) Batcher() *batch.Orchestrator { return e.batch }

// identity is the per-record lookup context computed once per request.
type identity struct {
	id   fingerprint.Identity
	fp   string
	base string
}

func (e *Enricher) identify(rec model.Record) identity {
	id := fingerprint.Identify(e.deps.Catalog, rec)
	return identity{id: id, fp: id.Fingerprint(), base: id.Category}
}

// Enrich resolves one record synchronously. Errors never escape: every
// path ends in an Outcome with a status and, on failure, a reason.
// Concurrent calls for one fingerprint share a single provider resolution
// that runs detached from any one caller, bounded by CallTimeout; each
// caller still returns as soon as its own ctx is done.
func (e *Enricher) Enrich(ctx context.Context, rec model.Record) model.Outcome {
	start := e.nowFunc()
	ident := e.identify(rec)

	if out, ok := e.probeCaches(ctx, rec, ident); ok {
		e.observe(out, start, false)
		return out
	}

	d := e.deps.Router.Decide(rec)
	ch := e.flight.DoChan(ident.fp, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
		defer cancel()
		out, err := e.resolve(callCtx, rec, ident, d.Tier, d.Band == router.BandComplex, d.StrictValidation, nil)
		return &sharedOutcome{out: e.settle(callCtx, rec, ident, out, err)}, nil
	})

	var out model.Outcome
	select {
	case <-ctx.Done():
		out = model.Outcome{
			RecordID:    rec.Key(),
			Fingerprint: ident.fp,
			Status:      model.StatusFailed,
			Source:      model.SourceNone,
			Tier:        d.Tier,
			Reason:      "canceled: " + ctx.Err().Error(),
		}
	case r := <-ch:
		out = r.Val.(*sharedOutcome).take(rec)
	}
	e.observe(out, start, false)
	return out
}

// EnrichAsync resolves rec through the streaming bulk queue. Cache hits
// resolve immediately; misses wait for their tier's queue to flush, so the
// queue must be running (see Batcher().Run).
func (e *Enricher) EnrichAsync(ctx context.Context, rec model.Record) <-chan model.Outcome {
	start := e.nowFunc()
	ident := e.identify(rec)
	if out, ok := e.probeCaches(ctx, rec, ident); ok {
		e.observe(out, start, false)
		ch := make(chan model.Outcome, 1)
		ch <- out
		return ch
	}
	return e.batch.Enqueue(rec, e.deps.Router.Decide(rec).Tier)
}

// probeCaches checks the exact cache, then the semantic cache. A semantic
// hit is written back to the exact cache under this record's fingerprint.
func (e *Enricher) probeCaches(ctx context.Context, rec model.Record, ident identity) (model.Outcome, bool) {
	if res, ok := e.deps.Exact.Get(ctx, ident.fp); ok {
		return model.Outcome{
			RecordID:    rec.Key(),
			Fingerprint: ident.fp,
			Status:      model.StatusEnriched,
			Source:      model.SourceExactCache,
			Result:      res,
		}, true
	}
	if e.deps.Semantic == nil {
		return model.Outcome{}, false
	}
	m, ok := e.deps.Semantic.FindSimilar(ctx, ident.id)
	if !ok {
		return model.Outcome{}, false
	}
	e.deps.Exact.Set(ctx, ident.fp, ident.base, m.Value)
	zap.L().Debug("pipeline: semantic cache hit",
		zap.String("fingerprint", ident.fp),
		zap.String("matched", m.Key),
		zap.Float64("similarity", m.Similarity),
	)
	return model.Outcome{
		RecordID:    rec.Key(),
		Fingerprint: ident.fp,
		Status:      model.StatusEnriched,
		Source:      model.SourceSemanticCache,
		Result:      m.Value,
	}, true
}

// sharedOutcome is the result of one deduplicated provider resolution.
type sharedOutcome struct {
	out     model.Outcome
	claimed atomic.Bool
}

// take returns the outcome for rec. The first caller to take it carries the
// provider cost; later callers get a zero-cost copy.
func (s *sharedOutcome) take(rec model.Record) model.Outcome {
	if s.claimed.CompareAndSwap(false, true) {
		out := s.out
		out.RecordID = rec.Key()
		return out
	}
	return adopt(s.out, rec)
}

// adopt rewrites an outcome shared through singleflight for another record.
// The provider cost stays with the record that claimed it.
func adopt(out model.Outcome, rec model.Record) model.Outcome {
	out.RecordID = rec.Key()
	out.Result = out.Result.Clone()
	out.CostUSD = 0
	out.InputTokens = 0
	out.OutputTokens = 0
	out.Attempts = 0
	return out
}

func (e *Enricher) observe(out model.Outcome, start time.Time, bulk bool) {
	if e.deps.Collector == nil {
		return
	}
	e.deps.Collector.ObserveOutcome(out, e.nowFunc().Sub(start), bulk)
}

// CostSummary reports cost, hit rates and per-tier latency over window.
func (e *Enricher) CostSummary(window time.Duration) monitoring.Report {
	if e.deps.Collector == nil {
		return monitoring.Report{}
	}
	return e.deps.Collector.CostSummary(window)
}

// LimiterStatus returns the available budget and circuit state of tier.
func (e *Enricher) LimiterStatus(t model.Tier) resilience.LimiterStatus {
	return e.deps.Guards.Status(t)
}

// BulkRequest renders the bulk-style request for rec at tier.
func (e *Enricher) BulkRequest(rec model.Record, tier model.Tier) anthropic.MessageRequest {
	ident := e.identify(rec)
	return e.deps.Prompts.Build(rec, ident.base, e.deps.Router.Spec(tier), prompt.StyleBulk)
}

// Complete validates a bulk response for rec, continuing synchronously
// through corrective prompts and escalation when it is not acceptable.
func (e *Enricher) Complete(ctx context.Context, rec model.Record, tier model.Tier, resp *anthropic.MessageResponse) model.Outcome {
	start := e.nowFunc()
	d := e.deps.Router.Decide(rec)
	ident := e.identify(rec)
	out, err := e.resolve(ctx, rec, ident, tier, d.Band == router.BandComplex, d.StrictValidation, resp)
	out = e.settle(ctx, rec, ident, out, err)
	e.observe(out, start, true)
	return out
}

// Resolve processes rec synchronously starting at tier, skipping the cache
// probes already done by the caller.
func (e *Enricher) Resolve(ctx context.Context, rec model.Record, tier model.Tier) model.Outcome {
	start := e.nowFunc()
	d := e.deps.Router.Decide(rec)
	ident := e.identify(rec)
	out, err := e.resolve(ctx, rec, ident, tier, d.Band == router.BandComplex, d.StrictValidation, nil)
	out = e.settle(ctx, rec, ident, out, err)
	e.observe(out, start, false)
	return out
}
