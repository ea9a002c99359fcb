package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/resilience"
	"github.com/sells-group/catalog-enrich/internal/router"
)

// EnrichBatch resolves records and returns one outcome per record, in input
// order. Cache hits return immediately; the remaining records are deduped
// by fingerprint and routed, and each tier bucket large enough for a bulk
// job is submitted as one while smaller buckets resolve synchronously.
// Buckets start in the router's cost priority order.
func (e *Enricher) EnrichBatch(ctx context.Context, records []model.Record) []model.Outcome {
	start := e.nowFunc()
	outcomes := make([]model.Outcome, len(records))
	idents := make([]identity, len(records))

	first := make(map[string]int)
	dupes := make(map[int]int)
	var misses []int
	for i, rec := range records {
		idents[i] = e.identify(rec)
		if out, ok := e.probeCaches(ctx, rec, idents[i]); ok {
			outcomes[i] = out
			e.observe(out, start, false)
			continue
		}
		if j, ok := first[idents[i].fp]; ok {
			dupes[i] = j
			continue
		}
		first[idents[i].fp] = i
		misses = append(misses, i)
	}

	missRecs := make([]model.Record, len(misses))
	for k, i := range misses {
		missRecs[k] = records[i]
	}
	plan := e.deps.Router.RouteBatch(missRecs)
	buckets := make(map[model.Tier][]int)
	for _, i := range misses {
		t := plan.Decisions[records[i].Key()].Tier
		buckets[t] = append(buckets[t], i)
	}

	zap.L().Info("pipeline: batch routed",
		zap.Int("records", len(records)),
		zap.Int("misses", len(misses)),
		zap.Int("duplicates", len(dupes)),
		zap.Int("buckets", len(plan.Priority)),
	)

	var g errgroup.Group
	for _, tier := range plan.Priority {
		idx := buckets[tier]
		if len(idx) == 0 {
			continue
		}
		g.Go(func() error {
			e.runBucket(ctx, tier, records, idx, outcomes)
			return nil
		})
	}
	_ = g.Wait()

	for i, j := range dupes {
		if res, ok := e.deps.Exact.Get(ctx, idents[i].fp); ok {
			outcomes[i] = model.Outcome{
				RecordID:    records[i].Key(),
				Fingerprint: idents[i].fp,
				Status:      model.StatusEnriched,
				Source:      model.SourceExactCache,
				Result:      res,
			}
		} else {
			outcomes[i] = adopt(outcomes[j], records[i])
		}
		e.observe(outcomes[i], start, false)
	}
	return outcomes
}

func (e *Enricher) runBucket(ctx context.Context, tier model.Tier, records []model.Record, idx []int, outcomes []model.Outcome) {
	if len(idx) >= e.batch.MinSize() {
		recs := make([]model.Record, len(idx))
		for k, i := range idx {
			recs[k] = records[i]
		}
		for k, out := range e.batch.Process(ctx, tier, recs) {
			outcomes[idx[k]] = out
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, i := range idx {
		g.Go(func() error {
			outcomes[i] = e.Resolve(gctx, records[i], tier)
			return nil
		})
	}
	_ = g.Wait()
}

// DLQStore is the dead letter surface replay needs.
type DLQStore interface {
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// ReplayResult summarizes a dead letter replay.
type ReplayResult struct {
	Attempted int `json:"attempted"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// ReplayDLQ re-runs due dead letter entries. Recovered entries are removed;
// failed ones are rescheduled with a doubled delay per retry.
func (e *Enricher) ReplayDLQ(ctx context.Context, dlq DLQStore, filter resilience.DLQFilter) (ReplayResult, error) {
	entries, err := dlq.DequeueDLQ(ctx, filter)
	if err != nil {
		return ReplayResult{}, eris.Wrap(err, "pipeline: dequeue dlq")
	}

	var res ReplayResult
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		rec := entry.Record
		ident := e.identify(rec)
		start := e.nowFunc()

		out, ok := e.probeCaches(ctx, rec, ident)
		var cause error
		if !ok {
			d := e.deps.Router.Decide(rec)
			out, cause = e.resolve(ctx, rec, ident, d.Tier, d.Band == router.BandComplex, d.StrictValidation, nil)
		}
		e.observe(out, start, false)

		if out.Status != model.StatusFailed {
			res.Recovered++
			if err := dlq.RemoveDLQ(ctx, entry.ID); err != nil {
				return res, eris.Wrapf(err, "pipeline: remove dlq entry %s", entry.ID)
			}
			continue
		}
		res.Failed++
		msg := out.Reason
		if cause != nil {
			msg = cause.Error()
		}
		next := entry.NextAttempt(e.nowFunc(), e.cfg.DLQRetryDelay)
		if err := dlq.IncrementDLQRetry(ctx, entry.ID, next, truncate(msg, 2000)); err != nil {
			return res, eris.Wrapf(err, "pipeline: reschedule dlq entry %s", entry.ID)
		}
	}

	zap.L().Info("pipeline: dlq replay finished",
		zap.Int("attempted", res.Attempted),
		zap.Int("recovered", res.Recovered),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}
