package batch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/model"
)

type waiter struct {
	rec model.Record
	out chan model.Outcome
}

// queue accumulates same-tier records until a job is worth creating.
type queue struct {
	items  []waiter
	oldest time.Time
}

// Enqueue adds rec to the tier's pending queue. The returned channel
// receives exactly one outcome once the record's job resolves. Enqueue
// does not start processing by itself; Run must be active.
func (o *Orchestrator) Enqueue(rec model.Record, tier model.Tier) <-chan model.Outcome {
	out := make(chan model.Outcome, 1)

	o.mu.Lock()
	q, ok := o.queues[tier]
	if !ok {
		q = &queue{}
		o.queues[tier] = q
	}
	if len(q.items) == 0 {
		q.oldest = o.nowFunc()
	}
	q.items = append(q.items, waiter{rec: rec, out: out})
	full := len(q.items) >= o.cfg.MinSize
	o.mu.Unlock()

	if full {
		o.signal()
	}
	return out
}

// Pending returns the number of queued records for tier.
func (o *Orchestrator) Pending(tier model.Tier) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if q, ok := o.queues[tier]; ok {
		return len(q.items)
	}
	return 0
}

func (o *Orchestrator) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Run drains the queues until ctx is canceled: a tier's queue becomes a
// job when it reaches MinSize records or its oldest record has waited for
// Window, whichever comes first. On shutdown, in-flight jobs finish with
// canceled outcomes and queued records are failed.
func (o *Orchestrator) Run(ctx context.Context) {
	tick := o.cfg.Window / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	// Records queued before Run started may already be due.
	o.dispatch(ctx, false)

	for {
		select {
		case <-ctx.Done():
			o.drain(ctx.Err())
			o.wg.Wait()
			return
		case <-o.ready:
			o.dispatch(ctx, false)
		case <-ticker.C:
			o.dispatch(ctx, false)
		}
	}
}

// Flush turns every non-empty queue into a job regardless of size or age.
func (o *Orchestrator) Flush(ctx context.Context) {
	o.dispatch(ctx, true)
}

// Wait blocks until every job started by Run or Flush has resolved.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) dispatch(ctx context.Context, force bool) {
	now := o.nowFunc()

	o.mu.Lock()
	var due []struct {
		tier  model.Tier
		items []waiter
	}
	for tier, q := range o.queues {
		if len(q.items) == 0 {
			continue
		}
		if !force && len(q.items) < o.cfg.MinSize && now.Sub(q.oldest) < o.cfg.Window {
			continue
		}
		due = append(due, struct {
			tier  model.Tier
			items []waiter
		}{tier, q.items})
		q.items = nil
	}
	o.mu.Unlock()

	for _, d := range due {
		for start := 0; start < len(d.items); start += o.cfg.MaxSize {
			end := min(start+o.cfg.MaxSize, len(d.items))
			o.start(ctx, d.tier, d.items[start:end])
		}
	}
}

func (o *Orchestrator) start(ctx context.Context, tier model.Tier, items []waiter) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		records := make([]model.Record, len(items))
		for i, w := range items {
			records[i] = w.rec
		}
		outcomes := o.Process(ctx, tier, records)
		for i, w := range items {
			w.out <- outcomes[i]
		}
	}()
}

func (o *Orchestrator) drain(err error) {
	o.mu.Lock()
	var dropped int
	for tier, q := range o.queues {
		for _, w := range q.items {
			w.out <- canceledOutcome(w.rec, tier, err)
			dropped++
		}
		q.items = nil
	}
	o.mu.Unlock()

	if dropped > 0 {
		zap.L().Warn("batch: dropped queued records on shutdown", zap.Int("records", dropped))
	}
}
