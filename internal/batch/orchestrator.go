// Package batch groups same-tier records into provider bulk jobs, polls
// them to completion, and reconciles the results, falling back to
// per-record calls when a job fails or times out.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/monitoring"
	"github.com/sells-group/catalog-enrich/internal/store"
	"github.com/sells-group/catalog-enrich/pkg/anthropic"
)

// Handler is the per-record half of bulk processing.
type Handler interface {
	// BulkRequest renders the bulk-style provider request for rec at tier.
	BulkRequest(rec model.Record, tier model.Tier) anthropic.MessageRequest
	// Complete parses and validates a bulk response for rec. Invalid
	// responses continue through the synchronous correction path.
	Complete(ctx context.Context, rec model.Record, tier model.Tier, resp *anthropic.MessageResponse) model.Outcome
	// Resolve processes rec synchronously starting at tier.
	Resolve(ctx context.Context, rec model.Record, tier model.Tier) model.Outcome
}

// Estimator prices a record set at a tier.
type Estimator interface {
	EstimateCost(records []model.Record, t model.Tier, bulk bool) float64
}

// Observer receives finished-job observations.
type Observer interface {
	ObserveBatch(obs monitoring.BatchObservation)
}

// Config holds orchestrator tunables.
type Config struct {
	MinSize         int
	MaxSize         int
	Window          time.Duration
	PollInterval    time.Duration
	MaxWait         time.Duration
	StoreMaxWait    time.Duration
	SyncConcurrency int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinSize:         10,
		MaxSize:         10_000,
		Window:          5 * time.Minute,
		PollInterval:    60 * time.Second,
		MaxWait:         24 * time.Hour,
		StoreMaxWait:    12 * time.Hour,
		SyncConcurrency: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinSize <= 0 {
		c.MinSize = d.MinSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.StoreMaxWait <= 0 {
		c.StoreMaxWait = d.StoreMaxWait
	}
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = d.SyncConcurrency
	}
	return c
}

// Options wires optional collaborators.
type Options struct {
	Jobs      store.JobStore
	Estimator Estimator
	Observer  Observer
}

// Orchestrator runs bulk jobs. It is safe for concurrent use.
type Orchestrator struct {
	client  anthropic.Client
	handler Handler
	cfg     Config
	jobs    store.JobStore
	est     Estimator
	obs     Observer
	nowFunc func() time.Time

	mu     sync.Mutex
	queues map[model.Tier]*queue
	ready  chan struct{}
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(client anthropic.Client, handler Handler, cfg Config, opts Options) *Orchestrator {
	return &Orchestrator{
		client:  client,
		handler: handler,
		cfg:     cfg.withDefaults(),
		jobs:    opts.Jobs,
		est:     opts.Estimator,
		obs:     opts.Observer,
		nowFunc: time.Now,
		queues:  make(map[model.Tier]*queue),
		ready:   make(chan struct{}, 1),
	}
}

// MinSize returns the smallest bucket worth a bulk job.
func (o *Orchestrator) MinSize() int { return o.cfg.MinSize }

// maxWait picks the poll budget. Jobs tracked in a store use the shorter
// bound so their rows do not sit in polling for a full day.
func (o *Orchestrator) maxWait() time.Duration {
	if o.jobs != nil {
		return o.cfg.StoreMaxWait
	}
	return o.cfg.MaxWait
}

// Create builds a pending job for records at tier and persists it.
func (o *Orchestrator) Create(ctx context.Context, records []model.Record, tier model.Tier) *model.BatchJob {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.Key()
	}
	job := &model.BatchJob{
		ID:        uuid.New().String(),
		Tier:      tier,
		RecordIDs: ids,
		Status:    model.JobPending,
		CreatedAt: o.nowFunc().UTC(),
	}
	if o.est != nil {
		job.EstimatedCost = o.est.EstimateCost(records, tier, true)
	}
	o.save(ctx, job)
	return job
}

// correlationID tags manifest line i. Record keys are not used directly
// because the provider restricts custom_id to [A-Za-z0-9_-]{1,64}.
func correlationID(i int) string {
	return fmt.Sprintf("r%06d", i)
}

// Submit packages the job as one correlation-tagged request per record and
// hands it to the provider. The job moves to submitted and then polling.
func (o *Orchestrator) Submit(ctx context.Context, job *model.BatchJob, records []model.Record) error {
	items := make([]anthropic.BatchRequestItem, len(records))
	for i, rec := range records {
		items[i] = anthropic.BatchRequestItem{
			CustomID: correlationID(i),
			Params:   o.handler.BulkRequest(rec, job.Tier),
		}
	}

	resp, err := o.client.CreateBatch(ctx, anthropic.BatchRequest{Requests: items})
	if err != nil {
		return eris.Wrapf(err, "batch: submit job %s", job.ID)
	}
	job.ProviderID = resp.ID
	if err := job.Advance(model.JobSubmitted, o.nowFunc()); err != nil {
		return eris.Wrap(err, "batch: advance to submitted")
	}
	o.save(ctx, job)
	if err := job.Advance(model.JobPolling, o.nowFunc()); err != nil {
		return eris.Wrap(err, "batch: advance to polling")
	}
	o.save(ctx, job)

	zap.L().Info("batch: job submitted",
		zap.String("job_id", job.ID),
		zap.String("provider_id", job.ProviderID),
		zap.String("tier", job.Tier.String()),
		zap.Int("items", len(records)),
		zap.Float64("estimated_cost_usd", job.EstimatedCost),
	)
	return nil
}

// collect polls the job to the end and demultiplexes the results by
// correlation id.
func (o *Orchestrator) collect(ctx context.Context, job *model.BatchJob) (map[string]*anthropic.MessageResponse, error) {
	if _, err := anthropic.PollBatch(ctx, o.client, job.ProviderID,
		anthropic.WithPollInterval(o.cfg.PollInterval),
		anthropic.WithMaxWait(o.maxWait()),
	); err != nil {
		return nil, err
	}
	iter, err := o.client.GetBatchResults(ctx, job.ProviderID)
	if err != nil {
		return nil, eris.Wrap(err, "batch: get results")
	}
	res, err := anthropic.CollectBatchResultsDetailed(iter)
	if err != nil {
		return nil, err
	}
	return res.Succeeded, nil
}

// Process runs records as bulk jobs of at most MaxSize items at tier and
// returns one outcome per record, in input order. Provider failure or poll
// timeout falls back to synchronous per-record calls at the same tier;
// caller cancellation does not.
func (o *Orchestrator) Process(ctx context.Context, tier model.Tier, records []model.Record) []model.Outcome {
	if len(records) <= o.cfg.MaxSize {
		return o.processJob(ctx, tier, records)
	}
	outcomes := make([]model.Outcome, len(records))
	var g errgroup.Group
	for start := 0; start < len(records); start += o.cfg.MaxSize {
		end := min(start+o.cfg.MaxSize, len(records))
		g.Go(func() error {
			copy(outcomes[start:end], o.processJob(ctx, tier, records[start:end]))
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) processJob(ctx context.Context, tier model.Tier, records []model.Record) []model.Outcome {
	if len(records) == 0 {
		return nil
	}
	started := o.nowFunc()
	job := o.Create(ctx, records, tier)
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("tier", tier.String()))

	outcomes := make([]model.Outcome, len(records))
	bulkDone := make([]bool, len(records))

	results, err := o.runJob(ctx, job, records)
	if err != nil {
		if ctx.Err() != nil {
			o.abort(ctx, job, log)
			for i, rec := range records {
				outcomes[i] = canceledOutcome(rec, tier, ctx.Err())
			}
			o.finish(job, outcomes, bulkDone, started)
			return outcomes
		}
		log.Warn("batch: job failed, falling back to per-record calls", zap.Error(err))
		if !providerStopped(err) {
			o.cancelProvider(ctx, job, log)
		}
		job.Fail(err.Error(), o.nowFunc())
		o.save(ctx, job)
	}

	var pending []int
	for i, rec := range records {
		resp, ok := results[correlationID(i)]
		if !ok || resp == nil {
			pending = append(pending, i)
			continue
		}
		outcomes[i] = o.handler.Complete(ctx, rec, tier, resp)
		bulkDone[i] = true
	}
	if err == nil && len(pending) > 0 {
		log.Warn("batch: items missing from results, resolving individually", zap.Int("missing", len(pending)))
	}
	o.fallback(ctx, tier, records, pending, outcomes)

	if !job.Status.Terminal() {
		if aerr := job.Advance(model.JobCompleted, o.nowFunc()); aerr != nil {
			log.Warn("batch: advance to completed", zap.Error(aerr))
		}
	}
	o.finish(job, outcomes, bulkDone, started)
	return outcomes
}

func (o *Orchestrator) runJob(ctx context.Context, job *model.BatchJob, records []model.Record) (map[string]*anthropic.MessageResponse, error) {
	if err := o.Submit(ctx, job, records); err != nil {
		return nil, err
	}
	return o.collect(ctx, job)
}

// fallback resolves the records at idx synchronously with bounded fan-out.
func (o *Orchestrator) fallback(ctx context.Context, tier model.Tier, records []model.Record, idx []int, outcomes []model.Outcome) {
	if len(idx) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SyncConcurrency)
	for _, i := range idx {
		g.Go(func() error {
			outcomes[i] = o.handler.Resolve(gctx, records[i], tier)
			return nil
		})
	}
	_ = g.Wait()
}

// abort cancels the provider job after caller cancellation.
func (o *Orchestrator) abort(ctx context.Context, job *model.BatchJob, log *zap.Logger) {
	o.cancelProvider(ctx, job, log)
	job.Fail("canceled by caller", o.nowFunc())
	o.save(context.WithoutCancel(ctx), job)
}

// cancelProvider stops a submitted provider job so abandoned work is not
// billed. It survives caller cancellation.
func (o *Orchestrator) cancelProvider(ctx context.Context, job *model.BatchJob, log *zap.Logger) {
	if job.ProviderID == "" {
		return
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := o.client.CancelBatch(bg, job.ProviderID); err != nil {
		log.Warn("batch: cancel provider job", zap.Error(err))
	}
}

// providerStopped reports whether the provider already ended the job on
// its side, leaving nothing to cancel.
func providerStopped(err error) bool {
	return eris.Is(err, anthropic.ErrBatchExpired) || eris.Is(err, anthropic.ErrBatchCanceled)
}

func (o *Orchestrator) finish(job *model.BatchJob, outcomes []model.Outcome, bulkDone []bool, started time.Time) {
	obs := monitoring.BatchObservation{
		At:       o.nowFunc(),
		JobID:    job.ID,
		Tier:     job.Tier,
		Items:    len(outcomes),
		Duration: o.nowFunc().Sub(started),
		Status:   string(job.Status),
	}
	var actual float64
	for i, out := range outcomes {
		if out.Status != model.StatusFailed {
			obs.Succeeded++
		}
		if bulkDone[i] {
			actual += out.CostUSD
		} else {
			obs.FellBack++
		}
		obs.CostUSD += out.CostUSD
	}
	job.ActualCost = actual
	o.save(context.Background(), job)

	zap.L().Info("batch: job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("items", obs.Items),
		zap.Int("succeeded", obs.Succeeded),
		zap.Int("fell_back", obs.FellBack),
		zap.Float64("cost_usd", obs.CostUSD),
	)
	if o.obs != nil {
		o.obs.ObserveBatch(obs)
	}
}

func (o *Orchestrator) save(ctx context.Context, job *model.BatchJob) {
	if o.jobs == nil {
		return
	}
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		zap.L().Warn("batch: persist job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func canceledOutcome(rec model.Record, tier model.Tier, err error) model.Outcome {
	return model.Outcome{
		RecordID: rec.Key(),
		Status:   model.StatusFailed,
		Source:   model.SourceNone,
		Tier:     tier,
		Reason:   "canceled: " + err.Error(),
	}
}
