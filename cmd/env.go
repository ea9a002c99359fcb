package main

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enrich/internal/batch"
	"github.com/sells-group/catalog-enrich/internal/cache"
	"github.com/sells-group/catalog-enrich/internal/catalog"
	"github.com/sells-group/catalog-enrich/internal/complexity"
	"github.com/sells-group/catalog-enrich/internal/config"
	"github.com/sells-group/catalog-enrich/internal/cost"
	"github.com/sells-group/catalog-enrich/internal/embed"
	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/monitoring"
	"github.com/sells-group/catalog-enrich/internal/pipeline"
	"github.com/sells-group/catalog-enrich/internal/prompt"
	"github.com/sells-group/catalog-enrich/internal/resilience"
	"github.com/sells-group/catalog-enrich/internal/router"
	"github.com/sells-group/catalog-enrich/internal/store"
	"github.com/sells-group/catalog-enrich/internal/validate"
	anthropicpkg "github.com/sells-group/catalog-enrich/pkg/anthropic"
)

// enrichEnv holds the store, the enricher and its observers needed by the
// enrich/serve/dlq commands.
type enrichEnv struct {
	Store     store.Store
	Catalog   *catalog.Catalog
	Enricher  *pipeline.Enricher
	Guards    *resilience.Guards
	Collector *monitoring.Collector
	Metrics   *monitoring.Metrics
	Registry  *prometheus.Registry
	Checker   *monitoring.Checker
	sink      monitoring.Sink
}

// Close flushes and releases resources held by the environment.
func (e *enrichEnv) Close() {
	if f, ok := e.sink.(monitoring.Flusher); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := f.Flush(ctx); err != nil {
			zap.L().Warn("flush metrics sink", zap.Error(err))
		}
		cancel()
	}
	if e.sink != nil {
		_ = e.sink.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "catalog-enrich.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns:  cfg.Store.MaxConns,
			MinConns:  cfg.Store.MinConns,
			VectorDim: cfg.Cache.VectorDim,
			Prepare:   cfg.Store.Prepare,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates the config for mode, opens the store and builds the
// Enricher with its caches, guards and observers. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string) (*enrichEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	cat, err := catalog.Load(cfg.Cache.CatalogPath)
	if err != nil {
		return nil, eris.Wrap(err, "load catalog")
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	env, err := buildEnv(cfg, st, cat, newAnthropicClient(cfg.Anthropic))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

func newAnthropicClient(c config.AnthropicConfig) anthropicpkg.Client {
	var opts []option.RequestOption
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	return anthropicpkg.NewClient(c.Key, opts...)
}

// buildEnv wires every pipeline component from c around an open store.
func buildEnv(c *config.Config, st store.Store, cat *catalog.Catalog, client anthropicpkg.Client) (*enrichEnv, error) {
	rates := buildRates(c.Pricing)
	calc := cost.NewCalculator(rates)

	rt, err := router.New(buildRouterConfig(c, rates), complexity.New(cat, buildWeights(c.Router.Weights)), calc)
	if err != nil {
		return nil, eris.Wrap(err, "build router")
	}

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	sink, err := buildSink(c.Monitoring, st)
	if err != nil {
		return nil, err
	}

	collector := monitoring.NewCollector(monitoring.CollectorOptions{
		Retention: time.Duration(c.Monitoring.RetentionHours) * time.Hour,
		Sink:      sink,
		Metrics:   metrics,
		DLQ:       st,
	})

	var flusher monitoring.Flusher
	if f, ok := sink.(monitoring.Flusher); ok {
		flusher = f
	}
	checker := monitoring.NewChecker(collector, monitoring.NewAlerter(c.Monitoring, metrics), flusher, c.Monitoring)

	guards := resilience.NewGuards(buildGuardConfig(c.Resilience))

	deps := pipeline.Deps{
		Client:    client,
		Catalog:   cat,
		Router:    rt,
		Prompts:   prompt.NewBuilder(cat.Categories(), c.Anthropic.PromptCacheTTL),
		Validator: validate.NewValidator(cat, c.Pipeline.ErrorBudget),
		Exact:     cache.NewExactCache(cat, cache.ExactOptions{MaxEntries: c.Cache.MaxEntries, Overflow: st}),
		Semantic:  cache.NewSemanticCache(st, embed.NewHashEmbedder(c.Cache.VectorDim), c.Cache.SimilarityThreshold),
		Guards:    guards,
		Calc:      calc,
		Collector: collector,
		Jobs:      st,
	}
	if c.Pipeline.DLQEnabled {
		deps.DLQ = st
	}

	zap.L().Info("enricher ready",
		zap.String("store", c.Store.Driver),
		zap.Int("categories", len(cat.Categories())),
		zap.String("fallback_mode", c.Router.FallbackMode),
		zap.Bool("dlq", c.Pipeline.DLQEnabled),
	)

	return &enrichEnv{
		Store:     st,
		Catalog:   cat,
		Enricher:  pipeline.New(deps, buildPipelineConfig(c)),
		Guards:    guards,
		Collector: collector,
		Metrics:   metrics,
		Registry:  reg,
		Checker:   checker,
		sink:      sink,
	}, nil
}

// buildSink opens the JSONL sink and, for Postgres stores, the COPY sink.
func buildSink(c config.MonitoringConfig, st store.Store) (monitoring.Sink, error) {
	var sinks monitoring.MultiSink
	if c.SinkPath != "" {
		s, err := monitoring.NewJSONLSink(c.SinkPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if c.PostgresSink {
		ps, ok := st.(*store.PostgresStore)
		if !ok {
			zap.L().Warn("monitoring.postgres_sink requires the postgres store, skipping")
		} else {
			sinks = append(sinks, monitoring.NewPostgresSink(ps.Pool(), 0))
		}
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

func buildRates(p config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	for name, mp := range p.Anthropic {
		rates.Anthropic[name] = cost.ModelRate{
			Input:         mp.Input,
			Output:        mp.Output,
			BatchDiscount: mp.BatchDiscount,
			CacheWriteMul: mp.CacheWriteMul,
			CacheReadMul:  mp.CacheReadMul,
		}
	}
	if p.BulkDiscount > 0 {
		rates.BulkDiscount = p.BulkDiscount
	}
	return rates
}

func buildWeights(w config.ComplexityWeights) complexity.Weights {
	if w == (config.ComplexityWeights{}) {
		return complexity.DefaultWeights
	}
	return complexity.Weights{
		Length:    w.Length,
		Technical: w.Technical,
		Category:  w.Category,
		Price:     w.Price,
		Variant:   w.Variant,
	}
}

// buildRouterConfig applies the configured thresholds and per-tier model
// overrides to the default tier table.
func buildRouterConfig(c *config.Config, rates cost.Rates) router.Config {
	rc := router.DefaultConfig()
	rc.SimpleThreshold = c.Router.SimpleThreshold
	rc.ComplexThreshold = c.Router.ComplexThreshold
	if c.Router.FallbackMode != "" {
		rc.FallbackMode = router.FallbackMode(c.Router.FallbackMode)
	}
	if c.Batch.MinSize > 0 {
		rc.MinBulkSize = c.Batch.MinSize
	}
	rc.Tiers = router.DefaultTiers(rates)
	for key, tc := range c.Anthropic.Tiers {
		tier, err := model.ParseTier(key)
		if err != nil {
			zap.L().Warn("ignoring unknown tier override", zap.String("tier", key))
			continue
		}
		spec := rc.Tiers[tier]
		if tc.Model != "" {
			spec.Model = tc.Model
		}
		if tc.MaxOutputTokens > 0 {
			spec.MaxOutputTokens = tc.MaxOutputTokens
		}
		if tc.TimeoutSecs > 0 {
			spec.Timeout = time.Duration(tc.TimeoutSecs) * time.Second
		}
		rc.Tiers[tier] = router.Priced(spec, rates)
	}
	return rc
}

func buildGuardConfig(r config.ResilienceConfig) resilience.GuardConfig {
	gc := resilience.GuardConfig{
		Breaker: resilienceSettings(r).Breaker(),
		Buckets: make(map[model.Tier]resilience.BucketConfig, len(r.Budgets)),
		Default: resilience.BucketConfig{Capacity: 100},
	}
	for key, b := range r.Budgets {
		tier, err := model.ParseTier(key)
		if err != nil {
			zap.L().Warn("ignoring unknown tier budget", zap.String("tier", key))
			continue
		}
		gc.Buckets[tier] = resilience.BucketConfig{Capacity: b.Capacity, RefillPerSec: b.RefillPerSec}
	}
	return gc
}

func resilienceSettings(r config.ResilienceConfig) resilience.Settings {
	return resilience.Settings{
		MaxAttempts:      r.MaxAttempts,
		InitialBackoff:   time.Duration(r.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:       time.Duration(r.MaxBackoffMs) * time.Millisecond,
		Multiplier:       r.BackoffMultiplier,
		Jitter:           r.JitterFraction,
		FailureThreshold: r.FailureThreshold,
		SuccessThreshold: r.SuccessThreshold,
		RecoveryTimeout:  time.Duration(r.RecoveryTimeoutSecs) * time.Second,
	}
}

func buildBatchConfig(b config.BatchConfig) batch.Config {
	return batch.Config{
		MinSize:         b.MinSize,
		MaxSize:         b.MaxSize,
		Window:          time.Duration(b.WindowSecs) * time.Second,
		PollInterval:    time.Duration(b.PollIntervalSecs) * time.Second,
		MaxWait:         time.Duration(b.MaxWaitHours) * time.Hour,
		StoreMaxWait:    time.Duration(b.StoreMaxWaitHours) * time.Hour,
		SyncConcurrency: b.SyncConcurrency,
	}
}

func buildPipelineConfig(c *config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	if c.Pipeline.MaxConcurrency > 0 {
		pc.MaxConcurrency = c.Pipeline.MaxConcurrency
	}
	pc.CorrectiveRetries = c.Pipeline.CorrectiveRetries
	if c.Pipeline.DLQMaxRetries > 0 {
		pc.DLQMaxRetries = c.Pipeline.DLQMaxRetries
	}
	if c.Resilience.AdmitMaxWaitSecs > 0 {
		pc.AdmitMaxWait = time.Duration(c.Resilience.AdmitMaxWaitSecs) * time.Second
	}
	pc.Retry = resilienceSettings(c.Resilience).Retry()
	pc.Batch = buildBatchConfig(c.Batch)
	return pc
}
