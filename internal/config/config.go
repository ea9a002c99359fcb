package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Router     RouterConfig     `yaml:"router" mapstructure:"router"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
	Prepare     bool   `yaml:"prepare" mapstructure:"prepare"`
}

// AnthropicConfig holds provider credentials and the per-tier model table.
// Tier keys are "t1".."t4".
type AnthropicConfig struct {
	Key            string                `yaml:"key" mapstructure:"key"`
	BaseURL        string                `yaml:"base_url" mapstructure:"base_url"`
	PromptCacheTTL string                `yaml:"prompt_cache_ttl" mapstructure:"prompt_cache_ttl"`
	Tiers          map[string]TierConfig `yaml:"tiers" mapstructure:"tiers"`
}

// TierConfig overrides one tier's model settings. Zero values keep the
// built-in defaults.
type TierConfig struct {
	Model           string `yaml:"model" mapstructure:"model"`
	MaxOutputTokens int64  `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PricingConfig holds per-model rates and the bulk multiplier.
type PricingConfig struct {
	Anthropic    map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	BulkDiscount float64                 `yaml:"bulk_discount" mapstructure:"bulk_discount"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// RouterConfig configures complexity bands and escalation.
type RouterConfig struct {
	SimpleThreshold  float64           `yaml:"simple_threshold" mapstructure:"simple_threshold"`
	ComplexThreshold float64           `yaml:"complex_threshold" mapstructure:"complex_threshold"`
	FallbackMode     string            `yaml:"fallback_mode" mapstructure:"fallback_mode"`
	Weights          ComplexityWeights `yaml:"weights" mapstructure:"weights"`
}

// ComplexityWeights are the complexity signal weights.
type ComplexityWeights struct {
	Length    float64 `yaml:"length" mapstructure:"length"`
	Technical float64 `yaml:"technical" mapstructure:"technical"`
	Category  float64 `yaml:"category" mapstructure:"category"`
	Price     float64 `yaml:"price" mapstructure:"price"`
	Variant   float64 `yaml:"variant" mapstructure:"variant"`
}

// CacheConfig configures both cache layers and the category tables.
type CacheConfig struct {
	CatalogPath         string  `yaml:"catalog_path" mapstructure:"catalog_path"`
	MaxEntries          int     `yaml:"max_entries" mapstructure:"max_entries"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	VectorDim           int     `yaml:"vector_dim" mapstructure:"vector_dim"`
	PruneMinHits        int64   `yaml:"prune_min_hits" mapstructure:"prune_min_hits"`
	PruneAgeHours       int     `yaml:"prune_age_hours" mapstructure:"prune_age_hours"`
}

// BatchConfig configures bulk submissions.
type BatchConfig struct {
	MinSize           int `yaml:"min_size" mapstructure:"min_size"`
	MaxSize           int `yaml:"max_size" mapstructure:"max_size"`
	WindowSecs        int `yaml:"window_secs" mapstructure:"window_secs"`
	PollIntervalSecs  int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxWaitHours      int `yaml:"max_wait_hours" mapstructure:"max_wait_hours"`
	StoreMaxWaitHours int `yaml:"store_max_wait_hours" mapstructure:"store_max_wait_hours"`
	SyncConcurrency   int `yaml:"sync_concurrency" mapstructure:"sync_concurrency"`
}

// BudgetConfig is a per-tier token bucket in kilotokens.
type BudgetConfig struct {
	Capacity     int     `yaml:"capacity" mapstructure:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec" mapstructure:"refill_per_sec"`
}

// ResilienceConfig configures retries, circuit breakers and rate budgets.
type ResilienceConfig struct {
	MaxAttempts         int                     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs    int                     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs        int                     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BackoffMultiplier   float64                 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	JitterFraction      float64                 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	FailureThreshold    int                     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold    int                     `yaml:"success_threshold" mapstructure:"success_threshold"`
	RecoveryTimeoutSecs int                     `yaml:"recovery_timeout_secs" mapstructure:"recovery_timeout_secs"`
	AdmitMaxWaitSecs    int                     `yaml:"admit_max_wait_secs" mapstructure:"admit_max_wait_secs"`
	Budgets             map[string]BudgetConfig `yaml:"budgets" mapstructure:"budgets"`
}

// PipelineConfig configures per-record enrichment.
type PipelineConfig struct {
	MaxConcurrency    int  `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	ErrorBudget       int  `yaml:"error_budget" mapstructure:"error_budget"`
	CorrectiveRetries int  `yaml:"corrective_retries" mapstructure:"corrective_retries"`
	DLQEnabled        bool `yaml:"dlq_enabled" mapstructure:"dlq_enabled"`
	DLQMaxRetries     int  `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
}

// MonitoringConfig configures the metrics sink and alert thresholds.
type MonitoringConfig struct {
	SinkPath               string  `yaml:"sink_path" mapstructure:"sink_path"`
	PostgresSink           bool    `yaml:"postgres_sink" mapstructure:"postgres_sink"`
	FlushIntervalSecs      int     `yaml:"flush_interval_secs" mapstructure:"flush_interval_secs"`
	RetentionHours         int     `yaml:"retention_hours" mapstructure:"retention_hours"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowMins     int     `yaml:"lookback_window_mins" mapstructure:"lookback_window_mins"`
	HourlyCostThresholdUSD float64 `yaml:"hourly_cost_threshold_usd" mapstructure:"hourly_cost_threshold_usd"`
	LatencyThresholdMs     float64 `yaml:"latency_threshold_ms" mapstructure:"latency_threshold_ms"`
	ErrorRateThreshold     float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	MinSamples             int     `yaml:"min_samples" mapstructure:"min_samples"`
	AlertCooldownSecs      int     `yaml:"alert_cooldown_secs" mapstructure:"alert_cooldown_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. With no path it looks
// for an optional ./config.yaml; an explicit path must exist.
func Load(path ...string) (*Config, error) {
	v := viper.New()

	// Config file
	explicit := len(path) > 0 && path[0] != ""
	if explicit {
		v.SetConfigFile(path[0])
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || explicit {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "catalog-enrich.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Read by AutomaticEnv only when the key is known.
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.prompt_cache_ttl", "1h")
	v.SetDefault("pricing.bulk_discount", 0.5)

	v.SetDefault("router.simple_threshold", 0.35)
	v.SetDefault("router.complex_threshold", 0.7)
	v.SetDefault("router.fallback_mode", "full")
	v.SetDefault("router.weights.length", 0.15)
	v.SetDefault("router.weights.technical", 0.30)
	v.SetDefault("router.weights.category", 0.25)
	v.SetDefault("router.weights.price", 0.15)
	v.SetDefault("router.weights.variant", 0.15)

	v.SetDefault("cache.max_entries", 50000)
	v.SetDefault("cache.similarity_threshold", 0.85)
	v.SetDefault("cache.vector_dim", 512)
	v.SetDefault("cache.prune_min_hits", 2)
	v.SetDefault("cache.prune_age_hours", 168)

	v.SetDefault("batch.min_size", 10)
	v.SetDefault("batch.max_size", 10000)
	v.SetDefault("batch.window_secs", 300)
	v.SetDefault("batch.poll_interval_secs", 60)
	v.SetDefault("batch.max_wait_hours", 24)
	v.SetDefault("batch.store_max_wait_hours", 12)
	v.SetDefault("batch.sync_concurrency", 8)

	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 30000)
	v.SetDefault("resilience.backoff_multiplier", 2.0)
	v.SetDefault("resilience.jitter_fraction", 0.25)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.success_threshold", 2)
	v.SetDefault("resilience.recovery_timeout_secs", 60)
	v.SetDefault("resilience.admit_max_wait_secs", 30)
	v.SetDefault("resilience.budgets", map[string]any{
		"t1": map[string]any{"capacity": 400, "refill_per_sec": 6.5},
		"t2": map[string]any{"capacity": 160, "refill_per_sec": 2.5},
		"t3": map[string]any{"capacity": 80, "refill_per_sec": 1.3},
		"t4": map[string]any{"capacity": 40, "refill_per_sec": 0.6},
	})

	v.SetDefault("pipeline.max_concurrency", 16)
	v.SetDefault("pipeline.error_budget", 2)
	v.SetDefault("pipeline.corrective_retries", 1)
	v.SetDefault("pipeline.dlq_enabled", true)
	v.SetDefault("pipeline.dlq_max_retries", 3)

	v.SetDefault("monitoring.sink_path", "metrics/requests.jsonl")
	v.SetDefault("monitoring.flush_interval_secs", 30)
	v.SetDefault("monitoring.retention_hours", 25)
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.lookback_window_mins", 15)
	v.SetDefault("monitoring.hourly_cost_threshold_usd", 25.0)
	v.SetDefault("monitoring.latency_threshold_ms", 15000.0)
	v.SetDefault("monitoring.error_rate_threshold", 0.10)
	v.SetDefault("monitoring.min_samples", 20)
	v.SetDefault("monitoring.alert_cooldown_secs", 900)
}

// Validate checks the fields required by mode: "enrich" (provider calls),
// "serve" (HTTP API plus provider calls) or "report" (store reads only).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "enrich", "serve":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	case "report":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	r := c.Router
	if r.SimpleThreshold < 0 || r.ComplexThreshold > 1 || r.SimpleThreshold > r.ComplexThreshold {
		errs = append(errs, fmt.Sprintf("router thresholds must satisfy 0 <= simple <= complex <= 1 (simple=%.2f complex=%.2f)",
			r.SimpleThreshold, r.ComplexThreshold))
	}
	switch r.FallbackMode {
	case "", "full", "two_tier":
	default:
		errs = append(errs, fmt.Sprintf("router.fallback_mode must be full or two_tier, got %q", r.FallbackMode))
	}
	w := r.Weights
	if w.Length < 0 || w.Technical < 0 || w.Category < 0 || w.Price < 0 || w.Variant < 0 {
		errs = append(errs, "router.weights values must be >= 0")
	}

	if t := c.Cache.SimilarityThreshold; t <= 0 || t > 1 {
		errs = append(errs, "cache.similarity_threshold must be in (0, 1]")
	}
	if d := c.Pricing.BulkDiscount; d <= 0 || d > 1 {
		errs = append(errs, "pricing.bulk_discount must be in (0, 1]")
	}
	if c.Batch.MinSize < 1 {
		errs = append(errs, "batch.min_size must be >= 1")
	}
	if c.Pipeline.MaxConcurrency < 1 || c.Pipeline.MaxConcurrency > 256 {
		errs = append(errs, "pipeline.max_concurrency must be between 1 and 256")
	}
	if t := c.Monitoring.ErrorRateThreshold; t < 0 || t > 1 {
		errs = append(errs, "monitoring.error_rate_threshold must be in [0, 1]")
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
