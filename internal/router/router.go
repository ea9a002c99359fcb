// Package router maps complexity scores to capability tiers, builds
// fallback chains, and plans bulk submissions by cost priority.
package router

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enrich/internal/complexity"
	"github.com/sells-group/catalog-enrich/internal/cost"
	"github.com/sells-group/catalog-enrich/internal/model"
)

// FallbackMode selects how far a fallback chain escalates.
type FallbackMode string

const (
	// FallbackFull escalates through every higher tier.
	FallbackFull FallbackMode = "full"
	// FallbackTwoTier stops after the next tier up.
	FallbackTwoTier FallbackMode = "two_tier"
)

// Band names the complexity band a score falls in.
type Band string

const (
	BandSimple  Band = "simple"
	BandMiddle  Band = "middle"
	BandComplex Band = "complex"
)

const (
	inputShare           = 0.75 // assumed input fraction of blended token volume
	basePromptTokens     = 320  // system prompt + schema, per request
	expectedOutputTokens = 180
)

// Config holds router tunables.
type Config struct {
	SimpleThreshold  float64
	ComplexThreshold float64
	FallbackMode     FallbackMode
	MinBulkSize      int
	Tiers            map[model.Tier]model.TierSpec
}

// DefaultConfig returns production thresholds with the default tier table.
func DefaultConfig() Config {
	return Config{
		SimpleThreshold:  0.35,
		ComplexThreshold: 0.7,
		FallbackMode:     FallbackFull,
		MinBulkSize:      10,
		Tiers:            DefaultTiers(cost.DefaultRates()),
	}
}

// DefaultTiers builds the tier table. Unit prices are blended from rates.
func DefaultTiers(rates cost.Rates) map[model.Tier]model.TierSpec {
	specs := []model.TierSpec{
		{Tier: model.TierEconomy, Model: "claude-haiku-4-5-20251001", MaxOutputTokens: 1024, Timeout: 30 * time.Second},
		{Tier: model.TierStandard, Model: "claude-sonnet-4-5-20250929", MaxOutputTokens: 2048, Timeout: 60 * time.Second},
		{Tier: model.TierLegacyFallback, Model: "claude-3-7-sonnet-20250219", MaxOutputTokens: 2048, Timeout: 60 * time.Second},
		{Tier: model.TierLegacyPremium, Model: "claude-opus-4-1-20250805", MaxOutputTokens: 4096, Timeout: 120 * time.Second},
	}
	out := make(map[model.Tier]model.TierSpec, len(specs))
	for _, s := range specs {
		out[s.Tier] = Priced(s, rates)
	}
	return out
}

// Priced fills the per-token and blended prices of spec from rates. Specs
// whose model has no rate are returned unchanged.
func Priced(spec model.TierSpec, rates cost.Rates) model.TierSpec {
	if r, ok := rates.Anthropic[spec.Model]; ok {
		spec.InputPerMTok = r.Input
		spec.OutputPerMTok = r.Output
		spec.UnitPrice = r.UnitPrice(inputShare)
	}
	return spec
}

// Validate checks threshold ordering and tier table completeness.
func (c Config) Validate() error {
	if c.SimpleThreshold < 0 || c.ComplexThreshold > 1 || c.SimpleThreshold > c.ComplexThreshold {
		return eris.Errorf("router: invalid thresholds simple=%.2f complex=%.2f", c.SimpleThreshold, c.ComplexThreshold)
	}
	switch c.FallbackMode {
	case FallbackFull, FallbackTwoTier:
	default:
		return eris.Errorf("router: unknown fallback mode %q", c.FallbackMode)
	}
	for _, t := range model.AllTiers {
		if _, ok := c.Tiers[t]; !ok {
			return eris.Errorf("router: tier %s not configured", t)
		}
	}
	return nil
}

// Decision is the routing outcome for one record.
type Decision struct {
	Score            float64      `json:"score"`
	Band             Band         `json:"band"`
	Tier             model.Tier   `json:"tier"`
	Chain            []model.Tier `json:"chain"`
	StrictValidation bool         `json:"strict_validation"`
}

// Router routes records to tiers.
type Router struct {
	cfg      Config
	analyzer *complexity.Analyzer
	calc     *cost.Calculator
}

// New creates a Router.
func New(cfg Config, analyzer *complexity.Analyzer, calc *cost.Calculator) (*Router, error) {
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers(cost.DefaultRates())
	}
	if cfg.FallbackMode == "" {
		cfg.FallbackMode = FallbackFull
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{cfg: cfg, analyzer: analyzer, calc: calc}, nil
}

// Spec returns the static properties of tier.
func (r *Router) Spec(t model.Tier) model.TierSpec {
	return r.cfg.Tiers[t]
}

// Band classifies a score against the thresholds.
func (r *Router) Band(score float64) Band {
	switch {
	case score < r.cfg.SimpleThreshold:
		return BandSimple
	case score > r.cfg.ComplexThreshold:
		return BandComplex
	default:
		return BandMiddle
	}
}

// Route maps a complexity score to its origin tier and fallback chain.
// Simple and middle scores go to the economy tier; complex ones to standard.
func (r *Router) Route(score float64) (model.Tier, []model.Tier) {
	tier := model.TierEconomy
	if r.Band(score) == BandComplex {
		tier = model.TierStandard
	}
	return tier, r.FallbackChain(tier)
}

// Decide scores and routes a record.
func (r *Router) Decide(rec model.Record) Decision {
	score := r.analyzer.Score(rec)
	tier, chain := r.Route(score)
	band := r.Band(score)
	return Decision{
		Score:            score,
		Band:             band,
		Tier:             tier,
		Chain:            chain,
		StrictValidation: band == BandMiddle,
	}
}

// FallbackChain returns tiers to try starting at t, in non-decreasing
// capability order. The origin tier is always first.
func (r *Router) FallbackChain(t model.Tier) []model.Tier {
	if !t.Valid() {
		t = model.TierEconomy
	}
	chain := []model.Tier{t}
	for _, next := range model.AllTiers {
		if next.Capability() <= t.Capability() {
			continue
		}
		if r.cfg.FallbackMode == FallbackTwoTier && len(chain) == 2 {
			break
		}
		chain = append(chain, next)
	}
	return chain
}

// Plan is the bulk routing of a record list.
type Plan struct {
	Buckets   map[model.Tier][]model.Record
	Decisions map[string]Decision // keyed by Record.Key()
	Priority  []model.Tier
}

// RouteBatch partitions records into per-tier buckets and orders the tiers
// so bulk-eligible buckets come first, then cheaper tiers, then larger ones.
func (r *Router) RouteBatch(records []model.Record) Plan {
	p := Plan{
		Buckets:   make(map[model.Tier][]model.Record),
		Decisions: make(map[string]Decision, len(records)),
	}
	for _, rec := range records {
		d := r.Decide(rec)
		p.Decisions[rec.Key()] = d
		p.Buckets[d.Tier] = append(p.Buckets[d.Tier], rec)
	}
	for t := range p.Buckets {
		p.Priority = append(p.Priority, t)
	}
	sort.Slice(p.Priority, func(i, j int) bool {
		a, b := p.Priority[i], p.Priority[j]
		na, nb := len(p.Buckets[a]), len(p.Buckets[b])
		ea, eb := na >= r.cfg.MinBulkSize, nb >= r.cfg.MinBulkSize
		if ea != eb {
			return ea
		}
		pa, pb := r.cfg.Tiers[a].UnitPrice, r.cfg.Tiers[b].UnitPrice
		if pa != pb {
			return pa < pb
		}
		if na != nb {
			return na > nb
		}
		return a < b
	})
	return p
}

// EstimateTokens forecasts the total token volume of enriching rec.
func (r *Router) EstimateTokens(rec model.Record) int {
	return basePromptTokens + (len(rec.Name)+len(rec.Category)+len(rec.Brand))/4 + expectedOutputTokens
}

// EstimateCost prices records at tier. The bulk discount applies only when
// bulk is true.
func (r *Router) EstimateCost(records []model.Record, t model.Tier, bulk bool) float64 {
	tokens := 0
	for _, rec := range records {
		tokens += r.EstimateTokens(rec)
	}
	return r.calc.Estimate(tokens, r.cfg.Tiers[t].UnitPrice, bulk)
}

// MinBulkSize returns the smallest bucket worth a bulk submission.
func (r *Router) MinBulkSize() int {
	return r.cfg.MinBulkSize
}
