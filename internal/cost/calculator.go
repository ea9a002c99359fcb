// Package cost prices provider usage: actual cost from token accounting and
// estimated cost from token-volume forecasts.
package cost

// DefaultBulkDiscount is the multiplier applied to bulk (batch API) usage.
const DefaultBulkDiscount = 0.5

// Rates holds provider pricing configuration.
type Rates struct {
	Anthropic    map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	BulkDiscount float64              `yaml:"bulk_discount" mapstructure:"bulk_discount"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// UnitPrice returns the blended USD price per 1K tokens assuming the
// given input share of total volume (0.75 means 3 input : 1 output).
func (r ModelRate) UnitPrice(inputShare float64) float64 {
	perMTok := r.Input*inputShare + r.Output*(1-inputShare)
	return perMTok / 1000
}

// Usage is token accounting for one provider call.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// Total returns the sum of all token counts.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	if rates.BulkDiscount <= 0 || rates.BulkDiscount > 1 {
		rates.BulkDiscount = DefaultBulkDiscount
	}
	return &Calculator{rates: rates}
}

// BulkDiscount returns the configured bulk multiplier.
func (c *Calculator) BulkDiscount() float64 {
	return c.rates.BulkDiscount
}

// Rate returns the pricing for model.
func (c *Calculator) Rate(model string) (ModelRate, bool) {
	r, ok := c.rates.Anthropic[model]
	return r, ok
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, isBatch bool, input, output, cacheWrite, cacheRead int) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	batchMul := 1.0
	if isBatch {
		batchMul = rate.BatchDiscount
		if batchMul == 0 {
			batchMul = c.rates.BulkDiscount
		}
	}

	inCost := (float64(input) / 1e6) * rate.Input * batchMul
	outCost := (float64(output) / 1e6) * rate.Output * batchMul
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul * batchMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul * batchMul

	return inCost + outCost + cwCost + crCost
}

// Actual prices a Usage for model.
func (c *Calculator) Actual(model string, isBatch bool, u Usage) float64 {
	return c.Claude(model, isBatch, int(u.InputTokens), int(u.OutputTokens),
		int(u.CacheCreationTokens), int(u.CacheReadTokens))
}

// Estimate prices a forecast token volume at unitPrice (USD per 1K tokens).
// The bulk discount applies only when bulk is true.
func (c *Calculator) Estimate(tokens int, unitPrice float64, bulk bool) float64 {
	if tokens <= 0 || unitPrice <= 0 {
		return 0
	}
	mul := 1.0
	if bulk {
		mul = c.rates.BulkDiscount
	}
	return (float64(tokens) / 1000) * unitPrice * mul
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-3-7-sonnet-20250219": {
				Input: 3.00, Output: 15.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-1-20250805": {
				Input: 15.00, Output: 75.00,
				BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		BulkDiscount: DefaultBulkDiscount,
	}
}
