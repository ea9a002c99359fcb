package monitoring

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/catalog-enrich/internal/model"
)

// Cache layer names used in hit-rate reports.
const (
	CacheExact    = "exact"
	CacheSemantic = "semantic"
)

// Report is the cost and performance summary over a window.
type Report struct {
	From          time.Time             `json:"from"`
	To            time.Time             `json:"to"`
	Requests      int                   `json:"requests"`
	Enriched      int                   `json:"enriched"`
	Degraded      int                   `json:"degraded"`
	Failed        int                   `json:"failed"`
	ProviderCalls int                   `json:"provider_calls"`
	CostUSD       float64               `json:"cost_usd"`
	BulkCostUSD   float64               `json:"bulk_cost_usd"`
	InputTokens   int64                 `json:"input_tokens"`
	OutputTokens  int64                 `json:"output_tokens"`
	ErrorRate     float64               `json:"error_rate"`
	AvgLatencyMs  float64               `json:"avg_latency_ms"`
	HitRates      map[string]float64    `json:"hit_rates"`
	Tiers         map[string]TierReport `json:"tiers"`
	Batches       BatchReport           `json:"batches"`
}

// TierReport is the latency and success distribution of one tier.
type TierReport struct {
	Requests     int     `json:"requests"`
	Successes    int     `json:"successes"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P50LatencyMs float64 `json:"p50_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	CostUSD      float64 `json:"cost_usd"`
}

// BatchReport summarizes bulk jobs.
type BatchReport struct {
	Jobs        int     `json:"jobs"`
	Items       int     `json:"items"`
	Succeeded   int     `json:"succeeded"`
	FellBack    int     `json:"fell_back"`
	CostUSD     float64 `json:"cost_usd"`
	SuccessRate float64 `json:"success_rate"`
}

func buildReport(from, to time.Time, reqs []RequestObservation, batches []BatchObservation) Report {
	r := Report{
		From:     from,
		To:       to,
		Requests: len(reqs),
		HitRates: map[string]float64{CacheExact: 0, CacheSemantic: 0},
		Tiers:    map[string]TierReport{},
	}

	var exactHits, semanticHits int
	var latencySum time.Duration
	perTier := map[model.Tier][]RequestObservation{}
	for _, o := range reqs {
		switch o.Status {
		case model.StatusEnriched:
			r.Enriched++
		case model.StatusDegraded:
			r.Degraded++
		case model.StatusFailed:
			r.Failed++
		}
		switch o.Source {
		case model.SourceExactCache:
			exactHits++
		case model.SourceSemanticCache:
			semanticHits++
		}
		r.CostUSD += o.CostUSD
		if o.Bulk {
			r.BulkCostUSD += o.CostUSD
		}
		r.InputTokens += o.InputTokens
		r.OutputTokens += o.OutputTokens
		if !o.CacheHit() && o.Tier.Valid() {
			r.ProviderCalls++
			latencySum += o.Latency
			perTier[o.Tier] = append(perTier[o.Tier], o)
		}
	}

	if r.Requests > 0 {
		r.ErrorRate = float64(r.Failed) / float64(r.Requests)
		r.HitRates[CacheExact] = float64(exactHits) / float64(r.Requests)
		if missed := r.Requests - exactHits; missed > 0 {
			r.HitRates[CacheSemantic] = float64(semanticHits) / float64(missed)
		}
	}
	if r.ProviderCalls > 0 {
		r.AvgLatencyMs = millis(latencySum) / float64(r.ProviderCalls)
	}

	for tier, obs := range perTier {
		r.Tiers[tier.String()] = tierReport(obs)
	}

	for _, b := range batches {
		r.Batches.Jobs++
		r.Batches.Items += b.Items
		r.Batches.Succeeded += b.Succeeded
		r.Batches.FellBack += b.FellBack
		r.Batches.CostUSD += b.CostUSD
	}
	if r.Batches.Items > 0 {
		r.Batches.SuccessRate = float64(r.Batches.Succeeded) / float64(r.Batches.Items)
	}
	return r
}

func tierReport(obs []RequestObservation) TierReport {
	tr := TierReport{Requests: len(obs)}
	lat := make([]float64, 0, len(obs))
	var sum float64
	for _, o := range obs {
		if o.Success() {
			tr.Successes++
		}
		tr.CostUSD += o.CostUSD
		ms := millis(o.Latency)
		sum += ms
		lat = append(lat, ms)
	}
	if tr.Requests == 0 {
		return tr
	}
	tr.SuccessRate = float64(tr.Successes) / float64(tr.Requests)
	tr.AvgLatencyMs = sum / float64(tr.Requests)
	sort.Float64s(lat)
	tr.P50LatencyMs = percentile(lat, 0.50)
	tr.P95LatencyMs = percentile(lat, 0.95)
	return tr
}

// percentile uses nearest-rank on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
