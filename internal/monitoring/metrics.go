package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/resilience"
)

// Metrics holds the Prometheus collectors. Registered against the supplied
// registerer so tests can use a private registry.
type Metrics struct {
	requests      *prometheus.CounterVec
	costUSD       *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	batchJobs     *prometheus.CounterVec
	batchItems    *prometheus.CounterVec
	circuitState  *prometheus.GaugeVec
	budgetAvail   *prometheus.GaugeVec
	alertsRaised  *prometheus.CounterVec
}

// NewMetrics registers the enrichment collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Name:      "requests_total",
			Help:      "Resolved records by tier, source and outcome status",
		}, []string{"tier", "source", "status"}),
		costUSD: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Name:      "cost_usd_total",
			Help:      "Provider spend in USD by tier and submission mode",
		}, []string{"tier", "mode"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Name:      "tokens_total",
			Help:      "Provider tokens by tier and direction",
		}, []string{"tier", "direction"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "enrich",
			Name:      "provider_latency_seconds",
			Help:      "End-to-end latency of records that reached the provider",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"tier"}),
		batchJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Subsystem: "batch",
			Name:      "jobs_total",
			Help:      "Bulk jobs by tier and final status",
		}, []string{"tier", "status"}),
		batchItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Bulk job items by tier and path (bulk or sync fallback)",
		}, []string{"tier", "path"}),
		circuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "enrich",
			Subsystem: "limiter",
			Name:      "circuit_state",
			Help:      "Circuit state per tier: 0 closed, 1 open, 2 half-open",
		}, []string{"tier"}),
		budgetAvail: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "enrich",
			Subsystem: "limiter",
			Name:      "budget_available",
			Help:      "Available token-bucket units per tier",
		}, []string{"tier"}),
		alertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Name:      "alerts_total",
			Help:      "Threshold alerts raised by type",
		}, []string{"type"}),
	}
}

func tierLabel(t model.Tier) string {
	if !t.Valid() {
		return "none"
	}
	return t.Key()
}

func (m *Metrics) observeRequest(o RequestObservation) {
	tier := tierLabel(o.Tier)
	m.requests.WithLabelValues(tier, string(o.Source), string(o.Status)).Inc()
	if o.CacheHit() || !o.Tier.Valid() {
		return
	}
	mode := "sync"
	if o.Bulk {
		mode = "bulk"
	}
	m.costUSD.WithLabelValues(tier, mode).Add(o.CostUSD)
	m.tokens.WithLabelValues(tier, "input").Add(float64(o.InputTokens))
	m.tokens.WithLabelValues(tier, "output").Add(float64(o.OutputTokens))
	m.latency.WithLabelValues(tier).Observe(o.Latency.Seconds())
}

func (m *Metrics) observeBatch(b BatchObservation) {
	tier := tierLabel(b.Tier)
	m.batchJobs.WithLabelValues(tier, b.Status).Inc()
	m.batchItems.WithLabelValues(tier, "bulk").Add(float64(b.Items - b.FellBack))
	m.batchItems.WithLabelValues(tier, "fallback").Add(float64(b.FellBack))
}

// ObserveLimiter exports a tier's budget and circuit state.
func (m *Metrics) ObserveLimiter(t model.Tier, st resilience.LimiterStatus) {
	tier := tierLabel(t)
	m.circuitState.WithLabelValues(tier).Set(float64(st.Circuit.State))
	m.budgetAvail.WithLabelValues(tier).Set(st.Budget.Available)
}

func (m *Metrics) observeAlert(a Alert) {
	m.alertsRaised.WithLabelValues(string(a.Type)).Inc()
}
