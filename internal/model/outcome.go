package model

// OutcomeStatus classifies how an enrichment attempt resolved.
type OutcomeStatus string

const (
	// StatusEnriched means a validated result passed the quality gate.
	StatusEnriched OutcomeStatus = "enriched"
	// StatusDegraded means a usable result was produced below the quality bar.
	StatusDegraded OutcomeStatus = "degraded"
	// StatusFailed means no usable result could be produced.
	StatusFailed OutcomeStatus = "failed"
)

// Source names where a result came from.
type Source string

const (
	SourceExactCache    Source = "exact_cache"
	SourceSemanticCache Source = "semantic_cache"
	SourceProvider      Source = "provider"
	SourceBulk          Source = "bulk"
	SourceNone          Source = "none"
)

// Outcome is the resolution of one record through the pipeline. Every
// record resolves to an Outcome; errors never escape to the caller.
type Outcome struct {
	RecordID      string            `json:"record_id"`
	Fingerprint   string            `json:"fingerprint"`
	Status        OutcomeStatus     `json:"status"`
	Source        Source            `json:"source"`
	Tier          Tier              `json:"tier,omitempty"`
	Result        *EnrichmentResult `json:"result,omitempty"`
	QualityScore  float64           `json:"quality_score"`
	Attempts      int               `json:"attempts"`
	NeedsFallback bool              `json:"needs_fallback"`
	Warnings      []string          `json:"warnings,omitempty"`
	Errors        []string          `json:"errors,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	CostUSD       float64           `json:"cost_usd"`
	InputTokens   int64             `json:"input_tokens"`
	OutputTokens  int64             `json:"output_tokens"`
}

// Usable reports whether the outcome carries a result callers can consume.
func (o Outcome) Usable() bool {
	return o.Status != StatusFailed && o.Result != nil
}

// CacheHit reports whether the outcome was served from a cache layer.
func (o Outcome) CacheHit() bool {
	return o.Source == SourceExactCache || o.Source == SourceSemanticCache
}
