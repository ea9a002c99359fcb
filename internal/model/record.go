package model

import (
	"strings"
	"time"
)

// Record is a raw product record handed over by the normalization pipeline.
// Records are treated as immutable once received.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	Brand     string    `json:"brand,omitempty"` // optional hint from the retailer feed
	Price     float64   `json:"price"`
	Retailer  string    `json:"retailer"`
	SKU       string    `json:"sku,omitempty"`
	ScrapedAt time.Time `json:"scraped_at,omitempty"`
}

// Key returns the identifier used to correlate the record through the
// pipeline. Falls back to retailer:sku, then the trimmed name.
func (r Record) Key() string {
	if r.ID != "" {
		return r.ID
	}
	if r.SKU != "" {
		return r.Retailer + ":" + r.SKU
	}
	return strings.TrimSpace(r.Name)
}

// EnrichmentResult is the semantic interpretation of a record produced by
// the inference provider. Only the validator mutates it after parsing.
type EnrichmentResult struct {
	Brand              string            `json:"brand"`
	Model              string            `json:"model"`
	NormalizedName     string            `json:"normalized_name"`
	Attributes         map[string]string `json:"attributes"`
	Confidence         float64           `json:"confidence"`
	CategorySuggestion string            `json:"category_suggestion"`
	Notes              string            `json:"notes,omitempty"`
}

// Clone returns a deep copy so cached values are never shared with callers.
func (e *EnrichmentResult) Clone() *EnrichmentResult {
	if e == nil {
		return nil
	}
	out := *e
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// IsEmpty reports whether the result carries no usable identity.
func (e *EnrichmentResult) IsEmpty() bool {
	if e == nil {
		return true
	}
	return strings.TrimSpace(e.Brand) == "" &&
		strings.TrimSpace(e.Model) == "" &&
		strings.TrimSpace(e.NormalizedName) == "" &&
		len(e.Attributes) == 0
}
