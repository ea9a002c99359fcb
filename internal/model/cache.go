package model

import "time"

// CacheEntry is a cached, validated enrichment keyed by fingerprint.
type CacheEntry struct {
	Key       string            `json:"key"`
	Category  string            `json:"category"`
	Value     *EnrichmentResult `json:"value"`
	CreatedAt time.Time         `json:"created_at"`
	TTL       time.Duration     `json:"ttl"`
	HitCount  int64             `json:"hit_count"`
}

// ExpiresAt returns the instant after which the entry is no longer served.
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether now is strictly past created_at + ttl.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

// VectorEntry is a semantic cache row: a validated result plus the
// embedding of the record's textual identity. Category is the search
// partition, the base category joined with the identity's key attributes.
type VectorEntry struct {
	Key       string            `json:"key"`
	Category  string            `json:"category"`
	Text      string            `json:"text"`
	Vector    []float32         `json:"-"`
	Value     *EnrichmentResult `json:"value"`
	CreatedAt time.Time         `json:"created_at"`
	HitCount  int64             `json:"hit_count"`
}

// SimilarMatch is the nearest neighbour returned by a vector search.
type SimilarMatch struct {
	Key        string            `json:"key"`
	Similarity float64           `json:"similarity"`
	Value      *EnrichmentResult `json:"value"`
}
