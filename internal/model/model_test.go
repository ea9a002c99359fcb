package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierOrdering(t *testing.T) {
	t.Parallel()

	for i := 1; i < len(AllTiers); i++ {
		assert.Greater(t, AllTiers[i].Capability(), AllTiers[i-1].Capability())
	}
	assert.False(t, Tier(0).Valid())
	assert.False(t, Tier(5).Valid())
}

func TestParseTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Tier
	}{
		{"t1", TierEconomy},
		{"T2", TierStandard},
		{"3", TierLegacyFallback},
		{"t4-legacy-premium", TierLegacyPremium},
	}
	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseTier("gold")
	assert.ErrorContains(t, err, `unknown tier "gold"`)
}

func TestRecordKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "r1", Record{ID: "r1", SKU: "x"}.Key())
	assert.Equal(t, "acme:123", Record{Retailer: "acme", SKU: "123"}.Key())
	assert.Equal(t, "Coca Cola", Record{Name: " Coca Cola "}.Key())
}

func TestEnrichmentResult_CloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := &EnrichmentResult{Brand: "SAMSUNG", Attributes: map[string]string{"storage": "256GB"}}
	cp := orig.Clone()
	cp.Attributes["storage"] = "512GB"
	cp.Brand = "APPLE"

	assert.Equal(t, "256GB", orig.Attributes["storage"])
	assert.Equal(t, "SAMSUNG", orig.Brand)

	var nilResult *EnrichmentResult
	assert.Nil(t, nilResult.Clone())
	assert.True(t, nilResult.IsEmpty())
	assert.True(t, (&EnrichmentResult{Confidence: 0.9}).IsEmpty())
}

func TestCacheEntry_Expired(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &CacheEntry{CreatedAt: created, TTL: time.Hour}

	assert.False(t, e.Expired(created.Add(time.Hour-time.Second)))
	assert.False(t, e.Expired(created.Add(time.Hour)))
	assert.True(t, e.Expired(created.Add(time.Hour+time.Second)))
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	assert.True(t, Outcome{Status: StatusDegraded, Result: &EnrichmentResult{}}.Usable())
	assert.False(t, Outcome{Status: StatusFailed, Result: &EnrichmentResult{}}.Usable())
	assert.True(t, Outcome{Source: SourceSemanticCache}.CacheHit())
	assert.False(t, Outcome{Source: SourceProvider}.CacheHit())
}
