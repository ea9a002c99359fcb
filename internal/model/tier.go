package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Tier identifies an inference capability tier. The numeric value is the
// tier's position in the capability ordering: higher means more capable.
type Tier int

const (
	// TierEconomy is the cheapest tier, used for simple records.
	TierEconomy Tier = iota + 1
	// TierStandard handles complex records.
	TierStandard
	// TierLegacyFallback is an older model kept as an escalation target.
	TierLegacyFallback
	// TierLegacyPremium is the most capable and most expensive tier.
	TierLegacyPremium
)

// AllTiers lists every tier in capability order.
var AllTiers = []Tier{TierEconomy, TierStandard, TierLegacyFallback, TierLegacyPremium}

func (t Tier) String() string {
	switch t {
	case TierEconomy:
		return "t1-economy"
	case TierStandard:
		return "t2-standard"
	case TierLegacyFallback:
		return "t3-legacy-fallback"
	case TierLegacyPremium:
		return "t4-legacy-premium"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Key returns the short config key for the tier ("t1".."t4").
func (t Tier) Key() string {
	return fmt.Sprintf("t%d", int(t))
}

// Capability returns the tier's position in the capability ordering.
func (t Tier) Capability() int {
	return int(t)
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t >= TierEconomy && t <= TierLegacyPremium
}

// ParseTier accepts "t1", "1", or the full tier name.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range AllTiers {
		if s == t.Key() || s == t.String() || s == fmt.Sprint(int(t)) {
			return t, nil
		}
	}
	return 0, eris.Errorf("unknown tier %q", s)
}

// TierSpec holds the static properties of a tier.
type TierSpec struct {
	Tier            Tier          `json:"tier"`
	Model           string        `json:"model"`
	UnitPrice       float64       `json:"unit_price"` // USD per 1K tokens, blended
	InputPerMTok    float64       `json:"input_per_mtok"`
	OutputPerMTok   float64       `json:"output_per_mtok"`
	MaxOutputTokens int64         `json:"max_output_tokens"`
	Timeout         time.Duration `json:"timeout"`
}
