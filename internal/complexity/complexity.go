// Package complexity scores how hard a product record is to enrich.
// Scoring is a pure function of the record and the catalog tables.
package complexity

import (
	"regexp"
	"strings"

	"github.com/sells-group/catalog-enrich/internal/catalog"
	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/textnorm"
)

// Weights controls how much each signal contributes. They should sum to 1.
type Weights struct {
	Length    float64 `mapstructure:"length"`
	Technical float64 `mapstructure:"technical"`
	Category  float64 `mapstructure:"category"`
	Price     float64 `mapstructure:"price"`
	Variant   float64 `mapstructure:"variant"`
}

// DefaultWeights are the production signal weights.
var DefaultWeights = Weights{
	Length:    0.15,
	Technical: 0.30,
	Category:  0.25,
	Price:     0.15,
	Variant:   0.15,
}

// Category group contributions.
const (
	denseWeight   = 1.0
	simpleWeight  = 0.2
	neutralWeight = 0.5
)

// Price band boundaries (upper bounds of bands 1-3) and per-band values.
var (
	priceBands      = [3]float64{50, 200, 800}
	priceBandValues = [4]float64{0.1, 0.4, 0.7, 1.0}
)

const (
	lengthNorm   = 80.0 // characters at which the length signal saturates
	technicalCap = 5.0  // technical tokens at which the signal saturates
	variantCap   = 2.0
)

var technicalVocab = map[string]bool{
	"ram": true, "ssd": true, "hdd": true, "emmc": true, "nvme": true,
	"cpu": true, "gpu": true, "core": true, "intel": true, "ryzen": true,
	"snapdragon": true, "mediatek": true, "exynos": true, "bionic": true, "m1": true, "m2": true, "m3": true,
	"rtx": true, "geforce": true, "radeon": true,
	"oled": true, "amoled": true, "qled": true, "lcd": true, "led": true, "ips": true, "mini-led": true,
	"uhd": true, "fhd": true, "hd": true, "4k": true, "8k": true, "hdr": true, "hdr10": true,
	"5g": true, "4g": true, "lte": true, "wifi": true, "wi-fi": true, "bluetooth": true, "nfc": true,
	"usb": true, "usb-c": true, "hdmi": true, "thunderbolt": true,
	"dual": true, "sim": true, "esim": true, "anc": true,
	"inverter": true, "btu": true, "dolby": true, "atmos": true,
}

var (
	// measurement tokens such as 256gb, 3.2ghz, 5000mah, 120hz, 50mp, 65w.
	technicalUnitRe = regexp.MustCompile(`^\d+(?:\.\d+)?(?:gb|tb|mb|ghz|mhz|mah|hz|mp|w|nm|gen)$`)
	variantListRe   = regexp.MustCompile(`\d+(?:\.\d+)?\s?(?:gb|tb|ml|l|g|kg|oz)?\s?[/|]\s?\d+(?:\.\d+)?\s?(?:gb|tb|ml|l|g|kg|oz)`)
	variantPackRe   = regexp.MustCompile(`(?i)\b(?:pack|paquete|set|kit|combo)\s+(?:de|of|x)?\s*\d+\b|\b\d+\s?x\s?\d+|\bx\s?\d+\b|\b\d+\s?(?:pack|pz|pzas|unidades|units)\b`)
	variantAltRe    = regexp.MustCompile(`(?i)\s(?:or|o|/|\|)\s|\bvarios\b|\bassorted\b|\bsurtido\b|\bcolores\b|\bcolors\b|\bsizes\b|\btallas\b`)
)

// Breakdown holds the raw (unweighted) signal values of a score.
type Breakdown struct {
	Length    float64 `json:"length"`
	Technical float64 `json:"technical"`
	Category  float64 `json:"category"`
	Price     float64 `json:"price"`
	Variant   float64 `json:"variant"`
	Score     float64 `json:"score"`
}

// Analyzer computes complexity scores.
type Analyzer struct {
	cat     *catalog.Catalog
	weights Weights
}

// New creates an Analyzer. A zero Weights uses DefaultWeights.
func New(cat *catalog.Catalog, w Weights) *Analyzer {
	if w == (Weights{}) {
		w = DefaultWeights
	}
	return &Analyzer{cat: cat, weights: w}
}

// Score returns the complexity of r in [0,1].
func (a *Analyzer) Score(r model.Record) float64 {
	return a.Breakdown(r).Score
}

// Breakdown returns each signal together with the final clamped score.
func (a *Analyzer) Breakdown(r model.Record) Breakdown {
	b := Breakdown{
		Length:    lengthSignal(r.Name),
		Technical: technicalSignal(r.Name),
		Category:  a.categorySignal(r.Category),
		Price:     PriceBandValue(r.Price),
		Variant:   variantSignal(r.Name),
	}
	w := a.weights
	b.Score = clamp(w.Length*b.Length +
		w.Technical*b.Technical +
		w.Category*b.Category +
		w.Price*b.Price +
		w.Variant*b.Variant)
	return b
}

// PriceBand returns the 1-based price band of price (1..4).
func PriceBand(price float64) int {
	for i, upper := range priceBands {
		if price < upper {
			return i + 1
		}
	}
	return len(priceBands) + 1
}

// PriceBandValue returns the contribution of price's band. Non-positive
// prices fall in the first band.
func PriceBandValue(price float64) float64 {
	return priceBandValues[PriceBand(price)-1]
}

func lengthSignal(name string) float64 {
	n := len([]rune(textnorm.Squash(name)))
	return clamp(float64(n) / lengthNorm)
}

func technicalSignal(name string) float64 {
	count := 0
	for _, tok := range strings.Fields(strings.ToLower(textnorm.Squash(name))) {
		tok = strings.Trim(tok, ",;:()[]\"'")
		for _, part := range strings.Split(tok, "/") {
			if part == "" {
				continue
			}
			if technicalVocab[part] || technicalUnitRe.MatchString(part) {
				count++
			}
		}
	}
	return clamp(float64(count) / technicalCap)
}

func (a *Analyzer) categorySignal(category string) float64 {
	switch a.cat.GroupOf(category) {
	case catalog.GroupDense:
		return denseWeight
	case catalog.GroupSimple:
		return simpleWeight
	default:
		return neutralWeight
	}
}

func variantSignal(name string) float64 {
	lower := strings.ToLower(name)
	hits := 0
	if variantListRe.MatchString(lower) {
		hits++
	}
	if variantPackRe.MatchString(lower) {
		hits++
	}
	if variantAltRe.MatchString(lower) {
		hits++
	}
	return clamp(float64(hits) / variantCap)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
