package validate

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sells-group/catalog-enrich/internal/catalog"
	"github.com/sells-group/catalog-enrich/internal/model"
)

const (
	confidenceWeight = 0.6
	coverageWeight   = 0.4

	defaultErrorBudget = 2
)

// Report is the outcome of validating one result.
type Report struct {
	Valid         bool                    `json:"valid"`
	Result        *model.EnrichmentResult `json:"result"`
	Errors        []string                `json:"errors,omitempty"`
	Warnings      []string                `json:"warnings,omitempty"`
	QualityScore  float64                 `json:"quality_score"`
	Coverage      float64                 `json:"coverage"`
	NeedsFallback bool                    `json:"needs_fallback"`
	Category      string                  `json:"category"`
	CategoryMatch catalog.MatchKind       `json:"category_match"`
}

// Failure summarizes the errors for a corrective prompt.
func (r Report) Failure() string {
	return strings.Join(r.Errors, "; ")
}

// Options tune a single validation.
type Options struct {
	// Strict lowers the invalid-attribute budget to zero.
	Strict bool
}

// Validator is the quality gate. It is safe for concurrent use.
type Validator struct {
	cat         *catalog.Catalog
	errorBudget int
}

// NewValidator creates a Validator. errorBudget is the number of invalid
// attribute values tolerated before the result is rejected; <0 uses the
// default.
func NewValidator(cat *catalog.Catalog, errorBudget int) *Validator {
	if errorBudget < 0 {
		errorBudget = defaultErrorBudget
	}
	return &Validator{cat: cat, errorBudget: errorBudget}
}

// Validate checks result against the base category and returns a cleaned
// copy. The input is never modified.
func (v *Validator) Validate(result *model.EnrichmentResult, base string, opts Options) Report {
	rep := Report{Category: base}
	if result == nil {
		rep.Errors = []string{"empty result"}
		rep.NeedsFallback = true
		return rep
	}
	out := result.Clone()
	rep.Result = out

	// Required fields.
	if strings.TrimSpace(out.Brand) == "" {
		rep.Errors = append(rep.Errors, "missing brand")
	}
	if strings.TrimSpace(out.NormalizedName) == "" && strings.TrimSpace(out.Model) == "" {
		rep.Errors = append(rep.Errors, "missing model and normalized_name")
	}
	if math.IsNaN(out.Confidence) || out.Confidence < 0 || out.Confidence > 1 {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("confidence %v out of range", out.Confidence))
		out.Confidence = clamp01(out.Confidence)
	}

	// Brand normalization; unknown brands are kept uppercased.
	if out.Brand != "" {
		if !v.cat.KnownBrand(out.Brand) {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("unknown brand %q", out.Brand))
		}
		out.Brand = v.cat.CanonicalBrand(out.Brand)
	}

	// Category suggestion against the taxonomy.
	suggested, kind := v.cat.Resolve(out.CategorySuggestion)
	rep.CategoryMatch = kind
	if kind == catalog.MatchNone {
		if out.CategorySuggestion != "" {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("category suggestion %q not in taxonomy", out.CategorySuggestion))
		}
		out.CategorySuggestion = base
	} else {
		out.CategorySuggestion = suggested
	}

	// Attribute schema.
	schema := SchemaFor(base)
	cleaned := make(map[string]string, len(out.Attributes))
	invalid := 0
	keys := make([]string, 0, len(out.Attributes))
	for k := range out.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := attributeKey(k)
		attr, ok := Lookup(schema, key)
		if !ok {
			continue
		}
		norm, ok := attr.Normalize(out.Attributes[k])
		if !ok {
			invalid++
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("invalid %s value %q", key, out.Attributes[k]))
			continue
		}
		cleaned[key] = norm
	}
	out.Attributes = cleaned

	budget := v.errorBudget
	if opts.Strict {
		budget = 0
	}
	if invalid > budget {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%d invalid attributes exceed budget %d", invalid, budget))
	}

	required := Required(schema)
	rep.Coverage = coverage(required, cleaned)
	for _, k := range required {
		if _, ok := cleaned[k]; !ok {
			rep.Warnings = append(rep.Warnings, "missing required attribute "+k)
		}
	}

	rep.QualityScore = QualityScore(out.Confidence, rep.Coverage)
	minQuality, minCoverage := v.cat.Thresholds(base)
	if rep.QualityScore < minQuality {
		rep.Errors = append(rep.Errors, fmt.Sprintf("quality %.2f below minimum %.2f", rep.QualityScore, minQuality))
	}
	if rep.Coverage < minCoverage {
		rep.Errors = append(rep.Errors, fmt.Sprintf("attribute coverage %.2f below minimum %.2f", rep.Coverage, minCoverage))
	}
	if out.IsEmpty() {
		rep.Errors = append(rep.Errors, "empty result after cleaning")
	}

	rep.Valid = len(rep.Errors) == 0
	rep.NeedsFallback = !rep.Valid
	return rep
}

// QualityScore combines confidence and required-attribute coverage.
func QualityScore(confidence, coverage float64) float64 {
	return clamp01(confidenceWeight*clamp01(confidence) + coverageWeight*clamp01(coverage))
}

func coverage(required []string, attrs map[string]string) float64 {
	if len(required) == 0 {
		return 1
	}
	have := 0
	for _, k := range required {
		if _, ok := attrs[k]; ok {
			have++
		}
	}
	return float64(have) / float64(len(required))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
