package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enrich/internal/catalog"
	"github.com/sells-group/catalog-enrich/internal/model"
)

func newTestValidator() *Validator {
	return NewValidator(catalog.Default(), -1)
}

func TestValidate_CleansSmartphone(t *testing.T) {
	v := newTestValidator()
	in := &model.EnrichmentResult{
		Brand:              "samsung",
		Model:              "Galaxy S24",
		NormalizedName:     "Samsung Galaxy S24 256GB",
		Attributes:         map[string]string{"Storage": "256 GB", "color": "Black", "warranty": "1 year"},
		Confidence:         0.9,
		CategorySuggestion: "Smartphone",
	}

	rep := v.Validate(in, "smartphones", Options{})
	require.True(t, rep.Valid, rep.Errors)
	assert.False(t, rep.NeedsFallback)
	assert.Equal(t, "SAMSUNG", rep.Result.Brand)
	assert.Equal(t, "smartphones", rep.Result.CategorySuggestion)
	assert.Equal(t, catalog.MatchSynonym, rep.CategoryMatch)
	assert.Equal(t, map[string]string{"storage": "256gb", "color": "Black"}, rep.Result.Attributes)
	assert.InDelta(t, 1.0, rep.Coverage, 1e-9)
	assert.InDelta(t, 0.94, rep.QualityScore, 1e-9)

	// The input is left untouched.
	assert.Equal(t, "samsung", in.Brand)
	assert.Contains(t, in.Attributes, "warranty")
}

func TestValidate_UnknownBrandKeptUppercase(t *testing.T) {
	rep := newTestValidator().Validate(&model.EnrichmentResult{
		Brand:          "acme  phones",
		NormalizedName: "Acme X1",
		Attributes:     map[string]string{"storage": "64gb"},
		Confidence:     0.8,
	}, "smartphones", Options{})

	require.True(t, rep.Valid, rep.Errors)
	assert.Equal(t, "ACME PHONES", rep.Result.Brand)
	assert.Contains(t, rep.Warnings, `unknown brand "acme  phones"`)
}

func TestValidate_CategoryFallsBackToBase(t *testing.T) {
	rep := newTestValidator().Validate(&model.EnrichmentResult{
		Brand:              "coke",
		NormalizedName:     "Coca-Cola 500ml",
		Attributes:         map[string]string{"volume": "0.5 l"},
		Confidence:         0.9,
		CategorySuggestion: "gadgets",
	}, "beverages", Options{})

	require.True(t, rep.Valid, rep.Errors)
	assert.Equal(t, "COCA-COLA", rep.Result.Brand)
	assert.Equal(t, "beverages", rep.Result.CategorySuggestion)
	assert.Equal(t, catalog.MatchNone, rep.CategoryMatch)
	assert.Equal(t, "500ml", rep.Result.Attributes["volume"])
}

func TestValidate_QualityBelowMinimum(t *testing.T) {
	rep := newTestValidator().Validate(&model.EnrichmentResult{
		Brand:          "PEPSI",
		NormalizedName: "Pepsi 355ml",
		Attributes:     map[string]string{"volume": "355ml"},
		Confidence:     0.2,
	}, "beverages", Options{})

	// 0.6*0.2 + 0.4*1 = 0.52 < 0.55
	assert.False(t, rep.Valid)
	assert.True(t, rep.NeedsFallback)
	assert.InDelta(t, 0.52, rep.QualityScore, 1e-9)
}

func TestValidate_CoverageBelowMinimumInvalidatesRegardlessOfConfidence(t *testing.T) {
	rep := newTestValidator().Validate(&model.EnrichmentResult{
		Brand:          "APPLE",
		Model:          "iPhone 15",
		NormalizedName: "Apple iPhone 15",
		Attributes:     map[string]string{"color": "blue"},
		Confidence:     1,
	}, "smartphones", Options{})

	assert.False(t, rep.Valid)
	assert.Zero(t, rep.Coverage)
	assert.Contains(t, rep.Failure(), "attribute coverage")
	assert.Contains(t, rep.Warnings, "missing required attribute storage")
}

func TestValidate_ErrorBudget(t *testing.T) {
	in := &model.EnrichmentResult{
		Brand:          "PEPSI",
		NormalizedName: "Pepsi 6 pack",
		Attributes: map[string]string{
			"volume":    "355ml",
			"pack_size": "six",
			"container": "barrel",
		},
		Confidence: 0.9,
	}
	v := newTestValidator()

	lenient := v.Validate(in, "beverages", Options{})
	assert.True(t, lenient.Valid, lenient.Errors)
	assert.Len(t, lenient.Result.Attributes, 1)
	assert.Len(t, lenient.Warnings, 2)

	strict := v.Validate(in, "beverages", Options{Strict: true})
	assert.False(t, strict.Valid)
	assert.Contains(t, strict.Failure(), "exceed budget 0")
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	rep := newTestValidator().Validate(&model.EnrichmentResult{Confidence: 0.9}, "toys", Options{})
	assert.False(t, rep.Valid)
	assert.Contains(t, rep.Errors, "missing brand")
	assert.Contains(t, rep.Errors, "missing model and normalized_name")
	assert.Contains(t, rep.Errors, "empty result after cleaning")
}

func TestValidate_OpenSchemaKeepsAttributes(t *testing.T) {
	rep := newTestValidator().Validate(&model.EnrichmentResult{
		Brand:          "LEGO",
		NormalizedName: "LEGO City Fire Station",
		Attributes:     map[string]string{"Piece Count": "540", "age": "6+"},
		Confidence:     0.85,
	}, "toys", Options{})

	require.True(t, rep.Valid, rep.Errors)
	assert.Equal(t, map[string]string{"piece_count": "540", "age": "6+"}, rep.Result.Attributes)
}

func TestValidate_NilResult(t *testing.T) {
	rep := newTestValidator().Validate(nil, "beverages", Options{})
	assert.False(t, rep.Valid)
	assert.True(t, rep.NeedsFallback)
	assert.Nil(t, rep.Result)
}

func TestQualityScore_Bounds(t *testing.T) {
	for _, c := range []float64{-1, 0, 0.3, 0.5, 1, 2} {
		for _, cov := range []float64{-0.5, 0, 0.5, 1, 3} {
			q := QualityScore(c, cov)
			assert.GreaterOrEqual(t, q, 0.0)
			assert.LessOrEqual(t, q, 1.0)
		}
	}
	assert.InDelta(t, 0.6*0.5+0.4*0.5, QualityScore(0.5, 0.5), 1e-12)
}

func TestSchemaFor(t *testing.T) {
	assert.IsType(t, SmartphoneSchema{}, SchemaFor("tablets"))
	assert.IsType(t, TelevisionSchema{}, SchemaFor("televisions"))
	assert.Equal(t, GenericSchema{Category: "toys"}, SchemaFor("toys"))
	assert.Equal(t, []string{"storage", "ram"}, Required(SchemaFor("laptops")))
	assert.Contains(t, Describe(SchemaFor("televisions")), "screen (required): inches")
}
