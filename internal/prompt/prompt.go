// Package prompt renders provider requests for a record at a chosen
// verbosity style.
package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/textnorm"
	"github.com/sells-group/catalog-enrich/internal/validate"
	"github.com/sells-group/catalog-enrich/pkg/anthropic"
)

// Style is the verbosity of a rendered prompt.
type Style string

const (
	StyleMinimal    Style = "minimal"
	StyleStandard   Style = "standard"
	StyleDetailed   Style = "detailed"
	StyleBulk       Style = "bulk"
	StyleCorrective Style = "corrective"
)

// Prefill is the assistant prefill that forces a bare JSON object.
const Prefill = "{"

const maxPreviousChars = 1500

const baseSystem = `You enrich retail product listings. Identify the brand, the model, a clean normalized product name, the structured attributes, and the best category.
Respond with a single JSON object matching the schema below and nothing else. Use "" for unknown strings and omit unknown attributes. confidence is your probability that brand and model are correct.`

const detailedSystem = `Extraction rules:
1. brand is the manufacturer, not the retailer or a sub-line (Galaxy, iPhone are models).
2. model is the manufacturer model designation without capacity, color, or pack size.
3. normalized_name is "<Brand> <Model> <key attributes>" in title case.
4. Put measurements in attributes using the unit formats listed; never guess missing values.
5. category_suggestion must be one of the listed categories.`

// SelectStyle picks the default style for a tier. Bulk submissions always
// use the bulk style; the detailed style is reserved for the top tier on
// complex records.
func SelectStyle(tier model.Tier, complex, bulk bool) Style {
	switch {
	case bulk:
		return StyleBulk
	case complex && tier == model.TierLegacyPremium:
		return StyleDetailed
	case !complex && tier == model.TierEconomy:
		return StyleMinimal
	default:
		return StyleStandard
	}
}

// Builder renders provider requests. It holds no per-request state.
type Builder struct {
	categories  []string
	cacheTTL    string
	temperature float64
}

// NewBuilder creates a Builder. categories is the taxonomy listed in
// detailed prompts; cacheTTL is the prompt-cache TTL ("5m" or "1h").
func NewBuilder(categories []string, cacheTTL string) *Builder {
	if cacheTTL == "" {
		cacheTTL = "1h"
	}
	return &Builder{categories: categories, cacheTTL: cacheTTL}
}

// Build renders rec for the tier at the given style. base is the resolved
// base category of the record.
func (b *Builder) Build(rec model.Record, base string, spec model.TierSpec, style Style) anthropic.MessageRequest {
	return b.request(spec, b.system(base, style), b.user(rec, base, style))
}

// Corrective renders the shorter re-prompt used after an invalid attempt.
// It embeds the previous output and the validation failure.
func (b *Builder) Corrective(rec model.Record, base string, spec model.TierSpec, previous, failure string) anthropic.MessageRequest {
	previous = textnorm.Truncate(previous, maxPreviousChars)
	var u strings.Builder
	fmt.Fprintf(&u, "Product: %s\n", rec.Name)
	if base != "" {
		fmt.Fprintf(&u, "Category: %s\n", base)
	}
	fmt.Fprintf(&u, "\nYour previous answer was rejected.\nPrevious answer:\n%s\n\nProblem: %s\n", previous, failure)
	u.WriteString("\nReturn a corrected JSON object that fixes the problem.")
	return b.request(spec, b.system(base, StyleCorrective), u.String())
}

func (b *Builder) request(spec model.TierSpec, system []anthropic.SystemBlock, user string) anthropic.MessageRequest {
	temp := b.temperature
	return anthropic.MessageRequest{
		Model:     spec.Model,
		MaxTokens: spec.MaxOutputTokens,
		System:    system,
		Messages: []anthropic.Message{
			{Role: "user", Content: user},
			{Role: "assistant", Content: Prefill},
		},
		Temperature: &temp,
	}
}

// system puts the stable text first so the cache breakpoint covers it.
func (b *Builder) system(base string, style Style) []anthropic.SystemBlock {
	schema := "Response JSON schema:\n" + validate.ResponseSchemaJSON
	switch style {
	case StyleDetailed:
		return anthropic.BuildCachedSystemBlocks(b.cacheTTL,
			baseSystem+"\n\n"+detailedSystem+"\n\n"+schema,
			b.categoryContext(base, true),
		)
	case StyleStandard, StyleCorrective:
		return anthropic.BuildCachedSystemBlocks(b.cacheTTL,
			baseSystem+"\n\n"+schema,
			b.categoryContext(base, false),
		)
	default:
		return anthropic.BuildCachedSystemBlocks(b.cacheTTL, baseSystem+"\n\n"+schema)
	}
}

func (b *Builder) categoryContext(base string, withTaxonomy bool) string {
	var parts []string
	if base != "" {
		parts = append(parts, validate.Describe(validate.SchemaFor(base)))
	}
	if withTaxonomy && len(b.categories) > 0 {
		parts = append(parts, "categories: "+strings.Join(b.categories, ", "))
	}
	return strings.Join(parts, "\n\n")
}

func (b *Builder) user(rec model.Record, base string, style Style) string {
	var u strings.Builder
	fmt.Fprintf(&u, "Product: %s\n", strings.TrimSpace(rec.Name))
	category := base
	if category == "" {
		category = strings.TrimSpace(rec.Category)
	}
	if category != "" {
		fmt.Fprintf(&u, "Category: %s\n", category)
	}
	if style == StyleMinimal || style == StyleBulk {
		return strings.TrimRight(u.String(), "\n")
	}
	if rec.Brand != "" {
		fmt.Fprintf(&u, "Brand hint: %s\n", rec.Brand)
	}
	if rec.Retailer != "" {
		fmt.Fprintf(&u, "Retailer: %s\n", rec.Retailer)
	}
	if rec.Price > 0 {
		fmt.Fprintf(&u, "Price: %s\n", strconv.FormatFloat(rec.Price, 'f', 2, 64))
	}
	if style == StyleDetailed && rec.SKU != "" {
		fmt.Fprintf(&u, "SKU: %s\n", rec.SKU)
	}
	return strings.TrimRight(u.String(), "\n")
}
