// Package validate parses provider output into enrichment results and runs
// the quality gate: brand normalization, taxonomy checks, per-category
// attribute schemas, and quality scoring.
package validate

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/resilience"
)

// ResponseSchemaJSON is the JSON Schema every provider response must match.
// It is embedded verbatim in prompts.
const ResponseSchemaJSON = `{
  "type": "object",
  "required": ["brand", "model", "normalized_name", "attributes", "confidence", "category_suggestion"],
  "properties": {
    "brand": {"type": "string"},
    "model": {"type": "string"},
    "normalized_name": {"type": "string"},
    "attributes": {
      "type": "object",
      "additionalProperties": {"type": ["string", "number", "boolean"]}
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "category_suggestion": {"type": "string"},
    "notes": {"type": "string"}
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.NewCompiler().Compile([]byte(ResponseSchemaJSON))
})

// JoinPrefill restores an assistant prefill that the provider omits from
// its continuation. Text that already starts with the prefill is kept.
func JoinPrefill(prefill, text string) string {
	if prefill == "" || strings.HasPrefix(strings.TrimSpace(text), prefill) {
		return text
	}
	return prefill + text
}

// ParseResponse extracts the JSON object from raw provider text and checks
// it against ResponseSchemaJSON. Any failure is a structural error carrying
// the raw text so a corrective prompt can embed it.
func ParseResponse(raw string) (*model.EnrichmentResult, error) {
	text := cleanJSON(raw)
	if text == "" {
		return nil, resilience.NewStructuralError("empty response", raw)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, eris.Wrap(err, "validate: compile response schema")
	}
	res := schema.ValidateJSON([]byte(text))
	if !res.IsValid() {
		return nil, resilience.NewStructuralError(describeSchemaErrors(res.Errors), raw)
	}

	var wire struct {
		Brand              string         `json:"brand"`
		Model              string         `json:"model"`
		NormalizedName     string         `json:"normalized_name"`
		Attributes         map[string]any `json:"attributes"`
		Confidence         float64        `json:"confidence"`
		CategorySuggestion string         `json:"category_suggestion"`
		Notes              string         `json:"notes"`
	}
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, resilience.NewStructuralError("invalid json: "+err.Error(), raw)
	}

	out := &model.EnrichmentResult{
		Brand:              strings.TrimSpace(wire.Brand),
		Model:              strings.TrimSpace(wire.Model),
		NormalizedName:     strings.TrimSpace(wire.NormalizedName),
		Confidence:         wire.Confidence,
		CategorySuggestion: strings.TrimSpace(wire.CategorySuggestion),
		Notes:              wire.Notes,
		Attributes:         make(map[string]string, len(wire.Attributes)),
	}
	for k, v := range wire.Attributes {
		switch val := v.(type) {
		case string:
			out.Attributes[k] = val
		case float64:
			out.Attributes[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out.Attributes[k] = strconv.FormatBool(val)
		}
	}
	return out, nil
}

// cleanJSON strips code fences and surrounding prose, keeping the outermost
// object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

func describeSchemaErrors(errs map[string]*jsonschema.EvaluationError) string {
	if len(errs) == 0 {
		return "response does not match schema"
	}
	msgs := make([]string, 0, len(errs))
	for key, e := range errs {
		msgs = append(msgs, key+": "+e.Error())
	}
	sort.Strings(msgs)
	return "schema: " + strings.Join(msgs, "; ")
}
