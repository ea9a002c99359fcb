package validate

import (
	"strconv"
	"strings"

	"github.com/sells-group/catalog-enrich/internal/fingerprint"
	"github.com/sells-group/catalog-enrich/internal/textnorm"
)

// Kind selects the value validator of an attribute.
type Kind int

const (
	KindText Kind = iota
	KindCapacity
	KindVolume
	KindScreen
	KindWeight
	KindCount
	KindEnum
)

// Attribute describes one attribute key of a category schema.
type Attribute struct {
	Key      string
	Kind     Kind
	Required bool
	Enum     []string
}

// Normalize validates value and returns its canonical form.
func (a Attribute) Normalize(value string) (string, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", false
	}
	switch a.Kind {
	case KindCapacity:
		return fingerprint.Capacity(v)
	case KindVolume:
		return fingerprint.Volume(v)
	case KindScreen:
		return fingerprint.Screen(v)
	case KindWeight:
		return fingerprint.Weight(v)
	case KindCount:
		n, err := strconv.Atoi(strings.TrimSuffix(textnorm.Fold(v), " pack"))
		if err != nil || n <= 0 {
			return "", false
		}
		return strconv.Itoa(n), true
	case KindEnum:
		f := textnorm.Fold(v)
		for _, e := range a.Enum {
			if f == e {
				return e, true
			}
		}
		return "", false
	default:
		if len(v) > 80 {
			return "", false
		}
		return textnorm.Squash(v), true
	}
}

// Schema is the attribute schema of a category base. The set of
// implementations is closed; SchemaFor selects one by category.
type Schema interface {
	Name() string
	Attributes() []Attribute
	// Open reports whether keys outside Attributes are kept as text.
	Open() bool
	schema()
}

type (
	SmartphoneSchema struct{}
	LaptopSchema     struct{}
	TelevisionSchema struct{}
	BeverageSchema   struct{}
	FragranceSchema  struct{}
	ApplianceSchema  struct{}
	// GenericSchema accepts any attribute as short text.
	GenericSchema struct{ Category string }
)

func (SmartphoneSchema) Name() string { return "smartphones" }
func (SmartphoneSchema) Open() bool   { return false }
func (SmartphoneSchema) schema()      {}
func (SmartphoneSchema) Attributes() []Attribute {
	return []Attribute{
		{Key: "storage", Kind: KindCapacity, Required: true},
		{Key: "color", Kind: KindText},
		{Key: "ram", Kind: KindCapacity},
		{Key: "screen", Kind: KindScreen},
		{Key: "network", Kind: KindEnum, Enum: []string{"4g", "5g", "lte"}},
	}
}

func (LaptopSchema) Name() string { return "laptops" }
func (LaptopSchema) Open() bool   { return false }
func (LaptopSchema) schema()      {}
func (LaptopSchema) Attributes() []Attribute {
	return []Attribute{
		{Key: "storage", Kind: KindCapacity, Required: true},
		{Key: "ram", Kind: KindCapacity, Required: true},
		{Key: "processor", Kind: KindText},
		{Key: "screen", Kind: KindScreen},
		{Key: "color", Kind: KindText},
	}
}

func (TelevisionSchema) Name() string { return "televisions" }
func (TelevisionSchema) Open() bool   { return false }
func (TelevisionSchema) schema()      {}
func (TelevisionSchema) Attributes() []Attribute {
	return []Attribute{
		{Key: "screen", Kind: KindScreen, Required: true},
		{Key: "resolution", Kind: KindEnum, Enum: []string{"hd", "fhd", "4k", "8k", "uhd", "1080p", "2160p"}},
		{Key: "panel", Kind: KindEnum, Enum: []string{"led", "qled", "oled", "neo qled", "mini led", "lcd", "nanocell"}},
		{Key: "refresh_rate", Kind: KindText},
	}
}

func (BeverageSchema) Name() string { return "beverages" }
func (BeverageSchema) Open() bool   { return false }
func (BeverageSchema) schema()      {}
func (BeverageSchema) Attributes() []Attribute {
	return []Attribute{
		{Key: "volume", Kind: KindVolume, Required: true},
		{Key: "flavor", Kind: KindText},
		{Key: "pack_size", Kind: KindCount},
		{Key: "container", Kind: KindEnum, Enum: []string{"can", "bottle", "glass", "carton", "lata", "botella"}},
	}
}

func (FragranceSchema) Name() string { return "fragrances" }
func (FragranceSchema) Open() bool   { return false }
func (FragranceSchema) schema()      {}
func (FragranceSchema) Attributes() []Attribute {
	return []Attribute{
		{Key: "volume", Kind: KindVolume, Required: true},
		{Key: "concentration", Kind: KindEnum, Enum: []string{"edp", "edt", "edc", "parfum", "extrait", "cologne"}},
		{Key: "gender", Kind: KindEnum, Enum: []string{"men", "women", "unisex"}},
	}
}

func (ApplianceSchema) Name() string { return "appliances" }
func (ApplianceSchema) Open() bool   { return false }
func (ApplianceSchema) schema()      {}
func (ApplianceSchema) Attributes() []Attribute {
	return []Attribute{
		{Key: "type", Kind: KindText, Required: true},
		{Key: "capacity", Kind: KindText},
		{Key: "power", Kind: KindText},
		{Key: "color", Kind: KindText},
	}
}

func (g GenericSchema) Name() string {
	if g.Category == "" {
		return "generic"
	}
	return g.Category
}
func (GenericSchema) Open() bool              { return true }
func (GenericSchema) schema()                 {}
func (GenericSchema) Attributes() []Attribute { return nil }

// SchemaFor returns the schema for a base category.
func SchemaFor(base string) Schema {
	switch base {
	case "smartphones", "tablets":
		return SmartphoneSchema{}
	case "laptops":
		return LaptopSchema{}
	case "televisions":
		return TelevisionSchema{}
	case "beverages":
		return BeverageSchema{}
	case "fragrances":
		return FragranceSchema{}
	case "appliances":
		return ApplianceSchema{}
	default:
		return GenericSchema{Category: base}
	}
}

// Lookup returns the attribute definition for key, if any.
func Lookup(s Schema, key string) (Attribute, bool) {
	for _, a := range s.Attributes() {
		if a.Key == key {
			return a, true
		}
	}
	if s.Open() {
		return Attribute{Key: key, Kind: KindText}, true
	}
	return Attribute{}, false
}

// Required lists the required attribute keys of s.
func Required(s Schema) []string {
	var out []string
	for _, a := range s.Attributes() {
		if a.Required {
			out = append(out, a.Key)
		}
	}
	return out
}

// Describe renders the schema as prompt text, one attribute per line.
func Describe(s Schema) string {
	attrs := s.Attributes()
	if len(attrs) == 0 {
		return "attributes: any relevant key/value pairs as short text"
	}
	var b strings.Builder
	b.WriteString("attributes for " + s.Name() + ":\n")
	for _, a := range attrs {
		b.WriteString("- " + a.Key)
		if a.Required {
			b.WriteString(" (required)")
		}
		b.WriteString(": " + kindHint(a))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func kindHint(a Attribute) string {
	switch a.Kind {
	case KindCapacity:
		return "<int><unit>, e.g. 256gb"
	case KindVolume:
		return "<number><unit>, e.g. 500ml"
	case KindScreen:
		return "inches, e.g. 55in"
	case KindWeight:
		return "<number><unit>, e.g. 250g"
	case KindCount:
		return "positive integer"
	case KindEnum:
		return "one of " + strings.Join(a.Enum, ", ")
	default:
		return "short text"
	}
}

// attributeKey folds a provider-supplied key ("Pack Size") to schema form.
func attributeKey(k string) string {
	return strings.ReplaceAll(textnorm.Fold(k), " ", "_")
}
