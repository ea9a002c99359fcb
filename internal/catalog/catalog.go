// Package catalog holds the static category tables used across enrichment:
// the taxonomy with synonyms, complexity weight groups, cache TTL classes,
// quality minimums, and the canonical brand alias table.
package catalog

import (
	_ "embed"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/catalog-enrich/internal/textnorm"
)

//go:embed catalog.yaml
var embedded []byte

// Group is the complexity weight group of a category.
type Group string

const (
	GroupDense   Group = "dense"
	GroupSimple  Group = "simple"
	GroupNeutral Group = "neutral"
)

// MatchKind describes how a category string resolved against the taxonomy.
type MatchKind string

const (
	MatchExact   MatchKind = "exact"
	MatchSynonym MatchKind = "synonym"
	MatchPartial MatchKind = "partial"
	MatchNone    MatchKind = "none"
)

// Category is one base category of the taxonomy.
type Category struct {
	Name        string
	Group       Group
	TTL         time.Duration
	MinQuality  float64
	MinCoverage float64
	Synonyms    []string
}

type fileConfig struct {
	Catalog struct {
		Defaults struct {
			TTL         string  `yaml:"ttl"`
			MinQuality  float64 `yaml:"min_quality"`
			MinCoverage float64 `yaml:"min_coverage"`
		} `yaml:"defaults"`
		TTLClasses map[string]string `yaml:"ttl_classes"`
		Categories map[string]struct {
			Group       string   `yaml:"group"`
			TTLClass    string   `yaml:"ttl_class"`
			TTL         string   `yaml:"ttl"`
			MinQuality  float64  `yaml:"min_quality"`
			MinCoverage float64  `yaml:"min_coverage"`
			Synonyms    []string `yaml:"synonyms"`
		} `yaml:"categories"`
		Brands map[string][]string `yaml:"brands"`
	} `yaml:"catalog"`
}

// Catalog is an immutable, concurrency-safe view of the category tables.
type Catalog struct {
	categories  map[string]Category
	synonyms    map[string]string // folded synonym -> base
	brands      map[string]string // folded alias -> canonical
	brandKeys   []string          // aliases sorted longest first
	defaultTTL  time.Duration
	minQuality  float64
	minCoverage float64
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// Default returns the catalog parsed from the embedded tables.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(embedded)
		if err != nil {
			panic(eris.Wrap(err, "catalog: embedded tables"))
		}
		defaultCat = c
	})
	return defaultCat
}

// Load reads the tables from path, or returns Default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(data)
}

// Parse builds a Catalog from a YAML document.
func Parse(data []byte) (*Catalog, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrap(err, "catalog: parse")
	}
	src := fc.Catalog
	if len(src.Categories) == 0 {
		return nil, eris.New("catalog: no categories defined")
	}

	defTTL, err := parseDuration(src.Defaults.TTL, 72*time.Hour)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: defaults.ttl")
	}
	classes := make(map[string]time.Duration, len(src.TTLClasses))
	for name, raw := range src.TTLClasses {
		d, err := parseDuration(raw, 0)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: ttl class %s", name)
		}
		classes[name] = d
	}

	c := &Catalog{
		categories:  make(map[string]Category, len(src.Categories)),
		synonyms:    make(map[string]string),
		brands:      make(map[string]string),
		defaultTTL:  defTTL,
		minQuality:  orDefault(src.Defaults.MinQuality, 0.6),
		minCoverage: orDefault(src.Defaults.MinCoverage, 0.5),
	}

	for rawName, cc := range src.Categories {
		name := textnorm.Fold(rawName)
		cat := Category{
			Name:        name,
			Group:       Group(cc.Group),
			TTL:         defTTL,
			MinQuality:  orDefault(cc.MinQuality, c.minQuality),
			MinCoverage: orDefault(cc.MinCoverage, c.minCoverage),
			Synonyms:    cc.Synonyms,
		}
		switch cat.Group {
		case GroupDense, GroupSimple, GroupNeutral:
		case "":
			cat.Group = GroupNeutral
		default:
			return nil, eris.Errorf("catalog: category %s has unknown group %q", name, cc.Group)
		}
		if cc.TTLClass != "" {
			d, ok := classes[cc.TTLClass]
			if !ok {
				return nil, eris.Errorf("catalog: category %s references unknown ttl class %q", name, cc.TTLClass)
			}
			cat.TTL = d
		}
		if cc.TTL != "" {
			d, err := parseDuration(cc.TTL, defTTL)
			if err != nil {
				return nil, eris.Wrapf(err, "catalog: category %s ttl", name)
			}
			cat.TTL = d
		}
		c.categories[name] = cat
		for _, syn := range cc.Synonyms {
			c.synonyms[textnorm.Fold(syn)] = name
		}
	}

	for canonical, aliases := range src.Brands {
		canon := strings.ToUpper(strings.TrimSpace(canonical))
		c.brands[textnorm.Fold(canonical)] = canon
		for _, a := range aliases {
			c.brands[textnorm.Fold(a)] = canon
		}
	}
	for k := range c.brands {
		c.brandKeys = append(c.brandKeys, k)
	}
	sort.Slice(c.brandKeys, func(i, j int) bool {
		if len(c.brandKeys[i]) != len(c.brandKeys[j]) {
			return len(c.brandKeys[i]) > len(c.brandKeys[j])
		}
		return c.brandKeys[i] < c.brandKeys[j]
	})

	return c, nil
}

// Categories returns the base category names in sorted order.
func (c *Catalog) Categories() []string {
	out := make([]string, 0, len(c.categories))
	for name := range c.categories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the base category for name after resolution.
func (c *Catalog) Lookup(name string) (Category, bool) {
	base, kind := c.Resolve(name)
	if kind == MatchNone {
		return Category{}, false
	}
	return c.categories[base], true
}

// Resolve maps a free-form category string to a base category. Exact names
// win over synonyms; a partial match is a whole-token containment in either
// direction ("smart tv led" contains synonym "smart tv").
func (c *Catalog) Resolve(s string) (string, MatchKind) {
	folded := textnorm.Fold(s)
	if folded == "" {
		return "", MatchNone
	}
	if _, ok := c.categories[folded]; ok {
		return folded, MatchExact
	}
	if base, ok := c.synonyms[folded]; ok {
		return base, MatchSynonym
	}

	best, bestLen := "", 0
	consider := func(candidate, base string) {
		if containsPhrase(folded, candidate) || containsPhrase(candidate, folded) {
			if len(candidate) > bestLen || (len(candidate) == bestLen && base < best) {
				best, bestLen = base, len(candidate)
			}
		}
	}
	for name := range c.categories {
		consider(name, name)
	}
	for syn, base := range c.synonyms {
		consider(syn, base)
	}
	if best == "" {
		return "", MatchNone
	}
	return best, MatchPartial
}

// Base resolves s to a base category, or "" when it is unknown.
func (c *Catalog) Base(s string) string {
	base, _ := c.Resolve(s)
	return base
}

// GroupOf returns the weight group for a category; unknown is neutral.
func (c *Catalog) GroupOf(category string) Group {
	if cat, ok := c.Lookup(category); ok {
		return cat.Group
	}
	return GroupNeutral
}

// TTL returns the exact-cache TTL for a category.
func (c *Catalog) TTL(category string) time.Duration {
	if cat, ok := c.Lookup(category); ok {
		return cat.TTL
	}
	return c.defaultTTL
}

// Thresholds returns the quality and coverage minimums for a category.
func (c *Catalog) Thresholds(category string) (minQuality, minCoverage float64) {
	if cat, ok := c.Lookup(category); ok {
		return cat.MinQuality, cat.MinCoverage
	}
	return c.minQuality, c.minCoverage
}

// CanonicalBrand maps a brand through the alias table. Unknown brands are
// returned uppercased and whitespace-squashed.
func (c *Catalog) CanonicalBrand(brand string) string {
	if canon, ok := c.brands[textnorm.Fold(brand)]; ok {
		return canon
	}
	return strings.ToUpper(textnorm.Squash(brand))
}

// KnownBrand reports whether brand is in the alias table.
func (c *Catalog) KnownBrand(brand string) bool {
	_, ok := c.brands[textnorm.Fold(brand)]
	return ok
}

// DetectBrand finds the longest known brand alias appearing as a whole
// phrase in name.
func (c *Catalog) DetectBrand(name string) string {
	folded := textnorm.Fold(name)
	if folded == "" {
		return ""
	}
	for _, alias := range c.brandKeys {
		if containsPhrase(folded, alias) {
			return c.brands[alias]
		}
	}
	return ""
}

// containsPhrase reports whether needle appears in hay on token boundaries.
func containsPhrase(hay, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(" "+hay+" ", " "+needle+" ")
}

func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
