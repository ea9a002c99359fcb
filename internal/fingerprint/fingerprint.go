// Package fingerprint derives the cache key of a record from its normalized
// identity (brand, category, model-or-name, key attributes). Price, retailer,
// and scrape time never contribute to the key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/sells-group/catalog-enrich/internal/catalog"
	"github.com/sells-group/catalog-enrich/internal/model"
	"github.com/sells-group/catalog-enrich/internal/textnorm"
)

// Identity is the normalized identity tuple of a record.
type Identity struct {
	Brand      string            `json:"brand"`
	Category   string            `json:"category"`
	Model      string            `json:"model"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

var (
	capacityRe = regexp.MustCompile(`\b(\d+(?:\.\d+)?) ?(gb|tb)\b`)
	volumeRe   = regexp.MustCompile(`\b(\d+(?:\.\d+)?) ?(ml|cl|l|lt|ltr|litro|litros|oz)\b`)
	screenRe   = regexp.MustCompile(`(\d{1,3}(?:[.,]\d{1,2})?) ?(?:"|''|”|-?inch(?:es)?\b|pulgadas\b|pulg\b)`)
	weightRe   = regexp.MustCompile(`\b(\d+(?:\.\d+)?) ?(kg|g|gr)\b`)
)

// Identify extracts the identity tuple of r. The brand comes from the
// record's hint when present, otherwise from the alias table.
func Identify(cat *catalog.Catalog, r model.Record) Identity {
	folded := textnorm.Fold(r.Name)

	id := Identity{Attributes: map[string]string{}}
	switch {
	case strings.TrimSpace(r.Brand) != "":
		id.Brand = cat.CanonicalBrand(r.Brand)
	default:
		id.Brand = cat.DetectBrand(r.Name)
	}
	if base := cat.Base(r.Category); base != "" {
		id.Category = base
	} else {
		id.Category = textnorm.Fold(r.Category)
	}

	if v, ok := largestCapacity(folded); ok {
		id.Attributes["capacity"] = v
	}
	if m := volumeRe.FindStringSubmatch(folded); m != nil {
		id.Attributes["volume"] = normalizeVolume(m[1], m[2])
	}
	if m := screenRe.FindStringSubmatch(strings.ToLower(r.Name)); m != nil {
		id.Attributes["screen"] = formatNumber(strings.Replace(m[1], ",", ".", 1)) + "in"
	}
	if m := weightRe.FindStringSubmatch(folded); m != nil {
		id.Attributes["weight"] = normalizeWeight(m[1], m[2])
	}
	if len(id.Attributes) == 0 {
		id.Attributes = nil
	}

	id.Model = modelTokens(folded, id.Brand)
	return id
}

// Of returns the fingerprint of r.
func Of(cat *catalog.Catalog, r model.Record) string {
	return Identify(cat, r).Fingerprint()
}

// Fingerprint returns the sha256 hex digest of the RFC 8785 canonical JSON
// form of the identity.
func (id Identity) Fingerprint() string {
	raw, err := json.Marshal(id)
	if err != nil {
		// Identity contains only strings; Marshal cannot fail.
		panic(err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Text renders the identity as embedding input: brand, model, category, and
// a sorted attribute summary.
func (id Identity) Text() string {
	parts := make([]string, 0, 4+len(id.Attributes))
	if id.Brand != "" {
		parts = append(parts, strings.ToLower(id.Brand))
	}
	if id.Model != "" {
		parts = append(parts, id.Model)
	}
	if id.Category != "" {
		parts = append(parts, id.Category)
	}
	keys := make([]string, 0, len(id.Attributes))
	for k := range id.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+" "+id.Attributes[k])
	}
	return strings.Join(parts, " ")
}

// Partition names the set of identities that may share one interpretation:
// the category plus every key attribute. "smartphones|capacity=256gb"
func (id Identity) Partition() string {
	keys := make([]string, 0, len(id.Attributes))
	for k := range id.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(id.Category)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + id.Attributes[k])
	}
	return b.String()
}

// modelTokens strips brand tokens and measurement tokens from the folded
// name, leaving the model-or-name portion.
func modelTokens(folded, brand string) string {
	s := capacityRe.ReplaceAllString(folded, " ")
	s = volumeRe.ReplaceAllString(s, " ")
	s = weightRe.ReplaceAllString(s, " ")
	if brand != "" {
		b := textnorm.Fold(brand)
		s = strings.TrimSpace(strings.ReplaceAll(" "+s+" ", " "+b+" ", " "))
	}
	if s = textnorm.Squash(s); s == "" {
		return folded
	}
	return s
}

func largestCapacity(folded string) (string, bool) {
	matches := capacityRe.FindAllStringSubmatch(folded, -1)
	if len(matches) == 0 {
		return "", false
	}
	bestGB := -1.0
	best := ""
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		gb := v
		if m[2] == "tb" {
			gb = v * 1024
		}
		if gb > bestGB {
			bestGB = gb
			best = formatNumber(m[1]) + m[2]
		}
	}
	return best, best != ""
}

func normalizeVolume(num, unit string) string {
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return num + unit
	}
	switch unit {
	case "l", "lt", "ltr", "litro", "litros":
		v *= 1000
	case "cl":
		v *= 10
	case "oz":
		return formatNumber(num) + "oz"
	}
	return strconv.FormatFloat(v, 'f', -1, 64) + "ml"
}

func normalizeWeight(num, unit string) string {
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return num + unit
	}
	if unit == "kg" {
		v *= 1000
	}
	return strconv.FormatFloat(v, 'f', -1, 64) + "g"
}

func formatNumber(s string) string {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
