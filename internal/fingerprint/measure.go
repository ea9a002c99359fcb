package fingerprint

import (
	"regexp"
	"strings"

	"github.com/sells-group/catalog-enrich/internal/textnorm"
)

var (
	wholeCapacityRe = regexp.MustCompile(`^(\d+(?:\.\d+)?) ?(gb|tb|mb)$`)
	wholeVolumeRe   = regexp.MustCompile(`^(\d+(?:\.\d+)?) ?(ml|cl|l|lt|ltr|litro|litros|oz)$`)
	wholeScreenRe   = regexp.MustCompile(`^(\d{1,3}(?:\.\d{1,2})?) ?(?:in|inch|inches|pulgadas|pulg)?$`)
	wholeWeightRe   = regexp.MustCompile(`^(\d+(?:\.\d+)?) ?(kg|g|gr)$`)
)

// Capacity normalizes a storage value such as "256 GB" to "256gb".
func Capacity(raw string) (string, bool) {
	m := wholeCapacityRe.FindStringSubmatch(textnorm.Fold(raw))
	if m == nil {
		return "", false
	}
	return formatNumber(m[1]) + m[2], true
}

// Volume normalizes a liquid volume to millilitres ("1.5 L" -> "1500ml").
// Ounces are kept as ounces.
func Volume(raw string) (string, bool) {
	m := wholeVolumeRe.FindStringSubmatch(textnorm.Fold(raw))
	if m == nil {
		return "", false
	}
	return normalizeVolume(m[1], m[2]), true
}

// Screen normalizes a diagonal such as `55"` or "55 inch" to "55in".
func Screen(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer(`"`, "", "''", "", "”", "", ",", ".").Replace(s)
	m := wholeScreenRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return formatNumber(m[1]) + "in", true
}

// Weight normalizes a mass to grams ("1 kg" -> "1000g").
func Weight(raw string) (string, bool) {
	m := wholeWeightRe.FindStringSubmatch(textnorm.Fold(raw))
	if m == nil {
		return "", false
	}
	return normalizeWeight(m[1], m[2]), true
}
