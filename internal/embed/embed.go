// Package embed turns a record's textual identity into a fixed-size vector
// and provides the vector helpers shared by the semantic cache backends.
package embed

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enrich/internal/textnorm"
)

// DefaultDim is the vector size of the hashing embedder.
const DefaultDim = 512

// Embedder produces vectors for identity text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
	ID() string
}

// HashEmbedder is a deterministic feature-hashing embedder over word and
// character-trigram features. Tokens carrying digits (model numbers,
// capacities) are weighted up so that "s23" and "s24" stay apart.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a HashEmbedder; dim <= 0 uses DefaultDim.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dim() int   { return h.dim }
func (h *HashEmbedder) ID() string { return "hash-v1-" + strconv.Itoa(h.dim) }

// Embed returns the L2-normalized feature vector of text. Empty text yields
// a zero vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	for _, tok := range textnorm.Tokens(text) {
		w := float32(1)
		if strings.IndexFunc(tok, unicode.IsDigit) >= 0 {
			w = 2
		}
		h.add(vec, "w:"+tok, w)
		padded := []rune(" " + tok + " ")
		for i := 0; i+3 <= len(padded); i++ {
			h.add(vec, "c:"+string(padded[i:i+3]), 0.5)
		}
	}
	Normalize(vec)
	return vec, nil
}

func (h *HashEmbedder) add(vec []float32, feature string, w float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dim))
	if sum>>63 == 1 {
		w = -w
	}
	vec[idx] += w
}

// Normalize scales v to unit length in place.
func Normalize(v []float32) {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if n == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(n))
	for i := range v {
		v[i] *= inv
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// zero or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Encode serializes v as a little-endian length-prefixed blob.
func Encode(v []float32) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(v)))
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// Decode parses a blob written by Encode.
func Decode(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, eris.New("embed: vector blob too short")
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if len(data) < 4+n*4 {
		return nil, eris.Errorf("embed: vector blob truncated: want %d floats", n)
	}
	v := make([]float32, n)
	if err := binary.Read(bytes.NewReader(data[4:4+n*4]), binary.LittleEndian, v); err != nil {
		return nil, eris.Wrap(err, "embed: decode vector")
	}
	return v, nil
}

// Literal renders v in pgvector text form: "[0.1,0.2,...]".
func Literal(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// ParseLiteral parses pgvector text form.
func ParseLiteral(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, eris.Errorf("embed: invalid vector literal %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, eris.Wrapf(err, "embed: parse component %d", i)
		}
		out[i] = float32(f)
	}
	return out, nil
}
