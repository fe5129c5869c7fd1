// Package encoder turns raw records into fixed-width feature vectors.
//
// The transform is stateless: there is no fitted vocabulary, so any process that
// builds an Encoder from the same Schema produces bit-identical vectors. Training
// and serving rely on this instead of shipping a fitted vectorizer.
package encoder

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/Veraticus/the-spice-must-learn/internal/common"
)

// SchemaVersion identifies the tokenization and hashing rules implemented here.
// Bump it whenever Encode would produce different vectors for the same input.
const SchemaVersion = 1

// DefaultBuckets is the default width of the hashed text space.
const DefaultBuckets = 1 << 18

// Schema pins down every parameter of the transform. It is stored inside each
// artifact so that serving reconstructs exactly the training-time encoder.
type Schema struct {
	Version   int
	Buckets   int
	UseAmount bool
}

// NewSchema returns a schema at the current version.
func NewSchema(buckets int, useAmount bool) Schema {
	return Schema{Version: SchemaVersion, Buckets: buckets, UseAmount: useAmount}
}

// Validate checks that the schema can be served by this build.
func (s Schema) Validate() error {
	if s.Version != SchemaVersion {
		return fmt.Errorf("%w: feature schema version %d, this build supports %d",
			common.ErrInvalidConfig, s.Version, SchemaVersion)
	}
	if s.Buckets < 16 {
		return fmt.Errorf("%w: feature buckets must be at least 16, got %d", common.ErrInvalidConfig, s.Buckets)
	}
	return nil
}

// Width is the length of every encoded vector: hashed buckets plus the amount slot.
func (s Schema) Width() int {
	return s.Buckets + 1
}

// Vector is a sparse feature vector with strictly increasing indices.
type Vector struct {
	Indices []int
	Values  []float64
	Width   int
}

// Dot returns the inner product with a dense weight row of length Width.
func (v Vector) Dot(w []float64) float64 {
	var sum float64
	for i, idx := range v.Indices {
		sum += w[idx] * v.Values[i]
	}
	return sum
}

// Amount returns the value stored in the amount slot.
func (v Vector) Amount() float64 {
	n := len(v.Indices)
	if n > 0 && v.Indices[n-1] == v.Width-1 {
		return v.Values[n-1]
	}
	return 0
}

// Encoder applies a Schema.
type Encoder struct {
	schema Schema
}

// New creates an Encoder for the schema.
func New(schema Schema) (*Encoder, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Encoder{schema: schema}, nil
}

// Schema returns the schema this encoder applies.
func (e *Encoder) Schema() Schema {
	return e.schema
}

// Encode maps text and an optional amount to a feature vector.
func (e *Encoder) Encode(text string, amount *float64) (Vector, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	amt, hasAmount := amountFeature(amount)
	if !e.schema.UseAmount {
		hasAmount = false
		amt = 0
	}
	if text == "" && !hasAmount {
		return Vector{}, &common.ValidationError{Reason: "text or amount is required"}
	}

	grams := ngrams(tokenize(text))
	if len(grams) == 0 && !hasAmount {
		return Vector{}, &common.ValidationError{Field: "text", Reason: "has no usable tokens and no amount"}
	}

	counts := make(map[int]float64)
	for _, gram := range grams {
		idx := int(xxhash.Sum64String(gram) % uint64(e.schema.Buckets))
		counts[idx]++
	}

	indices := make([]int, 0, len(counts)+1)
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var norm float64
	for _, idx := range indices {
		norm += counts[idx] * counts[idx]
	}
	norm = math.Sqrt(norm)

	values := make([]float64, len(indices), len(indices)+1)
	for i, idx := range indices {
		values[i] = counts[idx] / norm
	}

	if amt != 0 {
		indices = append(indices, e.schema.Buckets)
		values = append(values, amt)
	}

	return Vector{Indices: indices, Values: values, Width: e.schema.Width()}, nil
}

// amountFeature returns log(1+max(0,amount)). NaN and Inf count as absent.
func amountFeature(amount *float64) (float64, bool) {
	if amount == nil || math.IsNaN(*amount) || math.IsInf(*amount, 0) {
		return 0, false
	}
	return math.Log1p(math.Max(0, *amount)), true
}

// HasTokens reports whether text yields at least one token.
func HasTokens(text string) bool {
	return len(tokenize(strings.ToLower(text))) > 0
}

// tokenize splits on anything that is not a letter, digit or underscore and keeps
// tokens of at least two runes.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// ngrams emits unigrams followed by adjacent bigrams.
func ngrams(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}
	grams := make([]string, 0, 2*len(tokens)-1)
	grams = append(grams, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		grams = append(grams, tokens[i]+" "+tokens[i+1])
	}
	return grams
}

// Fold projects the hashed text part of v onto dims dense dimensions using signed
// hashing and keeps the amount as an extra trailing dimension. Detectors work on
// this compact form; it is as deterministic as Encode.
func Fold(v Vector, dims int) []float64 {
	out := make([]float64, dims+1)
	var buf [8]byte
	for i, idx := range v.Indices {
		if idx == v.Width-1 {
			out[dims] = v.Values[i]
			continue
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(idx))
		h := xxhash.Sum64(buf[:])
		j := int((h >> 1) % uint64(dims))
		if h&1 == 1 {
			out[j] -= v.Values[i]
		} else {
			out[j] += v.Values[i]
		}
	}
	return out
}
