// Package hash implements a deterministic bag-of-tokens feature-hashing
// embedder. It needs no model files and no network: each token hashes to a
// pseudo-random dense vector, and the text embedding is the normalized sum
// of its token vectors. Texts sharing tokens have positive cosine
// similarity; unrelated texts land near zero. It is the default embedder
// for tests and local deployments; swap in the ONNX embedder for real
// semantic similarity.
package hash

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/becomeliminal/cortex/vector"
)

// DefaultDimensions balances collision noise against vector size. At 256
// dimensions two random token vectors have expected |cosine| around 0.06.
const DefaultDimensions = 256

// Embedder is a stateless feature-hashing embedder.
type Embedder struct {
	dims int
}

var _ vector.Embedder = (*Embedder)(nil)

// New creates an embedder with the given dimensionality. Non-positive
// values fall back to DefaultDimensions.
func New(dims int) *Embedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{dims: dims}
}

// Dimensions implements vector.Embedder.
func (e *Embedder) Dimensions() int { return e.dims }

// Embed implements vector.Embedder. Output is a pure function of the
// input text. Texts with no tokens embed to the zero vector.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	out := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		addTokenVector(out, token)
	}
	normalize(out)
	return out, nil
}

// tokenize lowercases and splits on anything that is not a letter or
// digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// addTokenVector accumulates the token's pseudo-random vector into acc.
// The token's FNV-64a hash seeds a splitmix-style generator, so the same
// token always yields the same vector.
func addTokenVector(acc []float32, token string) {
	h := fnv.New64a()
	h.Write([]byte(token))
	state := h.Sum64()
	for i := range acc {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		// map to [-1, 1)
		acc[i] += float32(int64(z)) / float32(math.MaxInt64)
	}
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
