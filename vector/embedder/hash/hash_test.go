package hash_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/cortex/vector/embedder/hash"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestEmbedDeterministic(t *testing.T) {
	e := hash.New(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Rate limit is 1000 requests per minute")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Rate limit is 1000 requests per minute")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, hash.DefaultDimensions)
	assert.Equal(t, hash.DefaultDimensions, e.Dimensions())
}

func TestEmbedUnitNorm(t *testing.T) {
	e := hash.New(128)
	v, err := e.Embed(context.Background(), "some text with tokens")
	require.NoError(t, err)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-4)
}

func TestEmbedEmptyTextIsZeroVector(t *testing.T) {
	e := hash.New(64)
	v, err := e.Embed(context.Background(), "  \t\n ")
	require.NoError(t, err)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestTokenOverlapRaisesSimilarity(t *testing.T) {
	e := hash.New(0)
	ctx := context.Background()

	limits, err := e.Embed(ctx, "API rate limit is 1000 requests per minute")
	require.NoError(t, err)
	query, err := e.Embed(ctx, "what is the rate limit")
	require.NoError(t, err)
	deploy, err := e.Embed(ctx, "deploy completed successfully yesterday")
	require.NoError(t, err)

	overlap := cosine(query, limits)
	unrelated := cosine(query, deploy)
	assert.Greater(t, overlap, 0.25)
	assert.Greater(t, overlap, unrelated+0.15)
}

func TestCaseAndPunctuationInsensitive(t *testing.T) {
	e := hash.New(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Deploy Service, Now!")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "deploy service now")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
