// Package vector provides text embedding and the similarity index over
// node embeddings. The index is derived state: it can always be rebuilt
// from the graph store, which persists every embedding inline with its
// node.
package vector

import (
	"context"
	"strings"

	"github.com/becomeliminal/cortex/core"
)

// Embedder converts text into a fixed-dimension vector. Implementations
// must be deterministic for identical input within a process lifetime.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// EmbeddingInput builds the canonical text embedded for a node. Kind and
// tags are folded in so nodes of the same kind or topic pull together even
// when their bodies differ.
func EmbeddingInput(n *core.Node) string {
	var b strings.Builder
	b.WriteString(n.Kind)
	b.WriteString(": ")
	b.WriteString(n.Title)
	b.WriteString("\n")
	b.WriteString(n.Body)
	if len(n.Tags) > 0 {
		b.WriteString("\ntags: ")
		b.WriteString(strings.Join(n.Tags, ", "))
	}
	return b.String()
}
