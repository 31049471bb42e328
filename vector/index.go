package vector

import (
	"context"
	"sort"
	"strconv"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/cortex/core"
)

const collectionName = "nodes"

// Hit is a single similarity match from the index.
type Hit struct {
	// ID is the node id of the matched document.
	ID string

	// Similarity is the cosine similarity in [-1, 1] (in practice [0, 1]
	// for normalized embeddings).
	Similarity float32

	// Seq is the insertion sequence carried in the document metadata, used
	// as the deterministic tie-break.
	Seq uint64
}

// Index is the in-memory similarity index over node embeddings, backed by
// a chromem-go collection. It holds derived state only; the graph store is
// authoritative and the index is rebuilt from it on open.
type Index struct {
	col *chromem.Collection
}

// NewIndex creates an empty index.
func NewIndex() (*Index, error) {
	db := chromem.NewDB()
	// nil embedding func: every document arrives with its embedding
	// precomputed, and queries go through QueryEmbedding.
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, core.WrapError(core.CodeInternal, err, "create vector collection")
	}
	return &Index{col: col}, nil
}

// Insert adds or replaces the document for a node. The node must carry its
// embedding.
func (ix *Index) Insert(ctx context.Context, node *core.Node) error {
	if len(node.Embedding) == 0 {
		return core.Errorf(core.CodeInvalidArgument, "node %s has no embedding", node.ID)
	}
	doc := chromem.Document{
		ID:        node.ID,
		Content:   EmbeddingInput(node),
		Embedding: node.Embedding,
		Metadata: map[string]string{
			"seq":  strconv.FormatUint(node.Seq, 10),
			"kind": node.Kind,
		},
	}
	if err := ix.col.AddDocument(ctx, doc); err != nil {
		return core.WrapError(core.CodeInternal, err, "index node")
	}
	return nil
}

// Remove drops a node's document. Removing an absent id is a no-op.
func (ix *Index) Remove(ctx context.Context, id string) error {
	err := ix.col.Delete(ctx, nil, nil, id)
	return core.WrapError(core.CodeInternal, err, "remove from index")
}

// Count reports the number of indexed documents.
func (ix *Index) Count() int {
	return ix.col.Count()
}

// Search returns up to limit hits for the query embedding, similarity
// descending. Equal similarities are broken by insertion sequence
// ascending, so repeated queries over an unchanged index return the same
// order. Hits below minScore are dropped.
func (ix *Index) Search(ctx context.Context, embedding []float32, limit int, minScore float32) ([]Hit, error) {
	if limit <= 0 {
		return nil, core.NewError(core.CodeInvalidArgument, "search limit must be positive")
	}
	n := ix.col.Count()
	if n == 0 {
		return nil, nil
	}
	// chromem scores every document regardless of nResults, and its own
	// ordering of equal similarities is unspecified. Fetch everything and
	// truncate after the deterministic re-sort so ties at the cutoff do
	// not flap between queries.
	results, err := ix.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, core.WrapError(core.CodeInternal, err, "vector query")
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if r.Similarity < minScore {
			continue
		}
		seq, _ := strconv.ParseUint(r.Metadata["seq"], 10, 64)
		hits = append(hits, Hit{ID: r.ID, Similarity: r.Similarity, Seq: seq})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Seq < hits[j].Seq
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Rebuild repopulates the index from nodes persisted in the graph store.
// Tombstones and nodes without embeddings are skipped.
func (ix *Index) Rebuild(ctx context.Context, nodes []*core.Node) error {
	for _, node := range nodes {
		if node.Deleted || len(node.Embedding) == 0 {
			continue
		}
		if err := ix.Insert(ctx, node); err != nil {
			return err
		}
	}
	return nil
}
