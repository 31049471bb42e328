// Package search fuses vector similarity with graph proximity into a
// single ranked result list.
package search

import (
	"context"
	"sort"

	"github.com/becomeliminal/cortex/core"
	"github.com/becomeliminal/cortex/graph"
	"github.com/becomeliminal/cortex/vector"
)

// Config tunes hybrid scoring. Zero fields take the defaults.
type Config struct {
	// Alpha weights vector similarity against graph proximity:
	// combined = Alpha*similarity + (1-Alpha)*proximity. Nil selects the
	// default 0.6; zero is a legal value and ranks by proximity alone.
	Alpha *float32

	// Oversample widens the vector candidate pool to limit*Oversample so
	// graph proximity can promote candidates from beyond the top hits.
	// Default 4.
	Oversample int

	// AnchorDepth bounds the proximity traversal from the anchor set.
	// Default 2.
	AnchorDepth int

	// MinScore drops vector candidates below this similarity before
	// fusion. Graph-only candidates are unaffected.
	MinScore float32
}

// DefaultConfig returns the standard fusion parameters.
func DefaultConfig() Config {
	alpha := float32(0.6)
	return Config{Alpha: &alpha, Oversample: 4, AnchorDepth: 2}
}

func (c Config) withDefaults() Config {
	alpha := float32(0.6)
	if c.Alpha != nil {
		alpha = *c.Alpha
	}
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	c.Alpha = &alpha
	if c.Oversample <= 0 {
		c.Oversample = 4
	}
	if c.AnchorDepth <= 0 {
		c.AnchorDepth = 2
	}
	return c
}

// Hybrid scores nodes by fused vector similarity and graph proximity.
type Hybrid struct {
	store graph.Store
	index *vector.Index
	cfg   Config
}

// NewHybrid creates a hybrid scorer over the given store and index.
func NewHybrid(store graph.Store, index *vector.Index, cfg Config) *Hybrid {
	return &Hybrid{store: store, index: index, cfg: cfg.withDefaults()}
}

// Search ranks nodes for the query embedding. With an empty anchor set
// every proximity score is zero and the ranking equals pure vector
// similarity. Anchors that do not exist are skipped.
//
// Candidates are the union of the oversampled vector pool and every node
// visited by the anchor traversal; traversal-only candidates score with
// similarity zero. Proximity is 1/(1+depth) at the shallowest depth any
// anchor reaches the node. Ties in the combined score break by node id
// ascending.
func (h *Hybrid) Search(ctx context.Context, queryEmbedding []float32, anchorIDs []string, limit int) ([]*core.HybridResult, error) {
	if limit <= 0 {
		return nil, core.NewError(core.CodeInvalidArgument, "search limit must be positive")
	}

	pool := limit * h.cfg.Oversample
	hits, err := h.index.Search(ctx, queryEmbedding, pool, h.cfg.MinScore)
	if err != nil {
		return nil, err
	}

	similarity := make(map[string]float32, len(hits))
	for _, hit := range hits {
		similarity[hit.ID] = hit.Similarity
	}

	proximity := make(map[string]float32)
	nearest := make(map[string]anchorRef)
	visited := make(map[string]bool)
	if len(anchorIDs) > 0 {
		if err := h.traverseAnchors(ctx, anchorIDs, proximity, nearest, visited); err != nil {
			return nil, err
		}
	}

	candidates := make(map[string]bool, len(similarity)+len(visited))
	for id := range similarity {
		candidates[id] = true
	}
	for id := range visited {
		candidates[id] = true
	}

	alpha := *h.cfg.Alpha
	results := make([]*core.HybridResult, 0, len(candidates))
	for id := range candidates {
		node, err := h.store.GetNode(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				// index or traversal raced a delete
				continue
			}
			return nil, err
		}
		if node.Deleted {
			continue
		}
		sim := similarity[id]
		prox := proximity[id]
		res := &core.HybridResult{
			Node:          node,
			VectorScore:   sim,
			GraphScore:    prox,
			CombinedScore: alpha*sim + (1-alpha)*prox,
		}
		if ref, ok := nearest[id]; ok {
			res.NearestAnchor = ref.id
			res.AnchorDepth = ref.depth
		}
		results = append(results, res)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		return results[i].Node.ID < results[j].Node.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

type anchorRef struct {
	id    string
	depth int
}

// traverseAnchors expands each anchor separately so the nearest anchor and
// its depth can be attributed per candidate. Proximity takes the best
// (shallowest) depth over all anchors.
func (h *Hybrid) traverseAnchors(ctx context.Context, anchorIDs []string, proximity map[string]float32, nearest map[string]anchorRef, visited map[string]bool) error {
	for _, anchor := range anchorIDs {
		sub, err := graph.Traverse(ctx, h.store, graph.TraverseRequest{
			StartIDs:     []string{anchor},
			MaxDepth:     h.cfg.AnchorDepth,
			Direction:    graph.DirectionBoth,
			IncludeStart: true,
		}, graph.Budget{})
		if err != nil {
			return err
		}
		for id, depth := range sub.Depths {
			visited[id] = true
			prox := 1 / float32(1+depth)
			ref, seen := nearest[id]
			if !seen || depth < ref.depth || (depth == ref.depth && anchor < ref.id) {
				nearest[id] = anchorRef{id: anchor, depth: depth}
			}
			if prox > proximity[id] {
				proximity[id] = prox
			}
		}
	}
	return nil
}
