// Package linker discovers relationships between nodes in the background
// and materializes them as auto-provenance edges. It never runs on the
// synchronous write path; new nodes are picked up from the durable work
// queue the store fills at insert time.
package linker

import (
	"context"
	"time"

	"github.com/becomeliminal/cortex/core"
	"github.com/becomeliminal/cortex/graph"
	"github.com/becomeliminal/cortex/vector"
)

// Rules hold the proposal thresholds. Zero fields take the defaults.
type Rules struct {
	// SimilarityThreshold is the minimum cosine similarity for an
	// embedding-based link. Default 0.7.
	SimilarityThreshold float32

	// Neighbors is how many vector neighbours are examined per node.
	// Default 10.
	Neighbors int

	// SharedTagMin is how many tags two nodes must share before a
	// structural link is proposed. Default 2.
	SharedTagMin int

	// TemporalWindow links nodes written by the same agent within this
	// window. Default 30 minutes.
	TemporalWindow time.Duration

	// MaxEdgesPerNode caps how many edges one queue entry may create.
	// Default 5.
	MaxEdgesPerNode int
}

const (
	sharedTagWeight = 0.5
	temporalWeight  = 0.4

	ruleSharedTags = "shared_tags"
	ruleTemporal   = "same_agent_temporal"
)

func (r Rules) withDefaults() Rules {
	if r.SimilarityThreshold <= 0 {
		r.SimilarityThreshold = 0.7
	}
	if r.Neighbors <= 0 {
		r.Neighbors = 10
	}
	if r.SharedTagMin <= 0 {
		r.SharedTagMin = 2
	}
	if r.TemporalWindow <= 0 {
		r.TemporalWindow = 30 * time.Minute
	}
	if r.MaxEdgesPerNode <= 0 {
		r.MaxEdgesPerNode = 5
	}
	return r
}

// proposal is a candidate edge before dedup and persistence.
type proposal struct {
	to         string
	weight     float32
	provenance core.Provenance
}

// propose runs all rules for one node and returns the merged candidate
// set, highest weight first per target, self-links removed.
func (r Rules) propose(ctx context.Context, store graph.Store, index *vector.Index, node *core.Node) ([]proposal, error) {
	best := make(map[string]proposal)
	add := func(p proposal) {
		if p.to == node.ID {
			return
		}
		if cur, ok := best[p.to]; !ok || p.weight > cur.weight {
			best[p.to] = p
		}
	}

	if len(node.Embedding) > 0 {
		hits, err := index.Search(ctx, node.Embedding, r.Neighbors, r.SimilarityThreshold)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			add(proposal{
				to:     hit.ID,
				weight: core.Clamp01(hit.Similarity),
				provenance: core.Provenance{
					Origin: core.OriginAutoSimilarity,
					Score:  hit.Similarity,
				},
			})
		}
	}

	if len(node.Tags) >= r.SharedTagMin {
		if err := r.proposeSharedTags(ctx, store, node, add); err != nil {
			return nil, err
		}
	}

	if node.SourceAgent != "" {
		if err := r.proposeTemporal(ctx, store, node, add); err != nil {
			return nil, err
		}
	}

	out := make([]proposal, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	return out, nil
}

// proposeSharedTags links nodes sharing at least SharedTagMin tags.
func (r Rules) proposeSharedTags(ctx context.Context, store graph.Store, node *core.Node, add func(proposal)) error {
	counts := make(map[string]int)
	for _, tag := range node.Tags {
		tagged, err := store.ListNodes(ctx, graph.NodeFilter{Tags: []string{tag}})
		if err != nil {
			return err
		}
		for _, n := range tagged {
			counts[n.ID]++
		}
	}
	for id, shared := range counts {
		if shared < r.SharedTagMin {
			continue
		}
		add(proposal{
			to:     id,
			weight: sharedTagWeight,
			provenance: core.Provenance{
				Origin: core.OriginAutoStructural,
				Detail: ruleSharedTags,
			},
		})
	}
	return nil
}

// proposeTemporal links nodes the same agent wrote within the window.
func (r Rules) proposeTemporal(ctx context.Context, store graph.Store, node *core.Node, add func(proposal)) error {
	recent, err := store.ListNodes(ctx, graph.NodeFilter{
		SourceAgent:  node.SourceAgent,
		CreatedAfter: node.CreatedAt.Add(-r.TemporalWindow),
	})
	if err != nil {
		return err
	}
	for _, n := range recent {
		if n.CreatedAt.After(node.CreatedAt.Add(r.TemporalWindow)) {
			continue
		}
		add(proposal{
			to:     n.ID,
			weight: temporalWeight,
			provenance: core.Provenance{
				Origin: core.OriginAutoStructural,
				Detail: ruleTemporal,
			},
		})
	}
	return nil
}
