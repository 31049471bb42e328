package server

import (
	"time"

	"github.com/becomeliminal/cortex/core"
	"github.com/becomeliminal/cortex/graph"
)

// nodeDTO is the wire shape of a node. Embeddings are internal and never
// leave the server.
type nodeDTO struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Importance  float32           `json:"importance"`
	SourceAgent string            `json:"source_agent,omitempty"`
	AccessCount uint64            `json:"access_count"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func toNodeDTO(n *core.Node) nodeDTO {
	return nodeDTO{
		ID:          n.ID,
		Kind:        n.Kind,
		Title:       n.Title,
		Body:        n.Body,
		Tags:        n.Tags,
		Metadata:    n.Metadata,
		Importance:  n.Importance,
		SourceAgent: n.SourceAgent,
		AccessCount: n.AccessCount,
		CreatedAt:   n.CreatedAt,
		UpdatedAt:   n.UpdatedAt,
	}
}

type searchResultDTO struct {
	Node  nodeDTO `json:"node"`
	Score float32 `json:"score"`
}

type hybridResultDTO struct {
	Node          nodeDTO `json:"node"`
	VectorScore   float32 `json:"vector_score"`
	GraphScore    float32 `json:"graph_score"`
	CombinedScore float32 `json:"combined_score"`
	NearestAnchor string  `json:"nearest_anchor,omitempty"`
	AnchorDepth   int     `json:"anchor_depth,omitempty"`
}

type edgeDTO struct {
	ID         string          `json:"id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Relation   string          `json:"relation"`
	Weight     float32         `json:"weight"`
	Provenance core.Provenance `json:"provenance"`
	CreatedAt  time.Time       `json:"created_at"`
}

type subgraphDTO struct {
	Nodes        []nodeDTO      `json:"nodes"`
	Depths       map[string]int `json:"depths"`
	Edges        []edgeDTO      `json:"edges"`
	VisitedCount int            `json:"visited_count"`
	Truncated    bool           `json:"truncated"`
}

func toSubgraphDTO(sub *graph.Subgraph) subgraphDTO {
	out := subgraphDTO{
		Depths:       sub.Depths,
		VisitedCount: sub.VisitedCount,
		Truncated:    sub.Truncated,
		Nodes:        make([]nodeDTO, len(sub.Nodes)),
		Edges:        make([]edgeDTO, len(sub.Edges)),
	}
	for i, n := range sub.Nodes {
		out.Nodes[i] = toNodeDTO(n)
	}
	for i, e := range sub.Edges {
		out.Edges[i] = edgeDTO{
			ID:         e.ID,
			From:       e.From,
			To:         e.To,
			Relation:   e.Relation,
			Weight:     e.Weight,
			Provenance: e.Provenance,
			CreatedAt:  e.CreatedAt,
		}
	}
	return out
}
