package graph

import (
	"context"
	"sort"
	"time"

	"github.com/becomeliminal/cortex/core"
)

// Direction selects which edges a traversal follows.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// TraverseRequest describes a bounded breadth-first expansion of the graph.
type TraverseRequest struct {
	// StartIDs are the seed nodes. Unknown or tombstoned ids are skipped.
	StartIDs []string

	// MaxDepth bounds the expansion. 0 returns only the start set.
	MaxDepth int

	// Direction defaults to outgoing when empty.
	Direction Direction

	// Relations restricts followed edges to these labels when non-empty.
	Relations []string

	// MinWeight drops edges below this weight.
	MinWeight float32

	// Limit caps the number of returned nodes when positive. Start nodes
	// are admitted first, then shallower depths.
	Limit int

	// IncludeStart controls whether the start nodes appear in the result.
	// They are always expanded.
	IncludeStart bool
}

// Budget caps the resources a traversal may spend before it is truncated.
// The zero value applies DefaultBudget.
type Budget struct {
	// MaxVisited caps how many distinct nodes are expanded.
	MaxVisited int

	// MaxDuration caps wall time.
	MaxDuration time.Duration
}

// DefaultBudget keeps a single traversal from walking an unbounded
// component.
var DefaultBudget = Budget{
	MaxVisited:  10_000,
	MaxDuration: 2 * time.Second,
}

func (b Budget) orDefault() Budget {
	if b.MaxVisited <= 0 {
		b.MaxVisited = DefaultBudget.MaxVisited
	}
	if b.MaxDuration <= 0 {
		b.MaxDuration = DefaultBudget.MaxDuration
	}
	return b
}

// Subgraph is the result of a traversal.
type Subgraph struct {
	// Nodes in breadth-first order: depth ascending, id ascending within a
	// depth.
	Nodes []*core.Node `json:"nodes"`

	// Depths maps node id to the depth it was first reached at.
	Depths map[string]int `json:"depths"`

	// Edges are the traversed edges whose both endpoints made the result.
	Edges []*core.Edge `json:"edges"`

	// VisitedCount is the number of distinct nodes expanded, including any
	// dropped by Limit.
	VisitedCount int `json:"visited_count"`

	// Truncated reports that a budget or the node limit cut the expansion
	// short.
	Truncated bool `json:"truncated"`
}

// Traverse runs a bounded breadth-first expansion from the start set.
// Every node is visited at most once, at the first (shallowest) depth it is
// reached, so the walk terminates on cyclic graphs in O(V+E). Tombstoned
// nodes are neither returned nor expanded.
func Traverse(ctx context.Context, store Store, req TraverseRequest, budget Budget) (*Subgraph, error) {
	if req.MaxDepth < 0 {
		return nil, core.NewError(core.CodeInvalidArgument, "max depth must not be negative")
	}
	dir := req.Direction
	if dir == "" {
		dir = DirectionOutgoing
	}
	switch dir {
	case DirectionOutgoing, DirectionIncoming, DirectionBoth:
	default:
		return nil, core.Errorf(core.CodeInvalidArgument, "unknown direction %q", dir)
	}
	budget = budget.orDefault()
	deadline := time.Now().Add(budget.MaxDuration)

	sub := &Subgraph{Depths: make(map[string]int)}
	seen := make(map[string]*core.Node)
	var frontier []string

	for _, id := range dedupe(req.StartIDs) {
		node, err := store.GetNode(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if node.Deleted {
			continue
		}
		seen[id] = node
		sub.Depths[id] = 0
		frontier = append(frontier, id)
	}
	sub.VisitedCount = len(seen)

	for depth := 0; depth < req.MaxDepth && len(frontier) > 0; depth++ {
		sort.Strings(frontier)
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, core.WrapError(core.CodeUnavailable, err, "traversal canceled")
			}
			if sub.VisitedCount >= budget.MaxVisited || time.Now().After(deadline) {
				sub.Truncated = true
				frontier = nil
				next = nil
				break
			}

			edges, err := neighborEdges(ctx, store, id, dir)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				if !followEdge(edge, req) {
					continue
				}
				neighbor := edge.To
				if neighbor == id {
					neighbor = edge.From
				}
				if _, ok := seen[neighbor]; ok {
					sub.Edges = append(sub.Edges, edge)
					continue
				}
				if sub.VisitedCount >= budget.MaxVisited {
					sub.Truncated = true
					continue
				}
				node, err := store.GetNode(ctx, neighbor)
				if err != nil {
					if core.IsNotFound(err) {
						continue
					}
					return nil, err
				}
				if node.Deleted {
					continue
				}
				seen[neighbor] = node
				sub.Depths[neighbor] = depth + 1
				sub.VisitedCount++
				sub.Edges = append(sub.Edges, edge)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	assemble(sub, seen, req)
	return sub, nil
}

// neighborEdges fetches the edges to follow from a node in the given
// direction, de-duplicated by edge id.
func neighborEdges(ctx context.Context, store Store, id string, dir Direction) ([]*core.Edge, error) {
	var edges []*core.Edge
	if dir == DirectionOutgoing || dir == DirectionBoth {
		out, err := store.EdgesFrom(ctx, id)
		if err != nil {
			return nil, err
		}
		edges = append(edges, out...)
	}
	if dir == DirectionIncoming || dir == DirectionBoth {
		in, err := store.EdgesTo(ctx, id)
		if err != nil {
			return nil, err
		}
		edges = append(edges, in...)
	}
	if dir == DirectionBoth {
		byID := make(map[string]bool, len(edges))
		uniq := edges[:0]
		for _, e := range edges {
			if byID[e.ID] {
				continue
			}
			byID[e.ID] = true
			uniq = append(uniq, e)
		}
		edges = uniq
	}
	return edges, nil
}

func followEdge(edge *core.Edge, req TraverseRequest) bool {
	if edge.Weight < req.MinWeight {
		return false
	}
	if len(req.Relations) == 0 {
		return true
	}
	for _, rel := range req.Relations {
		if edge.Relation == rel {
			return true
		}
	}
	return false
}

// assemble orders the visited nodes (depth asc, id asc), applies the node
// limit, and prunes edges whose endpoints did not both survive.
func assemble(sub *Subgraph, seen map[string]*core.Node, req TraverseRequest) {
	ids := make([]string, 0, len(seen))
	for id := range seen {
		if !req.IncludeStart && sub.Depths[id] == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		di, dj := sub.Depths[ids[i]], sub.Depths[ids[j]]
		if di != dj {
			return di < dj
		}
		return ids[i] < ids[j]
	})
	if req.Limit > 0 && len(ids) > req.Limit {
		ids = ids[:req.Limit]
		sub.Truncated = true
	}

	kept := make(map[string]bool, len(ids))
	sub.Nodes = make([]*core.Node, 0, len(ids))
	for _, id := range ids {
		kept[id] = true
		sub.Nodes = append(sub.Nodes, seen[id])
	}

	depths := make(map[string]int, len(ids))
	for id := range kept {
		depths[id] = sub.Depths[id]
	}
	sub.Depths = depths

	seenEdge := make(map[string]bool, len(sub.Edges))
	edges := sub.Edges[:0]
	for _, e := range sub.Edges {
		if seenEdge[e.ID] || !kept[e.From] || !kept[e.To] {
			continue
		}
		seenEdge[e.ID] = true
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	sub.Edges = edges
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
