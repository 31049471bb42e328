package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/cortex/core"
	"github.com/becomeliminal/cortex/graph"
	badgerstore "github.com/becomeliminal/cortex/graph/store/badger"
)

type fixture struct {
	store *badgerstore.Store
	ids   map[string]string
}

func (f *fixture) id(name string) string { return f.ids[name] }

// buildGraph creates named nodes and edges like "a>b" (weight 1,
// related_to) in an in-memory store.
func buildGraph(t *testing.T, nodes []string, edges []struct {
	from, to string
	weight   float32
	relation string
}) *fixture {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	f := &fixture{store: store, ids: make(map[string]string)}
	for _, name := range nodes {
		now := time.Now().UTC()
		node := &core.Node{
			ID: core.NewID(), Kind: core.KindFact,
			Title: name, Body: name,
			CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, store.PutNode(ctx, node, false))
		f.ids[name] = node.ID
	}
	for _, e := range edges {
		rel := e.relation
		if rel == "" {
			rel = core.RelationRelatedTo
		}
		require.NoError(t, store.PutEdge(ctx, &core.Edge{
			ID: core.NewID(), From: f.id(e.from), To: f.id(e.to),
			Relation: rel, Weight: e.weight,
		}))
	}
	return f
}

type edgeSpec = struct {
	from, to string
	weight   float32
	relation string
}

func TestTraverseDepthBound(t *testing.T) {
	f := buildGraph(t,
		[]string{"a", "b", "c", "d"},
		[]edgeSpec{
			{from: "a", to: "b", weight: 1},
			{from: "b", to: "c", weight: 1},
			{from: "c", to: "d", weight: 1},
		},
	)
	ctx := context.Background()

	sub, err := graph.Traverse(ctx, f.store, graph.TraverseRequest{
		StartIDs: []string{f.id("a")}, MaxDepth: 2, IncludeStart: true,
	}, graph.Budget{})
	require.NoError(t, err)

	require.Len(t, sub.Nodes, 3)
	assert.Equal(t, 0, sub.Depths[f.id("a")])
	assert.Equal(t, 1, sub.Depths[f.id("b")])
	assert.Equal(t, 2, sub.Depths[f.id("c")])
	_, beyond := sub.Depths[f.id("d")]
	assert.False(t, beyond)
	assert.False(t, sub.Truncated)
}

func TestTraverseDepthZeroReturnsStartOnly(t *testing.T) {
	f := buildGraph(t,
		[]string{"a", "b"},
		[]edgeSpec{{from: "a", to: "b", weight: 1}},
	)

	sub, err := graph.Traverse(context.Background(), f.store, graph.TraverseRequest{
		StartIDs: []string{f.id("a")}, MaxDepth: 0, IncludeStart: true,
	}, graph.Budget{})
	require.NoError(t, err)
	require.Len(t, sub.Nodes, 1)
	assert.Equal(t, f.id("a"), sub.Nodes[0].ID)
	assert.Empty(t, sub.Edges)
}

func TestTraverseTerminatesOnCycle(t *testing.T) {
	f := buildGraph(t,
		[]string{"a", "b", "c"},
		[]edgeSpec{
			{from: "a", to: "b", weight: 1},
			{from: "b", to: "c", weight: 1},
			{from: "c", to: "a", weight: 1},
		},
	)

	sub, err := graph.Traverse(context.Background(), f.store, graph.TraverseRequest{
		StartIDs: []string{f.id("a")}, MaxDepth: 10, IncludeStart: true,
	}, graph.Budget{})
	require.NoError(t, err)
	require.Len(t, sub.Nodes, 3)
	// First-seen depth wins on the cycle.
	assert.Equal(t, 0, sub.Depths[f.id("a")])
	assert.Equal(t, 1, sub.Depths[f.id("b")])
	assert.Equal(t, 2, sub.Depths[f.id("c")])
	assert.Len(t, sub.Edges, 3)
}

func TestTraverseDirections(t *testing.T) {
	f := buildGraph(t,
		[]string{"a", "b", "c"},
		[]edgeSpec{
			{from: "a", to: "b", weight: 1},
			{from: "c", to: "a", weight: 1},
		},
	)
	ctx := context.Background()
	req := graph.TraverseRequest{StartIDs: []string{f.id("a")}, MaxDepth: 1, IncludeStart: true}

	req.Direction = graph.DirectionOutgoing
	out, err := graph.Traverse(ctx, f.store, req, graph.Budget{})
	require.NoError(t, err)
	assert.Len(t, out.Nodes, 2)
	assert.Contains(t, out.Depths, f.id("b"))

	req.Direction = graph.DirectionIncoming
	in, err := graph.Traverse(ctx, f.store, req, graph.Budget{})
	require.NoError(t, err)
	assert.Len(t, in.Nodes, 2)
	assert.Contains(t, in.Depths, f.id("c"))

	req.Direction = graph.DirectionBoth
	both, err := graph.Traverse(ctx, f.store, req, graph.Budget{})
	require.NoError(t, err)
	assert.Len(t, both.Nodes, 3)
}

func TestTraverseRelationAndWeightFilters(t *testing.T) {
	f := buildGraph(t,
		[]string{"a", "b", "c", "d"},
		[]edgeSpec{
			{from: "a", to: "b", weight: 1, relation: core.RelationLedTo},
			{from: "a", to: "c", weight: 1, relation: core.RelationRelatedTo},
			{from: "a", to: "d", weight: 0.2, relation: core.RelationLedTo},
		},
	)
	ctx := context.Background()

	byRelation, err := graph.Traverse(ctx, f.store, graph.TraverseRequest{
		StartIDs: []string{f.id("a")}, MaxDepth: 1, IncludeStart: true,
		Relations: []string{core.RelationLedTo},
	}, graph.Budget{})
	require.NoError(t, err)
	assert.Len(t, byRelation.Nodes, 3)
	_, hasC := byRelation.Depths[f.id("c")]
	assert.False(t, hasC)

	byWeight, err := graph.Traverse(ctx, f.store, graph.TraverseRequest{
		StartIDs: []string{f.id("a")}, MaxDepth: 1, IncludeStart: true,
		MinWeight: 0.5,
	}, graph.Budget{})
	require.NoError(t, err)
	_, hasD := byWeight.Depths[f.id("d")]
	assert.False(t, hasD)
}

func TestTraverseVisitBudgetTruncates(t *testing.T) {
	f := buildGraph(t,
		[]string{"a", "b", "c", "d", "e"},
		[]edgeSpec{
			{from: "a", to: "b", weight: 1},
			{from: "a", to: "c", weight: 1},
			{from: "a", to: "d", weight: 1},
			{from: "a", to: "e", weight: 1},
		},
	)

	sub, err := graph.Traverse(context.Background(), f.store, graph.TraverseRequest{
		StartIDs: []string{f.id("a")}, MaxDepth: 1, IncludeStart: true,
	}, graph.Budget{MaxVisited: 3, MaxDuration: time.Minute})
	require.NoError(t, err)
	assert.True(t, sub.Truncated)
	assert.LessOrEqual(t, len(sub.Nodes), 3)
}

func TestTraverseSkipsUnknownAndTombstonedStarts(t *testing.T) {
	f := buildGraph(t,
		[]string{"a", "b"},
		[]edgeSpec{{from: "a", to: "b", weight: 1}},
	)
	ctx := context.Background()

	gone, err := f.store.GetNode(ctx, f.id("b"))
	require.NoError(t, err)
	gone.Deleted = true
	require.NoError(t, f.store.PutNode(ctx, gone, false))

	sub, err := graph.Traverse(ctx, f.store, graph.TraverseRequest{
		StartIDs:     []string{f.id("a"), f.id("b"), core.NewID()},
		MaxDepth:     1,
		IncludeStart: true,
	}, graph.Budget{})
	require.NoError(t, err)
	require.Len(t, sub.Nodes, 1)
	assert.Equal(t, f.id("a"), sub.Nodes[0].ID)
	// Tombstoned neighbors are not expanded either, so the edge is pruned.
	assert.Empty(t, sub.Edges)
}

func TestTraverseEdgesRequireBothEndpoints(t *testing.T) {
	f := buildGraph(t,
		[]string{"a", "b", "c"},
		[]edgeSpec{
			{from: "a", to: "b", weight: 1},
			{from: "b", to: "c", weight: 1},
		},
	)

	sub, err := graph.Traverse(context.Background(), f.store, graph.TraverseRequest{
		StartIDs: []string{f.id("a")}, MaxDepth: 2, IncludeStart: false,
	}, graph.Budget{})
	require.NoError(t, err)
	require.Len(t, sub.Nodes, 2)
	// a was excluded, so the a->b edge must be pruned.
	require.Len(t, sub.Edges, 1)
	assert.Equal(t, f.id("b"), sub.Edges[0].From)
	assert.Equal(t, f.id("c"), sub.Edges[0].To)
}

func TestTraverseRejectsBadArguments(t *testing.T) {
	f := buildGraph(t, []string{"a"}, nil)
	ctx := context.Background()

	_, err := graph.Traverse(ctx, f.store, graph.TraverseRequest{
		StartIDs: []string{f.id("a")}, MaxDepth: -1,
	}, graph.Budget{})
	assert.True(t, core.IsInvalidArgument(err))

	_, err = graph.Traverse(ctx, f.store, graph.TraverseRequest{
		StartIDs: []string{f.id("a")}, MaxDepth: 1, Direction: "sideways",
	}, graph.Budget{})
	assert.True(t, core.IsInvalidArgument(err))
}
