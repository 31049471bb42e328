package badger_test

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

func openStore(t *testing.T) *badgerstore.Store {
	t.Helper()
	opts := badgerstore.DefaultOptions(t.TempDir())
	opts.SyncWrites = false
	store, err := badgerstore.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newNode(title string) *core.Node {
	now := time.Now().UTC()
	return &core.Node{
		ID:        core.NewID(),
		Kind:      core.KindFact,
		Title:     title,
		Body:      title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestNodeRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	node := newNode("rate limit is 1000 per minute")
	node.Tags = []string{"api", "limits"}
	node.Metadata = map[string]string{"source": "runbook"}
	node.Importance = 0.8
	node.SourceAgent = "agent-a"
	node.Embedding = []float32{0.1, 0.2, 0.3}

	require.NoError(t, store.PutNode(ctx, node, false))
	assert.Equal(t, uint64(1), node.Seq)

	got, err := store.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, node.Title, got.Title)
	assert.Equal(t, node.Tags, got.Tags)
	assert.Equal(t, node.Metadata, got.Metadata)
	assert.Equal(t, node.Embedding, got.Embedding)
	assert.Equal(t, node.Seq, got.Seq)
}

func TestGetNodeNotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.GetNode(context.Background(), core.NewID())
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestSeqAssignedOncePerNode(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := newNode("first")
	second := newNode("second")
	require.NoError(t, store.PutNode(ctx, first, false))
	require.NoError(t, store.PutNode(ctx, second, false))
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)

	// Updating must not re-number.
	first.Title = "first, revised"
	require.NoError(t, store.PutNode(ctx, first, false))
	got, err := store.GetNode(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, "first, revised", got.Title)
}

func TestEdgeAdjacency(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	a, b, c := newNode("a"), newNode("b"), newNode("c")
	for _, n := range []*core.Node{a, b, c} {
		require.NoError(t, store.PutNode(ctx, n, false))
	}

	ab := &core.Edge{ID: core.NewID(), From: a.ID, To: b.ID, Relation: core.RelationRelatedTo, Weight: 1}
	ac := &core.Edge{ID: core.NewID(), From: a.ID, To: c.ID, Relation: core.RelationLedTo, Weight: 0.5}
	require.NoError(t, store.PutEdge(ctx, ab))
	require.NoError(t, store.PutEdge(ctx, ac))

	out, err := store.EdgesFrom(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, out, 2)

	in, err := store.EdgesTo(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, ab.ID, in[0].ID)

	between, err := store.EdgesBetween(ctx, a.ID, c.ID)
	require.NoError(t, err)
	require.Len(t, between, 1)
	assert.Equal(t, ac.ID, between[0].ID)

	got, err := store.GetEdge(ctx, ab.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RelationRelatedTo, got.Relation)
}

func TestListNodesFilter(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	fact := newNode("important fact")
	fact.Importance = 0.9
	fact.SourceAgent = "agent-a"
	fact.Tags = []string{"ops"}

	note := newNode("minor note")
	note.Kind = core.KindNote
	note.Importance = 0.1
	note.SourceAgent = "agent-b"

	gone := newNode("tombstoned")
	gone.Deleted = true

	for _, n := range []*core.Node{fact, note, gone} {
		require.NoError(t, store.PutNode(ctx, n, false))
	}

	all, err := store.ListNodes(ctx, graph.NodeFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	facts, err := store.ListNodes(ctx, graph.NodeFilter{Kinds: []string{core.KindFact}})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, fact.ID, facts[0].ID)

	byAgent, err := store.ListNodes(ctx, graph.NodeFilter{SourceAgent: "agent-b"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, note.ID, byAgent[0].ID)

	important, err := store.ListNodes(ctx, graph.NodeFilter{MinImportance: 0.5})
	require.NoError(t, err)
	require.Len(t, important, 1)

	tagged, err := store.ListNodes(ctx, graph.NodeFilter{Tags: []string{"ops"}})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
}

func TestBumpAccessCounts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	live := newNode("served")
	gone := newNode("tombstoned")
	gone.Deleted = true
	require.NoError(t, store.PutNode(ctx, live, false))
	require.NoError(t, store.PutNode(ctx, gone, false))

	require.NoError(t, store.BumpAccessCounts(ctx, []string{live.ID, gone.ID, core.NewID()}))
	require.NoError(t, store.BumpAccessCounts(ctx, []string{live.ID}))

	got, err := store.GetNode(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.AccessCount)
	assert.Equal(t, live.Seq, got.Seq)

	// The tombstone stays tombstoned and uncounted.
	still, err := store.GetNode(ctx, gone.ID)
	require.NoError(t, err)
	assert.True(t, still.Deleted)
	assert.Zero(t, still.AccessCount)
}

func TestLinkQueueClaim(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 3; i++ {
		n := newNode("queued")
		require.NoError(t, store.PutNode(ctx, n, true))
		want = append(want, n.ID)
	}

	got, err := store.DequeueLinks(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, want[:2], got)

	rest, err := store.DequeueLinks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, want[2:], rest)

	empty, err := store.DequeueLinks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMetadataRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	missing, err := store.GetMetadata(ctx, "linker:cursor")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.PutMetadata(ctx, "linker:cursor", []byte("42")))
	got, err := store.GetMetadata(ctx, "linker:cursor")
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), got)
}

func TestStats(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	a, b := newNode("a"), newNode("b")
	require.NoError(t, store.PutNode(ctx, a, true))
	require.NoError(t, store.PutNode(ctx, b, false))

	gone := newNode("gone")
	gone.Deleted = true
	require.NoError(t, store.PutNode(ctx, gone, false))

	require.NoError(t, store.PutEdge(ctx, &core.Edge{
		ID: core.NewID(), From: a.ID, To: b.ID, Relation: core.RelationRelatedTo, Weight: 1,
	}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Nodes)
	assert.Equal(t, uint64(1), stats.Tombstones)
	assert.Equal(t, uint64(1), stats.Edges)
	assert.Equal(t, uint64(1), stats.QueuedLinks)
}

func TestReopenRecoversEverything(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	opts := badgerstore.DefaultOptions(dir)
	store, err := badgerstore.Open(opts)
	require.NoError(t, err)

	node := newNode("durable")
	require.NoError(t, store.PutNode(ctx, node, true))
	edgeTarget := newNode("target")
	require.NoError(t, store.PutNode(ctx, edgeTarget, false))
	edge := &core.Edge{ID: core.NewID(), From: node.ID, To: edgeTarget.ID, Relation: core.RelationRelatedTo, Weight: 1}
	require.NoError(t, store.PutEdge(ctx, edge))
	require.NoError(t, store.Close())

	reopened, err := badgerstore.Open(opts)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, node.Title, got.Title)
	assert.Equal(t, node.Seq, got.Seq)

	edges, err := reopened.EdgesFrom(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	queued, err := reopened.DequeueLinks(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{node.ID}, queued)

	// The sequence counter must continue, not restart.
	later := newNode("later")
	require.NoError(t, reopened.PutNode(ctx, later, false))
	assert.Equal(t, uint64(3), later.Seq)
}
