// Package engine is the embeddable facade over the Cortex knowledge
// engine: the graph store, vector index, hybrid search, briefing
// generator, and background linker behind one handle.
//
// Typical usage:
//
//	eng, err := engine.Open("/var/lib/cortex", engine.WithLogger(logger))
//	if err != nil { ... }
//	defer eng.Close()
//
//	id, err := eng.CreateNode(ctx, engine.NodeInput{
//		Kind:  core.KindFact,
//		Title: "API rate limit is 1000 req/min",
//	})
package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/cortex/briefing"
	"github.com/becomeliminal/cortex/core"
	"github.com/becomeliminal/cortex/graph"
	badgerstore "github.com/becomeliminal/cortex/graph/store/badger"
	"github.com/becomeliminal/cortex/linker"
	"github.com/becomeliminal/cortex/search"
	"github.com/becomeliminal/cortex/vector"
	"github.com/becomeliminal/cortex/vector/embedder/hash"
)

const lockStripes = 64

// Engine owns the storage, indexing, and retrieval pipeline. All methods
// are safe for concurrent use. Reads never take the write locks.
type Engine struct {
	store    graph.Store
	index    *vector.Index
	embedder vector.Embedder
	hybrid   *search.Hybrid
	briefs   *briefing.Generator
	linker   *linker.Linker
	events   *bus
	logger   *zap.Logger

	searchCfg search.Config

	// locks stripe node-level writes so unrelated nodes do not contend.
	locks [lockStripes]sync.Mutex

	closeOnce sync.Once
	ownsStore bool
}

type options struct {
	logger      *zap.Logger
	embedder    vector.Embedder
	store       graph.Store
	searchCfg   search.Config
	briefingCfg briefing.Config
	linkerCfg   linker.Config
	noLinker    bool
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the structured logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEmbedder replaces the default feature-hashing embedder.
func WithEmbedder(e vector.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithStore uses an already-open store instead of opening a badger
// directory. The caller keeps ownership; Close will not close it.
func WithStore(s graph.Store) Option {
	return func(o *options) { o.store = s }
}

// WithSearchConfig tunes similarity and hybrid search.
func WithSearchConfig(cfg search.Config) Option {
	return func(o *options) { o.searchCfg = cfg }
}

// WithBriefingConfig tunes briefing selection and caching.
func WithBriefingConfig(cfg briefing.Config) Option {
	return func(o *options) { o.briefingCfg = cfg }
}

// WithLinkerConfig tunes the background linker.
func WithLinkerConfig(cfg linker.Config) Option {
	return func(o *options) { o.linkerCfg = cfg }
}

// WithoutLinker disables the background linker entirely.
func WithoutLinker() Option {
	return func(o *options) { o.noLinker = true }
}

// Open opens the engine over the badger directory at dir, rebuilding the
// vector index from the persisted nodes.
func Open(dir string, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.embedder == nil {
		o.embedder = hash.New(0)
	}

	store := o.store
	ownsStore := false
	if store == nil {
		var err error
		store, err = badgerstore.Open(badgerstore.Options{
			Dir:        dir,
			SyncWrites: true,
			Logger:     o.logger,
		})
		if err != nil {
			return nil, err
		}
		ownsStore = true
	}
	fail := func(err error) (*Engine, error) {
		if ownsStore {
			_ = store.Close()
		}
		return nil, err
	}

	index, err := vector.NewIndex()
	if err != nil {
		return fail(err)
	}

	// The index is derived state; repopulate it from the store so every
	// previously persisted node is searchable again.
	ctx := context.Background()
	nodes, err := store.ListNodes(ctx, graph.NodeFilter{})
	if err != nil {
		return fail(err)
	}
	if err := index.Rebuild(ctx, nodes); err != nil {
		return fail(err)
	}

	briefs, err := briefing.NewGenerator(store, o.briefingCfg, o.logger)
	if err != nil {
		return fail(err)
	}

	e := &Engine{
		store:     store,
		index:     index,
		embedder:  o.embedder,
		hybrid:    search.NewHybrid(store, index, o.searchCfg),
		briefs:    briefs,
		events:    newBus(),
		logger:    o.logger.Named("engine"),
		searchCfg: o.searchCfg,
		ownsStore: ownsStore,
	}

	if !o.noLinker {
		e.linker = linker.New(store, index, linkerWriter{e}, o.linkerCfg, o.logger)
		e.linker.Start()
	}

	e.logger.Info("engine opened",
		zap.String("dir", dir),
		zap.Int("indexed_nodes", index.Count()))
	return e, nil
}

// Close stops the linker and releases the cache and store. Safe to call
// more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.linker != nil {
			e.linker.Stop()
		}
		e.briefs.Close()
		e.events.close()
		if e.ownsStore {
			err = e.store.Close()
		}
	})
	return err
}

// CreateNode validates, embeds, and persists a new node, returning its
// id. The node is durable and searchable before this returns: the record
// and its linker queue entry commit in one store transaction, then the
// vector index is updated. If indexing fails the record is rolled back so
// store and index never diverge.
func (e *Engine) CreateNode(ctx context.Context, in NodeInput) (string, error) {
	now := time.Now().UTC()
	node := &core.Node{
		ID:          core.NewID(),
		Kind:        in.Kind,
		Title:       in.Title,
		Body:        in.Body,
		Tags:        in.Tags,
		Metadata:    in.Metadata,
		Importance:  core.Clamp01(in.Importance),
		SourceAgent: in.SourceAgent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if node.Body == "" {
		node.Body = node.Title
	}
	if err := node.Validate(); err != nil {
		return "", err
	}

	emb, err := e.embedder.Embed(ctx, vector.EmbeddingInput(node))
	if err != nil {
		return "", core.WrapError(core.CodeUnavailable, err, "embed node")
	}
	node.Embedding = emb

	unlock := e.lockNode(node.ID)
	defer unlock()

	if err := e.store.PutNode(ctx, node, true); err != nil {
		return "", err
	}
	if err := e.index.Insert(ctx, node); err != nil {
		// Roll the record back; a node the index cannot serve must not
		// exist in the store either.
		if rbErr := e.store.RemoveNode(ctx, node.ID); rbErr != nil {
			e.logger.Error("index rollback failed",
				zap.String("node", node.ID), zap.Error(rbErr))
		}
		return "", err
	}

	if node.SourceAgent != "" {
		e.briefs.Cache().Invalidate(node.SourceAgent)
	}
	e.events.publish(Event{
		Type: EventNodeCreated, NodeID: node.ID,
		AgentID: node.SourceAgent, At: now,
	})
	e.logger.Debug("node created",
		zap.String("id", node.ID), zap.String("kind", node.Kind))
	return node.ID, nil
}

// GetNode returns a node by id. Tombstoned ids report NotFound.
func (e *Engine) GetNode(ctx context.Context, id string) (*core.Node, error) {
	node, err := e.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if node.Deleted {
		return nil, core.Errorf(core.CodeNotFound, "node %s not found", id)
	}
	return node, nil
}

// DeleteNode tombstones a node and removes it from the vector index. The
// id is never reused. Edges referencing the node remain but traversals
// skip it.
func (e *Engine) DeleteNode(ctx context.Context, id string) error {
	unlock := e.lockNode(id)
	defer unlock()

	node, err := e.store.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if node.Deleted {
		return core.Errorf(core.CodeNotFound, "node %s not found", id)
	}
	node.Deleted = true
	node.UpdatedAt = time.Now().UTC()
	if err := e.store.PutNode(ctx, node, false); err != nil {
		return err
	}
	if err := e.index.Remove(ctx, id); err != nil {
		return err
	}

	e.briefs.Cache().InvalidateTouching(id)
	if node.SourceAgent != "" {
		e.briefs.Cache().Invalidate(node.SourceAgent)
	}
	e.events.publish(Event{
		Type: EventNodeDeleted, NodeID: id,
		AgentID: node.SourceAgent, At: node.UpdatedAt,
	})
	return nil
}

// CreateEdge persists a manual edge between two existing nodes.
func (e *Engine) CreateEdge(ctx context.Context, in EdgeInput) (string, error) {
	weight := in.Weight
	if weight == 0 {
		weight = 1
	}
	edge := &core.Edge{
		ID:       core.NewID(),
		From:     in.From,
		To:       in.To,
		Relation: in.Relation,
		Weight:   weight,
		Provenance: core.Provenance{
			Origin: core.OriginManual,
			Detail: in.CreatedBy,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := e.writeEdge(ctx, edge); err != nil {
		return "", err
	}
	return edge.ID, nil
}

// writeEdge is the single edge write path, shared by CreateEdge and the
// linker. It enforces referential integrity and fires invalidation and
// events.
func (e *Engine) writeEdge(ctx context.Context, edge *core.Edge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	for _, id := range []string{edge.From, edge.To} {
		if _, err := e.GetNode(ctx, id); err != nil {
			return err
		}
	}
	if err := e.store.PutEdge(ctx, edge); err != nil {
		return err
	}

	// Briefings whose selection contains an endpoint may now reach new
	// nodes through this edge.
	e.briefs.Cache().InvalidateTouching(edge.From, edge.To)
	e.events.publish(Event{Type: EventEdgeCreated, EdgeID: edge.ID, At: edge.CreatedAt})
	return nil
}

// SimilaritySearch ranks non-tombstoned nodes by embedding similarity to
// the query text. An empty index yields an empty result.
func (e *Engine) SimilaritySearch(ctx context.Context, query string, limit int) ([]*core.SearchResult, error) {
	if limit <= 0 {
		return nil, core.NewError(core.CodeInvalidArgument, "limit must be positive")
	}
	emb, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, core.WrapError(core.CodeUnavailable, err, "embed query")
	}
	hits, err := e.index.Search(ctx, emb, limit, e.searchCfg.MinScore)
	if err != nil {
		return nil, err
	}
	results := make([]*core.SearchResult, 0, len(hits))
	for _, hit := range hits {
		node, err := e.store.GetNode(ctx, hit.ID)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if node.Deleted {
			continue
		}
		results = append(results, &core.SearchResult{Node: node, Score: hit.Similarity})
	}
	return results, nil
}

// HybridSearch fuses similarity to the query text with graph proximity
// to the anchor set. With no anchors the ranking equals SimilaritySearch.
func (e *Engine) HybridSearch(ctx context.Context, query string, anchorIDs []string, limit int) ([]*core.HybridResult, error) {
	emb, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, core.WrapError(core.CodeUnavailable, err, "embed query")
	}
	return e.hybrid.Search(ctx, emb, anchorIDs, limit)
}

// Traverse runs a bounded breadth-first expansion.
func (e *Engine) Traverse(ctx context.Context, req graph.TraverseRequest) (*graph.Subgraph, error) {
	return graph.Traverse(ctx, e.store, req, graph.Budget{})
}

// GetBriefing returns the agent's rendered briefing, serving from cache
// when it is still current.
func (e *Engine) GetBriefing(ctx context.Context, agentID string, compact bool) (*briefing.Briefing, error) {
	return e.briefs.Generate(ctx, agentID, compact)
}

// LinkNodes kicks the background linker. It returns immediately; link
// discovery never blocks the caller.
func (e *Engine) LinkNodes(ctx context.Context) error {
	if e.linker == nil {
		return core.NewError(core.CodeInvalidArgument, "linker is disabled")
	}
	e.linker.Kick()
	return nil
}

// LinkNodesSync runs one linker pass inline and returns how many edges
// it created. Intended for tests and explicit maintenance calls.
func (e *Engine) LinkNodesSync(ctx context.Context) (int, error) {
	if e.linker == nil {
		return 0, core.NewError(core.CodeInvalidArgument, "linker is disabled")
	}
	return e.linker.RunOnce(ctx)
}

// Subscribe returns a live event feed and its cancel function. Events
// are dropped rather than buffered unboundedly for slow consumers.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.subscribe()
}

// Stats aggregates store, index, and linker counters.
type Stats struct {
	Graph        graph.Stats    `json:"graph"`
	IndexedNodes int            `json:"indexed_nodes"`
	Linker       linker.Metrics `json:"linker"`
}

// Stats reports engine-wide counters.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	gs, err := e.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Graph: gs, IndexedNodes: e.index.Count()}
	if e.linker != nil {
		s.Linker = e.linker.Metrics()
	}
	return s, nil
}

func (e *Engine) lockNode(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	m := &e.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// linkerWriter routes linker edges through the engine's edge path.
type linkerWriter struct {
	e *Engine
}

func (w linkerWriter) WriteEdge(ctx context.Context, edge *core.Edge) error {
	return w.e.writeEdge(ctx, edge)
}
