package briefing

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/becomeliminal/cortex/core"
	"github.com/becomeliminal/cortex/graph"
)

// Config tunes briefing selection. Zero fields take the defaults.
type Config struct {
	// FullLimit caps the full variant's selection. Default 32.
	FullLimit int

	// CompactLimit caps the compact variant. Default 8.
	CompactLimit int

	// ReachDepth is how far beyond the agent's own nodes the selection
	// reaches. Default 2.
	ReachDepth int

	// CacheTTL bounds how long a rendered briefing may be served without
	// regeneration. Default 5 minutes.
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.FullLimit <= 0 {
		c.FullLimit = 32
	}
	if c.CompactLimit <= 0 {
		c.CompactLimit = 8
	}
	if c.ReachDepth <= 0 {
		c.ReachDepth = 2
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	return c
}

// Generator produces briefings from the graph store, caching rendered
// text per (agent, variant).
type Generator struct {
	store  graph.Store
	cache  *Cache
	cfg    Config
	logger *zap.Logger
	group  singleflight.Group
}

// NewGenerator creates a briefing generator. A nil logger is replaced
// with a nop logger.
func NewGenerator(store graph.Store, cfg Config, logger *zap.Logger) (*Generator, error) {
	cfg = cfg.withDefaults()
	cache, err := NewCache(cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		store:  store,
		cache:  cache,
		cfg:    cfg,
		logger: logger.Named("briefing"),
	}, nil
}

// Cache exposes the cache for write-path invalidation.
func (g *Generator) Cache() *Cache { return g.cache }

// Close releases the cache.
func (g *Generator) Close() { g.cache.Close() }

// Generate returns the agent's briefing, serving from cache when the
// cached text is still current. Concurrent requests for the same
// (agent, variant) collapse into one generation. An agent with no
// knowledge gets a valid placeholder briefing, never an error.
func (g *Generator) Generate(ctx context.Context, agentID string, compact bool) (*Briefing, error) {
	if agentID == "" {
		return nil, core.NewError(core.CodeInvalidArgument, "agent id must not be empty")
	}

	if b, ok := g.cache.Get(agentID, compact); ok {
		return b, nil
	}

	v, err, _ := g.group.Do(cacheKey(agentID, compact), func() (any, error) {
		// Another caller may have finished generating while this one
		// waited on the flight group.
		if b, ok := g.cache.Get(agentID, compact); ok {
			return b, nil
		}
		// The flight's result is shared with every collapsed waiter; one
		// canceled caller must not fail the rest.
		return g.generate(context.WithoutCancel(ctx), agentID, compact)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Briefing), nil
}

func (g *Generator) generate(ctx context.Context, agentID string, compact bool) (*Briefing, error) {
	// Capture the epoch before reading the selection: a write racing in
	// after this point bumps the epoch and the stored entry stays stale.
	epoch := g.cache.Epoch(agentID)

	nodes, err := g.selectNodes(ctx, agentID, compact)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}

	var rendered string
	if compact {
		rendered = renderCompact(agentID, nodes)
	} else {
		rendered = renderFull(agentID, nodes)
	}

	b := &Briefing{
		AgentID:        agentID,
		Compact:        compact,
		Rendered:       rendered,
		NodesConsulted: len(nodes),
		NodeIDs:        ids,
		GeneratedAt:    time.Now().UTC(),
	}
	g.cache.Put(b, epoch)
	g.bumpAccessCounts(ctx, nodes)

	g.logger.Debug("briefing generated",
		zap.String("agent", agentID),
		zap.Bool("compact", compact),
		zap.Int("nodes", len(nodes)))
	return b, nil
}

// selectNodes picks the agent's own nodes plus everything reachable from
// them within ReachDepth, ranked importance desc, then recency desc, then
// id asc.
func (g *Generator) selectNodes(ctx context.Context, agentID string, compact bool) ([]*core.Node, error) {
	own, err := g.store.ListNodes(ctx, graph.NodeFilter{SourceAgent: agentID})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*core.Node, len(own))
	for _, n := range own {
		byID[n.ID] = n
	}

	if len(own) > 0 {
		starts := make([]string, len(own))
		for i, n := range own {
			starts[i] = n.ID
		}
		sub, err := graph.Traverse(ctx, g.store, graph.TraverseRequest{
			StartIDs:     starts,
			MaxDepth:     g.cfg.ReachDepth,
			Direction:    graph.DirectionBoth,
			IncludeStart: true,
		}, graph.Budget{})
		if err != nil {
			return nil, err
		}
		for _, n := range sub.Nodes {
			if _, ok := byID[n.ID]; !ok {
				byID[n.ID] = n
			}
		}
	}

	nodes := make([]*core.Node, 0, len(byID))
	for _, n := range byID {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	limit := g.cfg.FullLimit
	if compact {
		limit = g.cfg.CompactLimit
	}
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes, nil
}

// bumpAccessCounts records that the selected nodes were served. The store
// re-reads each record in its own transaction, so a delete landing after
// selection is never overwritten. Best-effort: a failure here never fails
// the briefing.
func (g *Generator) bumpAccessCounts(ctx context.Context, nodes []*core.Node) {
	if len(nodes) == 0 {
		return
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	if err := g.store.BumpAccessCounts(ctx, ids); err != nil {
		g.logger.Warn("access count update failed", zap.Error(err))
	}
}
