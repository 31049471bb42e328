package briefing

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/cortex/core"
)

// cacheKey namespaces the two variants of one agent's briefing.
func cacheKey(agentID string, compact bool) string {
	if compact {
		return agentID + "\x00compact"
	}
	return agentID + "\x00full"
}

// entry is a cached rendered briefing pinned to the agent epoch it was
// generated under.
type entry struct {
	rendered    string
	nodeIDs     []string
	epoch       uint64
	generatedAt time.Time
}

// Cache stores rendered briefings with TTL eviction and epoch-based
// invalidation. Every write attributed to an agent bumps that agent's
// epoch; entries generated under an older epoch are stale regardless of
// TTL. Selection sets are tracked so writes touching a node consulted by
// another agent's briefing invalidate that briefing too.
type Cache struct {
	store *ristretto.Cache
	ttl   time.Duration

	mu         sync.Mutex
	epochs     map[string]uint64
	selections map[string]map[string]string // node id -> cache key -> agent id
	keyNodes   map[string][]string          // cache key -> node ids
}

// NewCache creates a briefing cache. ttl <= 0 defaults to five minutes.
func NewCache(ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 14,
		MaxCost:     64 << 20, // rendered text bytes
		BufferItems: 64,
	})
	if err != nil {
		return nil, core.WrapError(core.CodeInternal, err, "create briefing cache")
	}
	return &Cache{
		store:      store,
		ttl:        ttl,
		epochs:     make(map[string]uint64),
		selections: make(map[string]map[string]string),
		keyNodes:   make(map[string][]string),
	}, nil
}

// Epoch returns the agent's current invalidation epoch.
func (c *Cache) Epoch(agentID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[agentID]
}

// Get returns the cached briefing if one exists and is still current for
// the agent's epoch.
func (c *Cache) Get(agentID string, compact bool) (*Briefing, bool) {
	raw, ok := c.store.Get(cacheKey(agentID, compact))
	if !ok {
		return nil, false
	}
	e, ok := raw.(*entry)
	if !ok || e.epoch != c.Epoch(agentID) {
		return nil, false
	}
	return &Briefing{
		AgentID:        agentID,
		Compact:        compact,
		Rendered:       e.rendered,
		NodesConsulted: len(e.nodeIDs),
		NodeIDs:        append([]string(nil), e.nodeIDs...),
		Cached:         true,
		GeneratedAt:    e.generatedAt,
	}, true
}

// Put stores a freshly generated briefing under the epoch captured before
// its selection was read. If a write raced in since, the stored entry is
// already stale and Get will reject it.
func (c *Cache) Put(b *Briefing, epoch uint64) {
	key := cacheKey(b.AgentID, b.Compact)
	e := &entry{
		rendered:    b.Rendered,
		nodeIDs:     append([]string(nil), b.NodeIDs...),
		epoch:       epoch,
		generatedAt: b.GeneratedAt,
	}

	c.mu.Lock()
	c.dropSelectionLocked(key)
	c.keyNodes[key] = e.nodeIDs
	for _, id := range e.nodeIDs {
		byKey := c.selections[id]
		if byKey == nil {
			byKey = make(map[string]string)
			c.selections[id] = byKey
		}
		byKey[key] = b.AgentID
	}
	c.mu.Unlock()

	c.store.SetWithTTL(key, e, int64(len(e.rendered)), c.ttl)
	// Ristretto admits asynchronously; wait so the entry is visible to the
	// next Get.
	c.store.Wait()
}

// Invalidate bumps the agent's epoch, staling both cached variants.
func (c *Cache) Invalidate(agentID string) {
	c.mu.Lock()
	c.epochs[agentID]++
	c.dropSelectionLocked(cacheKey(agentID, true))
	c.dropSelectionLocked(cacheKey(agentID, false))
	c.mu.Unlock()
	c.store.Del(cacheKey(agentID, true))
	c.store.Del(cacheKey(agentID, false))
}

// InvalidateTouching invalidates every cached briefing whose selection
// set contains any of the given nodes.
func (c *Cache) InvalidateTouching(nodeIDs ...string) {
	c.mu.Lock()
	agents := make(map[string]bool)
	for _, id := range nodeIDs {
		for _, agentID := range c.selections[id] {
			agents[agentID] = true
		}
	}
	c.mu.Unlock()
	for agentID := range agents {
		c.Invalidate(agentID)
	}
}

// dropSelectionLocked removes a cache key from the reverse selection
// index. Caller holds mu.
func (c *Cache) dropSelectionLocked(key string) {
	for _, id := range c.keyNodes[key] {
		if byKey := c.selections[id]; byKey != nil {
			delete(byKey, key)
			if len(byKey) == 0 {
				delete(c.selections, id)
			}
		}
	}
	delete(c.keyNodes, key)
}

// Close releases the underlying ristretto cache.
func (c *Cache) Close() {
	c.store.Close()
}
