package linker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/cortex/core"
	"github.com/becomeliminal/cortex/graph"
	"github.com/becomeliminal/cortex/vector"
)

// EdgeWriter persists an auto-proposed edge. The engine implements it so
// linker writes flow through the same invalidation and eventing as manual
// edges.
type EdgeWriter interface {
	WriteEdge(ctx context.Context, edge *core.Edge) error
}

// Config tunes the worker. Zero fields take the defaults.
type Config struct {
	// Interval between queue polls. Default 30s.
	Interval time.Duration

	// BatchSize is how many queued nodes one pass claims. Default 16.
	BatchSize int

	// Rules hold the proposal thresholds.
	Rules Rules
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	c.Rules = c.Rules.withDefaults()
	return c
}

// Metrics are cumulative linker counters. They survive restarts through
// the store's metadata checkpoint.
type Metrics struct {
	Proposed uint64 `json:"proposed"`
	Created  uint64 `json:"created"`
	Skipped  uint64 `json:"skipped"`
}

// checkpointKey is the store metadata key the counters persist under.
const checkpointKey = "linker:checkpoint"

type checkpoint struct {
	Proposed uint64    `json:"proposed"`
	Created  uint64    `json:"created"`
	Skipped  uint64    `json:"skipped"`
	LastRun  time.Time `json:"last_run"`
}

// Linker is the background relationship worker.
type Linker struct {
	store  graph.Store
	index  *vector.Index
	writer EdgeWriter
	cfg    Config
	logger *zap.Logger

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	proposed atomic.Uint64
	created  atomic.Uint64
	skipped  atomic.Uint64
}

// New creates a linker. A nil logger is replaced with a nop logger.
func New(store graph.Store, index *vector.Index, writer EdgeWriter, cfg Config, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Linker{
		store:  store,
		index:  index,
		writer: writer,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("linker"),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	l.restoreCheckpoint()
	return l
}

// restoreCheckpoint seeds the counters from the last persisted pass so
// metrics continue across restarts.
func (l *Linker) restoreCheckpoint() {
	raw, err := l.store.GetMetadata(context.Background(), checkpointKey)
	if err != nil || raw == nil {
		return
	}
	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		l.logger.Warn("checkpoint unreadable", zap.Error(err))
		return
	}
	l.proposed.Store(cp.Proposed)
	l.created.Store(cp.Created)
	l.skipped.Store(cp.Skipped)
}

// saveCheckpoint persists the counters. Best-effort: a failure only costs
// metric continuity across a restart.
func (l *Linker) saveCheckpoint(ctx context.Context) {
	raw, err := json.Marshal(checkpoint{
		Proposed: l.proposed.Load(),
		Created:  l.created.Load(),
		Skipped:  l.skipped.Load(),
		LastRun:  time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := l.store.PutMetadata(ctx, checkpointKey, raw); err != nil {
		l.logger.Warn("checkpoint write failed", zap.Error(err))
	}
}

// Start launches the polling loop. Stop must be called exactly once.
func (l *Linker) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop shuts the loop down and waits for the in-flight pass.
func (l *Linker) Stop() {
	close(l.stop)
	l.wg.Wait()
}

// Kick requests an immediate pass without waiting for the ticker. It
// never blocks; a pending kick is coalesced.
func (l *Linker) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Metrics returns a snapshot of the counters.
func (l *Linker) Metrics() Metrics {
	return Metrics{
		Proposed: l.proposed.Load(),
		Created:  l.created.Load(),
		Skipped:  l.skipped.Load(),
	}
}

func (l *Linker) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		case <-l.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Interval)
		if _, err := l.RunOnce(ctx); err != nil {
			l.logger.Warn("linker pass failed", zap.Error(err))
		}
		cancel()
	}
}

// RunOnce drains one batch from the work queue and returns how many edges
// it created. Queue entries whose node has since been deleted are
// dropped.
func (l *Linker) RunOnce(ctx context.Context) (int, error) {
	ids, err := l.store.DequeueLinks(ctx, l.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		n, err := l.linkNode(ctx, id)
		if err != nil {
			// Keep going; the queue entry is already consumed and the
			// remaining batch should not be lost to one bad node.
			l.logger.Warn("linking failed", zap.String("node", id), zap.Error(err))
			continue
		}
		total += n
	}
	if len(ids) > 0 {
		l.saveCheckpoint(ctx)
	}
	return total, nil
}

func (l *Linker) linkNode(ctx context.Context, id string) (int, error) {
	node, err := l.store.GetNode(ctx, id)
	if err != nil {
		if core.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if node.Deleted {
		return 0, nil
	}

	proposals, err := l.cfg.Rules.propose(ctx, l.store, l.index, node)
	if err != nil {
		return 0, err
	}
	l.proposed.Add(uint64(len(proposals)))

	created := 0
	for _, p := range proposals {
		if created >= l.cfg.Rules.MaxEdgesPerNode {
			l.skipped.Add(1)
			continue
		}
		dup, err := l.duplicate(ctx, node.ID, p.to)
		if err != nil {
			return created, err
		}
		if dup {
			l.skipped.Add(1)
			continue
		}
		edge := &core.Edge{
			ID:         core.NewID(),
			From:       node.ID,
			To:         p.to,
			Relation:   core.RelationRelatedTo,
			Weight:     p.weight,
			Provenance: p.provenance,
			CreatedAt:  time.Now().UTC(),
		}
		if err := l.writer.WriteEdge(ctx, edge); err != nil {
			if core.IsNotFound(err) {
				// target deleted between proposal and write
				l.skipped.Add(1)
				continue
			}
			return created, err
		}
		created++
		l.created.Add(1)
	}
	if created > 0 {
		l.logger.Debug("node linked",
			zap.String("node", node.ID),
			zap.Int("edges", created))
	}
	return created, nil
}

// duplicate reports whether a related_to edge already exists between the
// two nodes in either direction.
func (l *Linker) duplicate(ctx context.Context, from, to string) (bool, error) {
	for _, pair := range [2][2]string{{from, to}, {to, from}} {
		edges, err := l.store.EdgesBetween(ctx, pair[0], pair[1])
		if err != nil {
			return false, err
		}
		for _, e := range edges {
			if e.Relation == core.RelationRelatedTo {
				return true, nil
			}
		}
	}
	return false, nil
}
