// Package graph defines the durable node/edge store contract and the
// bounded traversal engine that runs on top of it.
package graph

import (
	"context"
	"time"

	"github.com/becomeliminal/cortex/core"
)

// Store is the durable storage backend for nodes and edges. It is the
// single source of truth; the vector index and briefing cache are derived
// from it and rebuildable at any time.
//
// Implementations must be safe for concurrent use and must make every
// acknowledged write durable: a successful PutNode/PutEdge survives a
// process crash and is visible to subsequent reads.
type Store interface {
	// PutNode inserts or updates a node. On first insert the store assigns
	// node.Seq. When enqueueLink is true, a linker work-queue entry for the
	// node is written in the same transaction.
	PutNode(ctx context.Context, node *core.Node, enqueueLink bool) error

	// GetNode retrieves a node by id. Tombstoned nodes are returned with
	// Deleted set; unknown ids yield a NotFound error.
	GetNode(ctx context.Context, id string) (*core.Node, error)

	// RemoveNode hard-deletes a node record. Used only to roll back a
	// failed dual-index write; regular deletion tombstones via PutNode.
	RemoveNode(ctx context.Context, id string) error

	// ListNodes returns non-tombstoned nodes matching the filter, in
	// id order (creation order for UUIDv7 ids).
	ListNodes(ctx context.Context, filter NodeFilter) ([]*core.Node, error)

	// BumpAccessCounts increments AccessCount for each listed node in a
	// single transaction. Every record is re-read inside the transaction,
	// so a concurrent tombstone or removal is never overwritten; missing
	// and tombstoned ids are skipped.
	BumpAccessCounts(ctx context.Context, ids []string) error

	// PutEdge inserts or updates an edge together with its adjacency
	// entries.
	PutEdge(ctx context.Context, edge *core.Edge) error

	// GetEdge retrieves an edge by id, or a NotFound error.
	GetEdge(ctx context.Context, id string) (*core.Edge, error)

	// EdgesFrom returns all edges originating at the node, in id order.
	EdgesFrom(ctx context.Context, nodeID string) ([]*core.Edge, error)

	// EdgesTo returns all edges pointing at the node, in id order.
	EdgesTo(ctx context.Context, nodeID string) ([]*core.Edge, error)

	// EdgesBetween returns all edges from one specific node to another.
	EdgesBetween(ctx context.Context, from, to string) ([]*core.Edge, error)

	// PutMetadata stores an engine metadata value (linker cursor and the
	// like) under key.
	PutMetadata(ctx context.Context, key string, value []byte) error

	// GetMetadata retrieves a metadata value. Missing keys return
	// (nil, nil).
	GetMetadata(ctx context.Context, key string) ([]byte, error)

	// DequeueLinks claims up to max pending linker work-queue entries,
	// removing them from the queue. Returns the node ids in enqueue order.
	DequeueLinks(ctx context.Context, max int) ([]string, error)

	// Stats reports store-level counters.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the underlying database.
	Close() error
}

// NodeFilter selects nodes for ListNodes. Zero value matches everything.
type NodeFilter struct {
	// Kinds restricts to these kinds when non-empty.
	Kinds []string

	// SourceAgent restricts to nodes written by this agent when non-empty.
	SourceAgent string

	// Tags requires every listed tag to be present when non-empty.
	Tags []string

	// MinImportance drops nodes below this importance.
	MinImportance float32

	// CreatedAfter drops nodes created at or before this instant when set.
	CreatedAfter time.Time

	// Limit caps the result count when positive.
	Limit int
}

// Matches reports whether the node passes the filter. Tombstones never
// match.
func (f NodeFilter) Matches(n *core.Node) bool {
	if n.Deleted {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if n.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SourceAgent != "" && n.SourceAgent != f.SourceAgent {
		return false
	}
	if n.Importance < f.MinImportance {
		return false
	}
	if !f.CreatedAfter.IsZero() && !n.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	for _, want := range f.Tags {
		ok := false
		for _, tag := range n.Tags {
			if tag == want {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Stats are store-level counters.
type Stats struct {
	Nodes       uint64 `json:"nodes"`
	Tombstones  uint64 `json:"tombstones"`
	Edges       uint64 `json:"edges"`
	QueuedLinks uint64 `json:"queued_links"`
}
