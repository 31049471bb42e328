// Package badger implements graph.Store on an embedded BadgerDB directory.
//
// Layout (all values JSON unless noted):
//
//	n:<nodeID>            node record, embedding inline
//	e:<edgeID>            edge record
//	o:<fromID>:<edgeID>   outgoing adjacency (empty value)
//	i:<toID>:<edgeID>     incoming adjacency (empty value)
//	m:<key>               engine metadata and sequence counters (raw bytes)
//	q:<seq>               linker work queue entry, value = node id
//
// Node and edge ids are UUIDv7, so iterating the n: prefix yields creation
// order. Counters are read and advanced inside the same transaction as the
// write they number; a store-level write mutex keeps counter transactions
// from conflicting.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/becomeliminal/cortex/core"
	"github.com/becomeliminal/cortex/graph"
)

const (
	prefixNode  = "n:"
	prefixEdge  = "e:"
	prefixOut   = "o:"
	prefixIn    = "i:"
	prefixMeta  = "m:"
	prefixQueue = "q:"

	keyNodeSeq  = "m:seq:node"
	keyQueueSeq = "m:seq:queue"
)

// Options configure a store. The zero value is not usable; call
// DefaultOptions.
type Options struct {
	// Dir is the badger data directory. Created if missing.
	Dir string

	// SyncWrites makes every commit durable before it is acknowledged.
	SyncWrites bool

	// InMemory skips disk entirely. Dir is ignored.
	InMemory bool

	// Logger receives badger's internal logging. Nil silences it.
	Logger *zap.Logger
}

// DefaultOptions returns durable production settings for dir.
func DefaultOptions(dir string) Options {
	return Options{Dir: dir, SyncWrites: true}
}

// Store is the badger-backed graph.Store.
type Store struct {
	db *badger.DB

	// writeMu serializes mutating transactions. Badger detects write
	// conflicts instead of blocking, and the sequence counters would make
	// every pair of inserts conflict; serializing is simpler than retrying.
	writeMu sync.Mutex
}

var _ graph.Store = (*Store)(nil)

// Open opens (or creates) the store.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, core.NewError(core.CodeInvalidArgument, "badger store requires a data directory")
	}
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(opts.SyncWrites)
	}
	bopts = bopts.WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(&zapBadgerLogger{opts.Logger.Sugar()})
	} else {
		bopts = bopts.WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, core.WrapError(core.CodeUnavailable, err, "open badger store")
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutNode implements graph.Store.
func (s *Store) PutNode(ctx context.Context, node *core.Node, enqueueLink bool) error {
	if node.ID == "" {
		return core.NewError(core.CodeInvalidArgument, "node id must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return core.WrapError(core.CodeUnavailable, err, "put node")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixNode + node.ID)
		_, err := txn.Get(key)
		switch {
		case err == nil:
			// update, keeps Seq
		case errors.Is(err, badger.ErrKeyNotFound):
			seq, err := nextSeq(txn, keyNodeSeq)
			if err != nil {
				return err
			}
			node.Seq = seq
		default:
			return err
		}
		raw, err := json.Marshal(node)
		if err != nil {
			return err
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}
		if enqueueLink {
			qseq, err := nextSeq(txn, keyQueueSeq)
			if err != nil {
				return err
			}
			return txn.Set(queueKey(qseq), []byte(node.ID))
		}
		return nil
	})
	return core.WrapError(core.CodeInternal, err, "put node")
}

// GetNode implements graph.Store.
func (s *Store) GetNode(ctx context.Context, id string) (*core.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.WrapError(core.CodeUnavailable, err, "get node")
	}
	var node core.Node
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixNode + id))
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, &node)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.Errorf(core.CodeNotFound, "node %s not found", id)
	}
	if err != nil {
		return nil, core.WrapError(core.CodeInternal, err, "get node")
	}
	return &node, nil
}

// RemoveNode implements graph.Store. It hard-deletes the record; the
// engine only uses it to undo a write whose index insert failed.
func (s *Store) RemoveNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return core.WrapError(core.CodeUnavailable, err, "remove node")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixNode + id))
	})
	return core.WrapError(core.CodeInternal, err, "remove node")
}

// ListNodes implements graph.Store.
func (s *Store) ListNodes(ctx context.Context, filter graph.NodeFilter) ([]*core.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.WrapError(core.CodeUnavailable, err, "list nodes")
	}
	var nodes []*core.Node
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterOpts(prefixNode))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var node core.Node
			err := it.Item().Value(func(raw []byte) error {
				return json.Unmarshal(raw, &node)
			})
			if err != nil {
				return err
			}
			if !filter.Matches(&node) {
				continue
			}
			n := node
			nodes = append(nodes, &n)
			if filter.Limit > 0 && len(nodes) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, core.WrapError(core.CodeInternal, err, "list nodes")
	}
	return nodes, nil
}

// BumpAccessCounts implements graph.Store. Each record is re-read inside
// the transaction so the increment never resurrects a node tombstoned
// after the caller last saw it.
func (s *Store) BumpAccessCounts(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return core.WrapError(core.CodeUnavailable, err, "bump access counts")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get([]byte(prefixNode + id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var node core.Node
			err = item.Value(func(raw []byte) error {
				return json.Unmarshal(raw, &node)
			})
			if err != nil {
				return err
			}
			if node.Deleted {
				continue
			}
			node.AccessCount++
			raw, err := json.Marshal(&node)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(prefixNode+id), raw); err != nil {
				return err
			}
		}
		return nil
	})
	return core.WrapError(core.CodeInternal, err, "bump access counts")
}

// PutEdge implements graph.Store. The edge record and both adjacency
// entries commit atomically.
func (s *Store) PutEdge(ctx context.Context, edge *core.Edge) error {
	if edge.ID == "" {
		return core.NewError(core.CodeInvalidArgument, "edge id must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return core.WrapError(core.CodeUnavailable, err, "put edge")
	}
	raw, err := json.Marshal(edge)
	if err != nil {
		return core.WrapError(core.CodeInternal, err, "put edge")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixEdge+edge.ID), raw); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixOut+edge.From+":"+edge.ID), nil); err != nil {
			return err
		}
		return txn.Set([]byte(prefixIn+edge.To+":"+edge.ID), nil)
	})
	return core.WrapError(core.CodeInternal, err, "put edge")
}

// GetEdge implements graph.Store.
func (s *Store) GetEdge(ctx context.Context, id string) (*core.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.WrapError(core.CodeUnavailable, err, "get edge")
	}
	var edge core.Edge
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixEdge + id))
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, &edge)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.Errorf(core.CodeNotFound, "edge %s not found", id)
	}
	if err != nil {
		return nil, core.WrapError(core.CodeInternal, err, "get edge")
	}
	return &edge, nil
}

// EdgesFrom implements graph.Store.
func (s *Store) EdgesFrom(ctx context.Context, nodeID string) ([]*core.Edge, error) {
	return s.adjacent(ctx, prefixOut+nodeID+":")
}

// EdgesTo implements graph.Store.
func (s *Store) EdgesTo(ctx context.Context, nodeID string) ([]*core.Edge, error) {
	return s.adjacent(ctx, prefixIn+nodeID+":")
}

// EdgesBetween implements graph.Store.
func (s *Store) EdgesBetween(ctx context.Context, from, to string) ([]*core.Edge, error) {
	edges, err := s.EdgesFrom(ctx, from)
	if err != nil {
		return nil, err
	}
	out := edges[:0]
	for _, e := range edges {
		if e.To == to {
			out = append(out, e)
		}
	}
	return out, nil
}

// adjacent resolves the edge ids under an adjacency prefix. Edge ids are
// UUIDv7, so prefix order is creation order.
func (s *Store) adjacent(ctx context.Context, prefix string) ([]*core.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.WrapError(core.CodeUnavailable, err, "list edges")
	}
	var edges []*core.Edge
	err := s.db.View(func(txn *badger.Txn) error {
		opts := prefixIterOpts(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			edgeID := string(it.Item().Key()[len(prefix):])
			item, err := txn.Get([]byte(prefixEdge + edgeID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				// adjacency without a record: tolerate, skip
				continue
			}
			if err != nil {
				return err
			}
			var edge core.Edge
			err = item.Value(func(raw []byte) error {
				return json.Unmarshal(raw, &edge)
			})
			if err != nil {
				return err
			}
			e := edge
			edges = append(edges, &e)
		}
		return nil
	})
	if err != nil {
		return nil, core.WrapError(core.CodeInternal, err, "list edges")
	}
	return edges, nil
}

// PutMetadata implements graph.Store.
func (s *Store) PutMetadata(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return core.WrapError(core.CodeUnavailable, err, "put metadata")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixMeta+key), value)
	})
	return core.WrapError(core.CodeInternal, err, "put metadata")
}

// GetMetadata implements graph.Store. Missing keys return (nil, nil).
func (s *Store) GetMetadata(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.WrapError(core.CodeUnavailable, err, "get metadata")
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixMeta + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, core.WrapError(core.CodeInternal, err, "get metadata")
	}
	return value, nil
}

// DequeueLinks implements graph.Store. Claimed entries are deleted in the
// same transaction, so two pollers never process the same node.
func (s *Store) DequeueLinks(ctx context.Context, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, core.WrapError(core.CodeUnavailable, err, "dequeue links")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var ids []string
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterOpts(prefixQueue))
		var keys [][]byte
		for it.Rewind(); it.Valid() && len(ids) < max; it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			ids = append(ids, string(raw))
			keys = append(keys, item.KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, core.WrapError(core.CodeInternal, err, "dequeue links")
	}
	return ids, nil
}

// Stats implements graph.Store.
func (s *Store) Stats(ctx context.Context) (graph.Stats, error) {
	if err := ctx.Err(); err != nil {
		return graph.Stats{}, core.WrapError(core.CodeUnavailable, err, "stats")
	}
	var stats graph.Stats
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterOpts(prefixNode))
		for it.Rewind(); it.Valid(); it.Next() {
			var node core.Node
			err := it.Item().Value(func(raw []byte) error {
				return json.Unmarshal(raw, &node)
			})
			if err != nil {
				it.Close()
				return err
			}
			if node.Deleted {
				stats.Tombstones++
			} else {
				stats.Nodes++
			}
		}
		it.Close()

		stats.Edges = countPrefix(txn, prefixEdge)
		stats.QueuedLinks = countPrefix(txn, prefixQueue)
		return nil
	})
	if err != nil {
		return graph.Stats{}, core.WrapError(core.CodeInternal, err, "stats")
	}
	return stats, nil
}

func countPrefix(txn *badger.Txn, prefix string) uint64 {
	opts := prefixIterOpts(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var n uint64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// nextSeq advances a counter key and returns its new value. Must run inside
// a write transaction.
func nextSeq(txn *badger.Txn, key string) (uint64, error) {
	var seq uint64
	item, err := txn.Get([]byte(key))
	switch {
	case err == nil:
		err = item.Value(func(raw []byte) error {
			if len(raw) == 8 {
				seq = binary.BigEndian.Uint64(raw)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return 0, err
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return seq, txn.Set([]byte(key), buf)
}

// queueKey zero-pads the sequence so lexicographic order is enqueue order.
func queueKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixQueue, seq))
}

func prefixIterOpts(prefix string) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	return opts
}

// zapBadgerLogger adapts zap to badger's Logger interface.
type zapBadgerLogger struct {
	s *zap.SugaredLogger
}

func (l *zapBadgerLogger) Errorf(format string, args ...interface{}) {
	l.s.Errorf(format, args...)
}

func (l *zapBadgerLogger) Warningf(format string, args ...interface{}) {
	l.s.Warnf(format, args...)
}

func (l *zapBadgerLogger) Infof(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}

func (l *zapBadgerLogger) Debugf(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}
