// Package core defines the shared data model of the Cortex engine:
// knowledge nodes, directed weighted edges, derived result types, and the
// error taxonomy every layer reports through.
//
// The graph store exclusively owns Node and Edge identity and lifetime.
// The vector index and the briefing cache hold derived, rebuildable state
// keyed by node id / agent id and are never the source of truth.
package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known relation labels. Relation is free-form on the wire; these are
// the labels the engine and the auto-linker use themselves.
const (
	RelationRelatedTo   = "related_to"
	RelationInformedBy  = "informed_by"
	RelationLedTo       = "led_to"
	RelationAppliesTo   = "applies_to"
	RelationContradicts = "contradicts"
	RelationSupersedes  = "supersedes"
	RelationDependsOn   = "depends_on"
	RelationInstanceOf  = "instance_of"
)

// Common node kinds. Kind is a free-form category string; these cover the
// vocabulary agents typically write.
const (
	KindAgent       = "agent"
	KindDecision    = "decision"
	KindFact        = "fact"
	KindEvent       = "event"
	KindGoal        = "goal"
	KindPreference  = "preference"
	KindPattern     = "pattern"
	KindObservation = "observation"
	KindNote        = "note"
)

const (
	maxTitleChars = 256
	maxTags       = 32
	maxTagChars   = 64
)

// Node is a unit of stored knowledge.
type Node struct {
	// ID is an opaque unique identifier. Server-assigned UUIDv7, immutable,
	// never reused.
	ID string `json:"id"`

	// Kind is a free-form category string (fact, event, note, ...).
	Kind string `json:"kind"`

	// Title is a short human-readable label. Required, max 256 chars.
	Title string `json:"title"`

	// Body is the full text. Defaults to Title when omitted at creation;
	// never empty once stored.
	Body string `json:"body"`

	// Tags for lightweight ad-hoc categorisation. Lowercase alphanumerics
	// and hyphens only.
	Tags []string `json:"tags,omitempty"`

	// Metadata is an unordered string-to-string mapping for source URLs,
	// commit SHAs, task IDs and similar.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Importance in [0, 1] influences briefing selection and ranking.
	Importance float32 `json:"importance"`

	// SourceAgent identifies the writer.
	SourceAgent string `json:"source_agent,omitempty"`

	// Embedding is the vector computed from the node text at write time.
	// Persisted with the node so the vector index can always be rebuilt
	// from the graph store.
	Embedding []float32 `json:"embedding,omitempty"`

	// AccessCount tracks how often the node was served in a briefing.
	// Frequently served nodes resist ranking decay.
	AccessCount uint64 `json:"access_count"`

	// Seq is the insertion sequence assigned by the store. Used as the
	// stable tie-break for equal similarity scores.
	Seq uint64 `json:"seq"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Deleted marks a tombstoned node. Tombstones stay in the store but are
	// invisible to reads, searches, traversals, and briefings.
	Deleted bool `json:"deleted,omitempty"`
}

// Validate checks the node against the storage invariants. It returns an
// InvalidArgument error describing the first violation found.
func (n *Node) Validate() error {
	if strings.TrimSpace(n.Kind) == "" {
		return NewError(CodeInvalidArgument, "node kind must not be empty")
	}
	if strings.TrimSpace(n.Title) == "" {
		return NewError(CodeInvalidArgument, "node title must not be empty")
	}
	if len([]rune(n.Title)) > maxTitleChars {
		return Errorf(CodeInvalidArgument, "node title exceeds %d characters", maxTitleChars)
	}
	if n.Importance < 0 || n.Importance > 1 {
		return Errorf(CodeInvalidArgument, "importance %v out of range [0, 1]", n.Importance)
	}
	if len(n.Tags) > maxTags {
		return Errorf(CodeInvalidArgument, "more than %d tags", maxTags)
	}
	for _, tag := range n.Tags {
		if err := validateTag(tag); err != nil {
			return err
		}
	}
	return nil
}

func validateTag(tag string) error {
	if tag == "" {
		return NewError(CodeInvalidArgument, "empty tag")
	}
	if len([]rune(tag)) > maxTagChars {
		return Errorf(CodeInvalidArgument, "tag %q exceeds %d characters", tag, maxTagChars)
	}
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return Errorf(CodeInvalidArgument, "tag %q must be lowercase alphanumerics and hyphens", tag)
		}
	}
	return nil
}

// Edge is a directed, weighted, labeled relation between two nodes.
// Undirected semantics are expressed as two edges.
type Edge struct {
	// ID is a unique UUIDv7.
	ID string `json:"id"`

	// From and To must reference existing nodes.
	From string `json:"from"`
	To   string `json:"to"`

	// Relation labels what the relationship means.
	Relation string `json:"relation"`

	// Weight in [0, 1] is the relationship strength, used as the
	// traversal/proximity cost. Auto-created edges start at their rule
	// score; manual edges typically at 1.0.
	Weight float32 `json:"weight"`

	// Provenance records how the edge came to exist.
	Provenance Provenance `json:"provenance"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the edge invariants that do not require store access.
// Referential integrity of From/To is the engine's job.
func (e *Edge) Validate() error {
	if e.From == "" || e.To == "" {
		return NewError(CodeInvalidArgument, "edge endpoints must not be empty")
	}
	if e.From == e.To {
		return NewError(CodeInvalidArgument, "self-edges are not allowed")
	}
	if strings.TrimSpace(e.Relation) == "" {
		return NewError(CodeInvalidArgument, "edge relation must not be empty")
	}
	if e.Weight < 0 || e.Weight > 1 {
		return Errorf(CodeInvalidArgument, "edge weight %v out of range [0, 1]", e.Weight)
	}
	return nil
}

// Edge provenance origins.
const (
	OriginManual         = "manual"
	OriginAutoSimilarity = "auto_similarity"
	OriginAutoStructural = "auto_structural"
)

// Provenance describes how an edge was created.
type Provenance struct {
	// Origin is one of the Origin* constants.
	Origin string `json:"origin"`

	// Detail names the creator (manual) or the rule (auto_structural).
	Detail string `json:"detail,omitempty"`

	// Score is the similarity that proposed the edge (auto_similarity).
	Score float32 `json:"score,omitempty"`
}

// SearchResult is a single similarity search hit. Derived per query,
// never persisted.
type SearchResult struct {
	Node  *Node   `json:"node"`
	Score float32 `json:"score"`
}

// HybridResult is a hit from hybrid (vector + graph) search with its
// component scores exposed.
type HybridResult struct {
	Node          *Node   `json:"node"`
	VectorScore   float32 `json:"vector_score"`
	GraphScore    float32 `json:"graph_score"`
	CombinedScore float32 `json:"combined_score"`

	// NearestAnchor is the closest anchor node, with its BFS depth, when
	// the node was reachable from the anchor set.
	NearestAnchor string `json:"nearest_anchor,omitempty"`
	AnchorDepth   int    `json:"anchor_depth,omitempty"`
}

// NewID returns a fresh UUIDv7 identifier. V7 ids are time-sortable, so
// lexicographic id order follows creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Entropy exhaustion only; fall back to v4.
		return uuid.New().String()
	}
	return id.String()
}

// Clamp01 clamps v to [0, 1].
func Clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
