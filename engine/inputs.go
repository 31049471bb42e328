package engine

// NodeInput is the caller-facing shape for creating a node. The engine
// assigns the id, timestamps, sequence, and embedding.
type NodeInput struct {
	// Kind is the category string. Required.
	Kind string `json:"kind"`

	// Title is the short label. Required.
	Title string `json:"title"`

	// Body is the full text. Defaults to Title when empty.
	Body string `json:"body,omitempty"`

	// Tags, lowercase alphanumerics and hyphens.
	Tags []string `json:"tags,omitempty"`

	// Metadata is free-form string pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Importance is clamped to [0, 1].
	Importance float32 `json:"importance,omitempty"`

	// SourceAgent identifies the writer.
	SourceAgent string `json:"source_agent,omitempty"`
}

// EdgeInput is the caller-facing shape for creating a manual edge.
type EdgeInput struct {
	// From and To must reference existing nodes.
	From string `json:"from"`
	To   string `json:"to"`

	// Relation labels the relationship. Required.
	Relation string `json:"relation"`

	// Weight in [0, 1]. Zero defaults to 1.
	Weight float32 `json:"weight,omitempty"`

	// CreatedBy names the creator, recorded in provenance.
	CreatedBy string `json:"created_by,omitempty"`
}
