// Package briefing selects, renders, and caches per-agent knowledge
// summaries. A briefing is pure presentation over the graph store: the
// cache only ever changes latency, never content.
package briefing

import "time"

// Briefing is a rendered summary for one agent.
type Briefing struct {
	// AgentID is the agent the briefing was generated for.
	AgentID string `json:"agent_id"`

	// Compact reports which variant this is.
	Compact bool `json:"compact"`

	// Rendered is deterministic markdown. It contains no timestamps, so
	// regenerating over an unchanged node set is byte-identical.
	Rendered string `json:"rendered"`

	// NodesConsulted is the number of nodes in the rendered selection.
	NodesConsulted int `json:"nodes_consulted"`

	// NodeIDs is the selection set, in rendered order.
	NodeIDs []string `json:"node_ids,omitempty"`

	// Cached reports whether this response was served from cache.
	Cached bool `json:"cached"`

	// GeneratedAt is when the rendered text was produced. Metadata only;
	// it never appears in Rendered.
	GeneratedAt time.Time `json:"generated_at"`
}
