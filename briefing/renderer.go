package briefing

import (
	"strings"

	"github.com/becomeliminal/cortex/core"
)

// renderFull produces the long-form markdown briefing: one section per
// node, title as heading, body below.
func renderFull(agentID string, nodes []*core.Node) string {
	var b strings.Builder
	b.WriteString("# Briefing: ")
	b.WriteString(agentID)
	b.WriteString("\n")
	if len(nodes) == 0 {
		b.WriteString("\nNo knowledge recorded for this agent yet.\n")
		return b.String()
	}
	for _, n := range nodes {
		b.WriteString("\n## ")
		b.WriteString(n.Title)
		b.WriteString("\n\n")
		b.WriteString(strings.TrimRight(n.Body, "\n"))
		b.WriteString("\n")
		if len(n.Tags) > 0 {
			b.WriteString("\n_tags: ")
			b.WriteString(strings.Join(n.Tags, ", "))
			b.WriteString("_\n")
		}
	}
	return b.String()
}

// renderCompact produces the short variant: title-only bullets.
func renderCompact(agentID string, nodes []*core.Node) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(agentID)
	b.WriteString("\n")
	if len(nodes) == 0 {
		b.WriteString("\nNo knowledge recorded for this agent yet.\n")
		return b.String()
	}
	b.WriteString("\n")
	for _, n := range nodes {
		b.WriteString("- ")
		b.WriteString(n.Title)
		b.WriteString("\n")
	}
	return b.String()
}
