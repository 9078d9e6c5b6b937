package scc

import (
	"fmt"
	"sort"
	"strings"
)

// DebugTree renders a closed SCC as a header line followed by each
// member, alphabetized by name, with its successors inside the
// component indented beneath it, for test fixtures and diagnostics. It is
// the SCC-package analogue of dag.Graph.StringWithNodeTypes: deterministic,
// human-readable, and alphabetized so output does not depend on map
// iteration order.
func DebugTree(g *Graph, comp []Node, name func(Node) string) string {
	if len(comp) == 0 {
		return ""
	}

	names := make([]string, 0, len(comp))
	byName := make(map[string]Node, len(comp))
	for _, n := range comp {
		s := name(n)
		names = append(names, s)
		byName[s] = n
	}
	sort.Strings(names)

	inComp := make(map[Node]bool, len(comp))
	for _, n := range comp {
		inComp[n] = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "closed-scc (%d nodes)\n", len(comp))
	for _, n := range names {
		b.WriteString("  " + n + "\n")
		deps := make([]string, 0)
		for _, s := range g.Succ(byName[n]) {
			if inComp[s] {
				deps = append(deps, name(s))
			}
		}
		sort.Strings(deps)
		for _, d := range deps {
			b.WriteString("    -> " + d + "\n")
		}
	}
	return b.String()
}
