package scc

import (
	"fmt"
	"sort"
)

// Graph is a directed graph snapshot of cell dependency edges, taken
// inside a quiescence handler. It is immutable once built: the pool never
// mutates a Graph after handing it to this package, mirroring
// dag.Graph's "consistent snapshot" usage in the teacher's Walk/
// StronglyConnected callers.
type Graph struct {
	vertices *set
	down     map[Node]*set
}

// NewGraph builds an empty graph.
func NewGraph() *Graph {
	return &Graph{
		vertices: newSet(),
		down:     make(map[Node]*set),
	}
}

// AddNode registers n as a vertex, idempotently.
func (g *Graph) AddNode(n Node) {
	g.vertices.add(n)
	if _, ok := g.down[n]; !ok {
		g.down[n] = newSet()
	}
}

// AddEdge records a directed edge from -> to. Both endpoints are added
// as vertices if not already present. Safe to call multiple times with
// the same pair (idempotent), matching dag.Graph.Connect.
func (g *Graph) AddEdge(from, to Node) {
	g.AddNode(from)
	g.AddNode(to)
	g.down[from].add(to)
}

// Nodes returns all vertices in the graph, in no particular order.
func (g *Graph) Nodes() []Node {
	return g.vertices.list()
}

// Succ returns the out-edges of n.
func (g *Graph) Succ(n Node) []Node {
	s, ok := g.down[n]
	if !ok {
		return nil
	}
	return s.list()
}

// String renders the graph the way dag.Graph.String renders an
// AcyclicGraph: one line per node, indented dependency lines below it,
// sorted for determinism.
func (g *Graph) String() string {
	return g.stringWith(func(n Node) string { return fmt.Sprintf("%v", n) })
}

func (g *Graph) stringWith(name func(Node) string) string {
	nodes := g.Nodes()
	names := make([]string, 0, len(nodes))
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		s := name(n)
		names = append(names, s)
		byName[s] = n
	}
	sort.Strings(names)

	out := ""
	for _, n := range names {
		out += n + "\n"
		deps := make([]string, 0)
		for _, s := range g.Succ(byName[n]) {
			deps = append(deps, name(s))
		}
		sort.Strings(deps)
		for _, d := range deps {
			out += "  " + d + "\n"
		}
	}
	return out
}
