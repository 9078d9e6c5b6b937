package scc

// ClosedSCCs computes the closed strongly connected components of g: the
// maximal vertex subsets S such that every node in S is reachable from
// every other node in S, and no edge leaves S (for every n in S,
// Succ(n) is a subset of S). Open components — SCCs that do have an
// escaping edge — are omitted entirely. Each node appears in at most one
// returned component.
//
// The traversal is Tarjan's recursive depth-first algorithm
// (strongConnect): each node gets a dfsNum (visitation order) and a
// lowlink, and a component is popped off the path stack when a node's
// lowlink equals its dfsNum. Every component found that way is then
// checked by isClosed, and only those with no edge leaving them are
// returned. The recursion depth grows with the longest path in g.
//
// Linear in |N|+|E|. Tolerates multi-edges and self-loops.
func ClosedSCCs(g *Graph) [][]Node {
	d := &tarjanState{
		dfsNum:  make(map[Node]int),
		cSCCId:  make(map[Node]int),
		onStack: make(map[Node]bool),
		killed:  make(map[int]bool),
		nextID:  0,
	}

	for _, n := range g.Nodes() {
		if _, seen := d.dfsNum[n]; !seen {
			strongConnect(g, n, d)
		}
	}

	result := make([][]Node, 0, len(d.components))
	for _, comp := range d.components {
		if isClosed(g, comp) {
			result = append(result, comp)
		}
	}
	return result
}

type tarjanState struct {
	dfsNum  map[Node]int // visitation order
	lowlink map[Node]int
	cSCCId  map[Node]int // a fresh id per visited node; not read by the algorithm
	onStack map[Node]bool
	killed  map[int]bool // never written; closedness is checked by isClosed

	path       []Node // Tarjan's stack of visited nodes not yet assigned to a component
	components [][]Node
	nextID     int
}

// strongConnect is the classic recursive Tarjan step, kept recursive
// here for clarity; the pool only ever calls ClosedSCCs from within a
// quiescence handler on a bounded, already-materialized node set, so
// stack depth tracks the size of one dependency chain, not request
// volume.
func strongConnect(g *Graph, v Node, d *tarjanState) int {
	if d.lowlink == nil {
		d.lowlink = make(map[Node]int)
	}
	index := len(d.dfsNum)
	d.dfsNum[v] = index
	d.lowlink[v] = index
	d.cSCCId[v] = d.nextID
	d.nextID++
	d.onStack[v] = true
	d.path = append(d.path, v)

	for _, w := range g.Succ(v) {
		if _, seen := d.dfsNum[w]; !seen {
			strongConnect(g, w, d)
			if d.lowlink[w] < d.lowlink[v] {
				d.lowlink[v] = d.lowlink[w]
			}
		} else if d.onStack[w] {
			if d.dfsNum[w] < d.lowlink[v] {
				d.lowlink[v] = d.dfsNum[w]
			}
		}
	}

	if d.lowlink[v] == d.dfsNum[v] {
		var comp []Node
		for {
			n := len(d.path) - 1
			top := d.path[n]
			d.path = d.path[:n]
			d.onStack[top] = false
			comp = append(comp, top)
			if top == v {
				break
			}
		}
		d.components = append(d.components, comp)
	}

	return d.lowlink[v]
}

// isClosed reports whether every out-edge of every node in comp stays
// within comp.
func isClosed(g *Graph, comp []Node) bool {
	inComp := make(map[Node]bool, len(comp))
	for _, n := range comp {
		inComp[n] = true
	}
	for _, n := range comp {
		for _, s := range g.Succ(n) {
			if !inComp[s] {
				return false
			}
		}
	}
	return true
}
