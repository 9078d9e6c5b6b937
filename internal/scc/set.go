package scc

import "sync"

// Node is an opaque graph vertex. The cell-dependency graph the pool
// snapshots at quiescence uses *cells.Cell pointers as nodes, but
// this package never looks inside them.
type Node interface{}

// set is a small thread-safe collection of Nodes, used to build graph
// adjacency during a quiescence snapshot. It is never touched from the
// cell hot path; all mutation happens while the pool is quiescent.
type set struct {
	mu sync.Mutex
	m  map[Node]struct{}
}

func newSet() *set {
	return &set{m: make(map[Node]struct{})}
}

func (s *set) add(n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[n] = struct{}{}
}

func (s *set) includes(n Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[n]
	return ok
}

func (s *set) list() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Node, 0, len(s.m))
	for n := range s.m {
		out = append(out, n)
	}
	return out
}

func (s *set) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
