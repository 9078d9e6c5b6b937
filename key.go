package cells

// Key is the per-cell resolution policy attached at creation time. The
// handler pool consults it only at quiescence, when a cell (or a closed
// group of mutually dependent cells) cannot advance on its own.
//
// Both Resolve and Fallback must return values consistent with
// monotonicity relative to each cell's current value — the pool applies
// them via Cell.resolveWithValue, which still enforces the lattice join.
//
// The pool uses Key values as map keys when it groups cells for
// Fallback, so a Key's dynamic type must be comparable; a Key holding a
// slice or map makes that grouping panic.
type Key[V comparable] interface {
	// Resolve is invoked once per closed SCC of non-final cells, using
	// the key of the SCC's head cell (see HandlerPool.quiescentResolveCyclesOnce
	// for how the head is chosen). It returns a finalization value for
	// some or all of the cells in the component.
	Resolve(scc []*Cell[V]) map[*Cell[V]]V

	// Fallback is invoked on whatever non-final cells remain after cycle
	// resolution. It returns a finalization value for some or all of
	// them.
	Fallback(remaining []*Cell[V]) map[*Cell[V]]V
}
