package cells

import "fmt"

// maxUpdater is the lattice used across this package's tests: integers
// ordered by value, joined by max. A decreasing incoming value is
// treated as a monotonicity violation rather than silently ignored, so
// tests can exercise the ErrNotMonotonic path without a contrived
// updater.
type maxUpdater struct{}

func (maxUpdater) Bottom() int { return 0 }

func (maxUpdater) Update(cur, incoming int) (int, error) {
	if incoming < cur {
		return cur, fmt.Errorf("value regressed: %d < %d", incoming, cur)
	}
	return incoming, nil
}

func (maxUpdater) IgnoreIfFinal() bool { return false }

// constKey resolves any group of cells to the same fixed value,
// regardless of which cells are in the group. Good enough for tests
// that only care that resolution happened, not what value it picked.
type constKey struct {
	value int
}

func (k constKey) Resolve(scc []*Cell[int]) map[*Cell[int]]int {
	out := make(map[*Cell[int]]int, len(scc))
	for _, c := range scc {
		out[c] = k.value
	}
	return out
}

func (k constKey) Fallback(remaining []*Cell[int]) map[*Cell[int]]int {
	out := make(map[*Cell[int]]int, len(remaining))
	for _, c := range remaining {
		out[c] = k.value
	}
	return out
}
