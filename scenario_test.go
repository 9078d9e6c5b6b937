package cells

import (
	"context"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	deep "github.com/go-test/deep"
)

// intSet is a set of small non-negative integers stored as a bitmask
// (bit i set means i is a member), so two sets with the same members
// compare equal with ==, as Cell's comparable value type requires.
// setUpdater is an impure lattice over it: the join of two sets is
// their union.
type intSet uint64

func setOf(members ...int) intSet {
	var s intSet
	for _, m := range members {
		s |= 1 << uint(m)
	}
	return s
}

func (s intSet) equal(other intSet) bool {
	return s == other
}

type setUpdater struct{}

func (setUpdater) Bottom() intSet { return 0 }

func (setUpdater) Update(cur, incoming intSet) (intSet, error) {
	return cur | incoming, nil
}

func (setUpdater) IgnoreIfFinal() bool { return false }

type setKey struct{}

func (setKey) Resolve(scc []*Cell[intSet]) map[*Cell[intSet]]intSet {
	out := make(map[*Cell[intSet]]intSet, len(scc))
	for _, c := range scc {
		out[c] = c.GetResult()
	}
	return out
}

func (setKey) Fallback(remaining []*Cell[intSet]) map[*Cell[intSet]]intSet {
	out := make(map[*Cell[intSet]]intSet, len(remaining))
	for _, c := range remaining {
		out[c] = c.GetResult()
	}
	return out
}

func TestScenario_ImpureLatticeFinalizesToUnion(t *testing.T) {
	pool := NewHandlerPool[intSet](setUpdater{})
	c := pool.CreateCell(setKey{}, nil)

	require.NoError(t, c.PutNext(setOf(1, 2)))
	require.NoError(t, c.PutNext(setOf(2, 3)))
	require.NoError(t, c.PutFinal(setOf(4)))

	want := setOf(1, 2, 3, 4)
	got := c.GetResult()
	if !got.equal(want) {
		t.Fatalf("unexpected union: got %s want %s", spew.Sdump(got), spew.Sdump(want))
	}
}

func TestScenario_WhenCompleteFansOutToManyDependents(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	source := pool.CreateCell(constKey{}, nil)

	const n = 25
	dependents := make([]*Cell[int], n)
	for i := range dependents {
		dependents[i] = pool.CreateCell(constKey{}, nil)
		dependents[i].WhenComplete(source, func(v int) Outcome[int] { return Final[int](v) })
	}

	require.NoError(t, source.PutFinal(99))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.awaitQuiescence(ctx))

	got := make([]int, n)
	for i, d := range dependents {
		got[i] = d.GetResult()
	}
	want := make([]int, n)
	for i := range want {
		want[i] = 99
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("fan-out mismatch (-want +got):\n%s", diff)
	}
}

func TestScenario_ThreeCellCycleResolvedExplicitly(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	key := constKey{value: 13}
	a := pool.CreateCell(key, nil)
	b := pool.CreateCell(key, nil)
	c := pool.CreateCell(key, nil)
	a.WhenNext(b, func(int) Outcome[int] { return None[int]() })
	b.WhenNext(c, func(int) Outcome[int] { return None[int]() })
	c.WhenNext(a, func(int) Outcome[int] { return None[int]() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.awaitQuiescence(ctx))
	require.Equal(t, 3, pool.QuiescentResolveCycles())

	for _, cell := range []*Cell[int]{a, b, c} {
		require.True(t, cell.IsComplete())
		require.Equal(t, 13, cell.GetResult())
	}
}

func TestScenario_NeverTriggeredCellResolvedByFallback(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	c := pool.CreateCell(constKey{value: 5}, func(*Cell[int]) Outcome[int] {
		// An Init that never runs: this cell is never Triggered, which
		// is exactly the "nobody ever asked for it" case Fallback
		// exists for.
		return Final[int](1000)
	})

	resolved := pool.QuiescentResolveDefaults()
	require.Equal(t, 1, resolved)
	require.Equal(t, 5, c.GetResult())
}

func TestScenario_ExceptionInCallbackStillReachesQuiescence(t *testing.T) {
	var failures []interface{}
	pool := NewHandlerPool[int](maxUpdater{}, WithUnhandledExceptionHandler(func(_ interface{}, p interface{}) {
		failures = append(failures, p)
	}))

	source := pool.CreateCell(constKey{}, nil)
	dependent := pool.CreateCell(constKey{}, nil)
	dependent.WhenNext(source, func(int) Outcome[int] {
		panic("callback exploded")
	})

	require.NoError(t, source.PutFinal(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.awaitQuiescence(ctx))

	require.Len(t, failures, 1)
	require.False(t, dependent.IsComplete())
}

func TestScenario_MonotonicityViolationIsRejectedNotSilentlyDropped(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	c := pool.CreateCell(constKey{}, nil)
	require.NoError(t, c.PutNext(10))

	err := c.PutNext(2)
	require.Error(t, err)

	before := c.GetResult()
	require.NoError(t, c.PutNext(10))
	after := c.GetResult()
	if diff := deep.Equal(before, after); diff != nil {
		t.Fatalf("idempotent re-apply changed the result: %v", diff)
	}
}
