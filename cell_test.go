package cells

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCellPutNextJoinsMonotonically(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	c := pool.CreateCell(constKey{}, nil)

	require.NoError(t, c.PutNext(3))
	require.Equal(t, 3, c.GetResult())

	require.ErrorIs(t, c.PutNext(1), ErrNotMonotonic)
	require.Equal(t, 3, c.GetResult(), "a lower value must not regress the cell")

	require.NoError(t, c.PutNext(7))
	require.Equal(t, 7, c.GetResult())
	require.False(t, c.IsComplete())
}

func TestCellPutNextRejectsNonMonotonicUpdate(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	c := pool.CreateCell(constKey{}, nil)
	require.NoError(t, c.PutNext(5))

	err := c.PutNext(1)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotMonotonic))
	require.Equal(t, 5, c.GetResult())
}

func TestCellPutFinalFinalizesAndUnblocksAwait(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	c := pool.CreateCell(constKey{}, nil)

	require.NoError(t, c.PutFinal(9))
	require.True(t, c.IsComplete())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := c.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, 9, v)
}

func TestCellPutFinalConflictReturnsAlreadyFinal(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	c := pool.CreateCell(constKey{}, nil)
	require.NoError(t, c.PutFinal(9))

	err := c.PutFinal(1)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAlreadyFinal))
	require.Equal(t, 9, c.GetResult())
}

func TestCellPutFinalAgreeingValueIsNoop(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	c := pool.CreateCell(constKey{}, nil)
	require.NoError(t, c.PutFinal(9))
	require.NoError(t, c.PutFinal(9))
	require.Equal(t, 9, c.GetResult())
}

func TestCellAwaitRespectsContextCancellation(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	c := pool.CreateCell(constKey{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCellWhenNextFiresOnEveryAdvance(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	source := pool.CreateCell(constKey{}, nil)
	dependent := pool.CreateCell(constKey{}, nil)

	seen := make(chan int, 8)
	dependent.WhenNext(source, func(v int) Outcome[int] {
		seen <- v
		return Next[int](v)
	})

	require.NoError(t, source.PutNext(1))
	require.NoError(t, source.PutNext(4))
	require.NoError(t, source.PutFinal(4))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.awaitQuiescence(ctx))

	require.Len(t, seen, 3, "one firing per advance: 1, 4, and the final 4")
	require.Equal(t, 4, dependent.GetResult())
}

func TestCellWhenCompleteFiresOnceOnFinalization(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	source := pool.CreateCell(constKey{}, nil)
	dependent := pool.CreateCell(constKey{}, nil)

	calls := make(chan int, 8)
	dependent.WhenComplete(source, func(v int) Outcome[int] {
		calls <- v
		return Final[int](v)
	})

	require.NoError(t, source.PutNext(2))
	require.NoError(t, source.PutFinal(5))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.awaitQuiescence(ctx))

	select {
	case v := <-calls:
		require.Equal(t, 5, v)
	default:
		t.Fatal("whenComplete callback never fired")
	}
	select {
	case <-calls:
		t.Fatal("whenComplete callback fired more than once")
	default:
	}
	require.True(t, dependent.IsComplete())
	require.Equal(t, 5, dependent.GetResult())
}

func TestCellWhenCompleteOnAlreadyFinalDependeeFiresImmediately(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	source := pool.CreateCompletedCell(constKey{}, 11)
	dependent := pool.CreateCell(constKey{}, nil)

	dependent.WhenComplete(source, func(v int) Outcome[int] { return Final[int](v) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.awaitQuiescence(ctx))
	require.True(t, dependent.IsComplete())
	require.Equal(t, 11, dependent.GetResult())
}
