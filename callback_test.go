package cells

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerialGateRunsQueuedWorkInOrderWithoutOverlap(t *testing.T) {
	var g serialGate
	var mu sync.Mutex
	var order []int
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.runSerially(func() {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				order = append(order, i)
				active--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxActive, "serialGate must never run two bodies concurrently")
	require.Len(t, order, 20)
}

func TestSafeCallRecoversPanicAndReportsFailure(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	reported := make(chan interface{}, 1)
	pool.opts.unhandled = func(key, p interface{}) { reported <- p }

	out := safeCall(pool, "some-key", func() Outcome[int] {
		panic("kaboom")
	})

	require.True(t, out.IsNone())
	select {
	case p := <-reported:
		require.Equal(t, "kaboom", p)
	case <-time.After(time.Second):
		t.Fatal("safeCall did not route the panic to the pool")
	}
}

func TestCallbackRecordFireAppliesOutcomeToDependent(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	dependent := pool.CreateCell(constKey{}, nil)
	rec := &callbackRecord[int]{
		dependent: dependent,
		fn:        func(v int, _ bool) Outcome[int] { return Next[int](v * 2) },
	}

	rec.fire(pool, 5, false)
	require.Equal(t, 10, dependent.GetResult())
	require.False(t, dependent.IsComplete())
}

func TestCallbackRecordSequentialFiresThroughDependentsGate(t *testing.T) {
	pool := NewHandlerPool[int](maxUpdater{})
	dependent := pool.CreateCell(constKey{}, nil)

	var mu sync.Mutex
	active := 0
	maxActive := 0
	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		v := i
		rec := &callbackRecord[int]{
			dependent:  dependent,
			fn: func(val int, _ bool) Outcome[int] {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return Next[int](val)
			},
			sequential: true,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.fire(pool, v, false)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxActive)
	require.Equal(t, 10, dependent.GetResult())
}
