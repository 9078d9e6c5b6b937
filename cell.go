package cells

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// InitFunc is invoked at most once per cell, on first Trigger, and may
// register dependencies (via WhenNext/WhenComplete/When) and optionally
// return an initial Outcome.
type InitFunc[V comparable] func(c *Cell[V]) Outcome[V]

// cellState is the immutable snapshot a Cell's atomic pointer swaps
// between. It models the tagged union from spec.md §3 as a single
// struct: final==true means the "final" variant (only res/err matter);
// final==false means "incomplete", and the four bookkeeping maps are
// populated. Every mutation produces a new cellState and CASes it in —
// nothing here is ever mutated in place once published.
type cellState[V comparable] struct {
	final bool
	res   V
	err   error

	completeDeps      map[*Cell[V]]struct{}
	completeCallbacks map[*Cell[V]][]*callbackRecord[V]
	nextDeps          map[*Cell[V]]struct{}
	nextCallbacks     map[*Cell[V]][]*callbackRecord[V]
}

func newIncompleteState[V comparable](bottom V) *cellState[V] {
	return &cellState[V]{
		res:               bottom,
		completeDeps:      map[*Cell[V]]struct{}{},
		completeCallbacks: map[*Cell[V]][]*callbackRecord[V]{},
		nextDeps:          map[*Cell[V]]struct{}{},
		nextCallbacks:     map[*Cell[V]][]*callbackRecord[V]{},
	}
}

func (s *cellState[V]) withRes(v V) *cellState[V] {
	ns := *s
	ns.res = v
	return &ns
}

func (s *cellState[V]) withNextCallbacks(m map[*Cell[V]][]*callbackRecord[V]) *cellState[V] {
	ns := *s
	ns.nextCallbacks = m
	return &ns
}

func (s *cellState[V]) withCompleteCallbacks(m map[*Cell[V]][]*callbackRecord[V]) *cellState[V] {
	ns := *s
	ns.completeCallbacks = m
	return &ns
}

func (s *cellState[V]) withNextDeps(m map[*Cell[V]]struct{}) *cellState[V] {
	ns := *s
	ns.nextDeps = m
	return &ns
}

func (s *cellState[V]) withCompleteDeps(m map[*Cell[V]]struct{}) *cellState[V] {
	ns := *s
	ns.completeDeps = m
	return &ns
}

func cloneCallbackMap[V comparable](m map[*Cell[V]][]*callbackRecord[V]) map[*Cell[V]][]*callbackRecord[V] {
	out := make(map[*Cell[V]][]*callbackRecord[V], len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneDepSet[V comparable](m map[*Cell[V]]struct{}) map[*Cell[V]]struct{} {
	out := make(map[*Cell[V]]struct{}, len(m)+1)
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// Cell is a handle to a monotonically growing value in a user-defined
// lattice. See spec.md §3-4.1 for the full contract; the short version:
// GetResult/IsComplete never block, PutNext/PutFinal join a new value in
// (failing only on a genuine monotonicity or finality conflict), and
// WhenNext/WhenComplete install callbacks that fire as the cells they
// depend on advance.
type Cell[V comparable] struct {
	id   string
	key  Key[V]
	pool *HandlerPool[V]
	init InitFunc[V]

	state     atomic.Pointer[cellState[V]]
	triggered atomic.Bool
	serial    serialGate
	done      chan struct{}
}

func newCell[V comparable](pool *HandlerPool[V], key Key[V], init InitFunc[V]) *Cell[V] {
	c := &Cell[V]{
		id:   uuid.NewString(),
		key:  key,
		pool: pool,
		init: init,
		done: make(chan struct{}),
	}
	c.state.Store(newIncompleteState[V](pool.updater.Bottom()))
	return c
}

// ID returns a debug identifier for the cell. Stable for the cell's
// lifetime; carries no semantic meaning.
func (c *Cell[V]) ID() string { return c.id }

// Key returns the cell's resolution key.
func (c *Cell[V]) Key() Key[V] { return c.key }

// GetResult returns the current value. Outside quiescence this may be
// an intermediate value; at quiescence it is the fixed point.
func (c *Cell[V]) GetResult() V {
	return c.state.Load().res
}

// IsComplete reports whether the cell has been finalized.
func (c *Cell[V]) IsComplete() bool {
	return c.state.Load().final
}

// Err returns the failure stored in the cell's state. Nothing in this
// package finalizes a cell with a failure, so Err always returns nil.
func (c *Cell[V]) Err() error {
	return c.state.Load().err
}

// Trigger requests that the pool run this cell's Init function if it
// has not already started. Idempotent.
func (c *Cell[V]) Trigger() {
	c.pool.triggerExecution(c)
}

// Await blocks until the cell finalizes or ctx is done. Marks the cell
// as awaited (spec.md §4.3's cellsAwaited bookkeeping) so the pool's
// QuiescentResolveAwaited can find and prioritize it over cells nobody
// is actually blocked on.
func (c *Cell[V]) Await(ctx context.Context) (V, error) {
	c.pool.awaited.markAwaited(c)
	select {
	case <-c.done:
		st := c.state.Load()
		return st.res, st.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// PutNext joins v into the cell's current value. Returns ErrAlreadyFinal
// if the cell is final and v would change the finalized value (unless
// the updater's IgnoreIfFinal relaxes that), or a wrapped ErrNotMonotonic
// if the updater rejects the join.
func (c *Cell[V]) PutNext(v V) error {
	return c.putNextInternal(v)
}

// PutFinal joins v into the cell's current value and finalizes it.
// Returns ErrAlreadyFinal if the cell is already final with a
// conflicting value.
func (c *Cell[V]) PutFinal(v V) error {
	return c.putFinalInternal(v)
}

// resolveWithValue forces finalization with v, bypassing the normal
// AlreadyFinal check. It is a no-op on cells that are already final,
// used only by the pool's cycle/fallback resolution drivers.
func (c *Cell[V]) resolveWithValue(v V) error {
	for {
		old := c.state.Load()
		if old.final {
			return nil
		}
		joined, err := c.pool.updater.Update(old.res, v)
		if err != nil {
			return notMonotonicError(old.res, v, err)
		}
		final := &cellState[V]{final: true, res: joined}
		if c.state.CompareAndSwap(old, final) {
			c.finalize(old, joined)
			return nil
		}
	}
}

func (c *Cell[V]) putNextInternal(v V) error {
	for {
		old := c.state.Load()
		joined, err := c.pool.updater.Update(old.res, v)
		if err != nil {
			return notMonotonicError(old.res, v, err)
		}
		if old.final {
			if joined == old.res {
				return nil
			}
			if c.pool.updater.IgnoreIfFinal() {
				return nil
			}
			return alreadyFinalError(c.key, old.res, v)
		}
		if joined == old.res {
			return nil
		}
		next := old.withRes(joined)
		if c.state.CompareAndSwap(old, next) {
			c.pool.dispatchCallbacks(next.nextCallbacks, joined, false)
			return nil
		}
	}
}

func (c *Cell[V]) putFinalInternal(v V) error {
	for {
		old := c.state.Load()
		if old.final {
			joined, err := c.pool.updater.Update(old.res, v)
			if err == nil && joined == old.res {
				return nil
			}
			if c.pool.updater.IgnoreIfFinal() {
				return nil
			}
			return alreadyFinalError(c.key, old.res, v)
		}
		joined, err := c.pool.updater.Update(old.res, v)
		if err != nil {
			return notMonotonicError(old.res, v, err)
		}
		final := &cellState[V]{final: true, res: joined}
		if c.state.CompareAndSwap(old, final) {
			c.finalize(old, joined)
			return nil
		}
	}
}

// finalize runs the one-time transition work: fire every queued
// callback (complete callbacks see the final value; next callbacks see
// a final-flagged read), stop listening on this cell's own dependees,
// deregister from the pool's not-done set, and unblock Await callers.
func (c *Cell[V]) finalize(old *cellState[V], v V) {
	c.pool.dispatchCallbacks(old.nextCallbacks, v, true)
	c.pool.dispatchCallbacks(old.completeCallbacks, v, true)

	for dep := range old.nextDeps {
		dep.removeListener(c, false)
	}
	for dep := range old.completeDeps {
		dep.removeListener(c, true)
	}

	c.pool.notDone.remove(c)
	c.pool.completed.Add(1)
	close(c.done)
}

// removeListener drops dependent from this cell's outgoing callback
// maps, invoked when dependent finalizes and no longer needs to hear
// about this cell's advances.
func (c *Cell[V]) removeListener(dependent *Cell[V], complete bool) {
	for {
		old := c.state.Load()
		if old.final {
			return
		}
		if complete {
			if _, ok := old.completeCallbacks[dependent]; !ok {
				return
			}
			nm := cloneCallbackMap(old.completeCallbacks)
			delete(nm, dependent)
			next := old.withCompleteCallbacks(nm)
			if c.state.CompareAndSwap(old, next) {
				return
			}
		} else {
			if _, ok := old.nextCallbacks[dependent]; !ok {
				return
			}
			nm := cloneCallbackMap(old.nextCallbacks)
			delete(nm, dependent)
			next := old.withNextCallbacks(nm)
			if c.state.CompareAndSwap(old, next) {
				return
			}
		}
	}
}

// addCallback installs rec into this cell's outgoing callback map for
// dependent, idempotently. If the cell is already final, it installs
// nothing and reports that, along with the final value, so the caller
// can fire the callback immediately instead.
func (c *Cell[V]) addCallback(dependent *Cell[V], rec *callbackRecord[V], complete bool) (registered bool, finalVal V, isFinalNow bool) {
	for {
		old := c.state.Load()
		if old.final {
			return false, old.res, true
		}
		if complete {
			if _, ok := old.completeCallbacks[dependent]; ok {
				return true, old.res, false
			}
			nm := cloneCallbackMap(old.completeCallbacks)
			nm[dependent] = append(nm[dependent], rec)
			next := old.withCompleteCallbacks(nm)
			if c.state.CompareAndSwap(old, next) {
				return true, old.res, false
			}
		} else {
			if _, ok := old.nextCallbacks[dependent]; ok {
				return true, old.res, false
			}
			nm := cloneCallbackMap(old.nextCallbacks)
			nm[dependent] = append(nm[dependent], rec)
			next := old.withNextCallbacks(nm)
			if c.state.CompareAndSwap(old, next) {
				return true, old.res, false
			}
		}
	}
}

// addDep records that this cell (the dependent) depends on other,
// idempotently. Once this cell finalizes, finalize calls
// other.removeListener to drop this cell from other's callback maps;
// this cell's own dep set is only read for SCC snapshotting and is
// otherwise inert bookkeeping.
func (c *Cell[V]) addDep(other *Cell[V], complete bool) {
	for {
		old := c.state.Load()
		if old.final {
			return
		}
		if complete {
			if _, ok := old.completeDeps[other]; ok {
				return
			}
			nm := cloneDepSet(old.completeDeps)
			nm[other] = struct{}{}
			next := old.withCompleteDeps(nm)
			if c.state.CompareAndSwap(old, next) {
				return
			}
		} else {
			if _, ok := old.nextDeps[other]; ok {
				return
			}
			nm := cloneDepSet(old.nextDeps)
			nm[other] = struct{}{}
			next := old.withNextDeps(nm)
			if c.state.CompareAndSwap(old, next) {
				return
			}
		}
	}
}

// when is the shared implementation behind WhenNext/WhenComplete/When.
// Registering on an already-final dependee never installs a dependency:
// for whenComplete it dispatches the callback immediately against the
// final value; for whenNext it is simply ignored, since a final cell
// will never advance again.
func (c *Cell[V]) when(other *Cell[V], fn callbackFn[V], complete, sequential bool) {
	rec := &callbackRecord[V]{dependent: c, fn: fn, sequential: sequential}
	registered, finalVal, isFinalNow := other.addCallback(c, rec, complete)
	if !registered && isFinalNow {
		if complete {
			c.pool.submitCallbackFire(rec, finalVal, true)
		}
		return
	}
	c.addDep(other, complete)
	other.pool.triggerExecution(other)
}

// WhenNext registers cb to run every time other advances (including its
// final advance), concurrently with any other registered callback.
func (c *Cell[V]) WhenNext(other *Cell[V], cb func(V) Outcome[V]) {
	c.when(other, func(v V, _ bool) Outcome[V] { return cb(v) }, false, false)
}

// WhenNextSequential is WhenNext with sequential-per-dependent dispatch:
// see spec.md §4.3.
func (c *Cell[V]) WhenNextSequential(other *Cell[V], cb func(V) Outcome[V]) {
	c.when(other, func(v V, _ bool) Outcome[V] { return cb(v) }, false, true)
}

// WhenComplete registers cb to run exactly once, when other finalizes.
func (c *Cell[V]) WhenComplete(other *Cell[V], cb func(V) Outcome[V]) {
	c.when(other, func(v V, _ bool) Outcome[V] { return cb(v) }, true, false)
}

// WhenCompleteSequential is WhenComplete with sequential-per-dependent
// dispatch.
func (c *Cell[V]) WhenCompleteSequential(other *Cell[V], cb func(V) Outcome[V]) {
	c.when(other, func(v V, _ bool) Outcome[V] { return cb(v) }, true, true)
}

// When is the general form: cb observes both the value and whether the
// read came from other's final advance. Fires like WhenNext (on every
// advance, including the final one).
func (c *Cell[V]) When(other *Cell[V], cb func(v V, isFinal bool) Outcome[V]) {
	c.when(other, cb, false, false)
}

// WhenSequential is When with sequential-per-dependent dispatch.
func (c *Cell[V]) WhenSequential(other *Cell[V], cb func(v V, isFinal bool) Outcome[V]) {
	c.when(other, cb, false, true)
}

// depEdges returns the cells this cell currently depends on (complete +
// next), for the pool's quiescence-time SCC snapshot. Never called on
// the hot path.
func (c *Cell[V]) depEdges() []*Cell[V] {
	st := c.state.Load()
	if st.final {
		return nil
	}
	out := make([]*Cell[V], 0, len(st.nextDeps)+len(st.completeDeps))
	for d := range st.nextDeps {
		out = append(out, d)
	}
	for d := range st.completeDeps {
		out = append(out, d)
	}
	return out
}

func (c *Cell[V]) String() string {
	st := c.state.Load()
	if st.final {
		return fmt.Sprintf("Cell(%s){final res=%v}", c.id, st.res)
	}
	return fmt.Sprintf("Cell(%s){res=%v deps=%d}", c.id, st.res, len(st.nextDeps)+len(st.completeDeps))
}
