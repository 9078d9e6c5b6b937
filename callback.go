package cells

import "sync"

// callbackFn is the unified shape of a registered dependency callback:
// given the dependee's current value and whether that read observed a
// final value, compute an Outcome to apply to the dependent cell. Per
// the open question in spec.md §9, this repo pins the "two kinds, one
// signature" model: whenNext and whenComplete differ only in *when* the
// record fires (every advance vs. finalization-only), not in the shape
// of the callback itself.
type callbackFn[V comparable] func(v V, isFinal bool) Outcome[V]

// callbackRecord is the closure bundle spec.md §4.4 describes:
// (pool, dependent, dependee, userCallback). The dependee is implicit —
// a record only ever lives inside that dependee's own callback map — so
// it is not stored redundantly here.
type callbackRecord[V comparable] struct {
	dependent  *Cell[V]
	fn         callbackFn[V]
	sequential bool
}

// fire invokes the record against v/isFinal and applies the resulting
// Outcome to the dependent cell. Concurrent records run this directly
// on whatever worker picked up the task; sequential records run it
// through the dependent's serialGate so no two bodies targeting the
// same dependent are ever active at once.
func (r *callbackRecord[V]) fire(pool *HandlerPool[V], v V, isFinal bool) {
	run := func() {
		outcome := safeCall(pool, r.dependent.key, func() Outcome[V] {
			return r.fn(v, isFinal)
		})
		applyOutcome(pool, r.dependent, outcome)
	}

	if r.sequential {
		r.dependent.serial.runSerially(run)
		return
	}
	run()
}

// applyOutcome pushes an Outcome returned by a callback or Init function
// onto its target cell, per spec.md §3's Outcome semantics.
func applyOutcome[V comparable](pool *HandlerPool[V], target *Cell[V], outcome Outcome[V]) {
	v, ok := outcome.Value()
	if !ok {
		return
	}
	if outcome.IsFinal() {
		_ = target.putFinalInternal(v)
	} else {
		_ = target.putNextInternal(v)
	}
}

// safeCall recovers a panicking user callback/Init, routes it to the
// pool's unhandled-exception handler, and returns the None outcome so
// the caller proceeds as if nothing had been returned. Mirrors
// spec.md §4.3's "user callbacks that throw are routed to the pool's
// unhandled-exception handler and do not terminate the worker."
func safeCall[V comparable](pool *HandlerPool[V], key interface{}, f func() Outcome[V]) (out Outcome[V]) {
	defer func() {
		if p := recover(); p != nil {
			pool.reportFailure(key, p)
			out = None[V]()
		}
	}()
	return f()
}

// serialGate realizes spec.md §4.3's sequential-per-dependent discipline
// and §9's "serial token" design note with an in-flight flag and a small
// FIFO of pending bodies, both guarded by a sync.Mutex (not lock-free).
// The mutex is held only while the flag and queue are updated, never
// while a body runs. Acquiring the gate when it is already held enqueues
// instead of blocking the calling worker; the holder drains the queue
// itself before releasing, so the queue never needs its own separate
// wakeup mechanism.
type serialGate struct {
	mu      sync.Mutex
	holding bool
	pending []func()
}

func (g *serialGate) runSerially(f func()) {
	g.mu.Lock()
	if g.holding {
		g.pending = append(g.pending, f)
		g.mu.Unlock()
		return
	}
	g.holding = true
	g.mu.Unlock()

	g.drain(f)
}

// drain runs f, then repeatedly pops and runs whatever queued up while f
// (or a prior queued body) was executing, bounding stack depth to O(1)
// rather than recursing per queued item.
func (g *serialGate) drain(f func()) {
	for {
		f()

		g.mu.Lock()
		if len(g.pending) == 0 {
			g.holding = false
			g.mu.Unlock()
			return
		}
		f = g.pending[0]
		g.pending = g.pending[1:]
		g.mu.Unlock()
	}
}
