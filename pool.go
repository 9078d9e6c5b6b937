package cells

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	hcuuid "github.com/hashicorp/go-uuid"
	"golang.org/x/sync/semaphore"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/latticeflow/cells/internal/logging"
	"github.com/latticeflow/cells/internal/scc"
)

// handlerEntry is one OnQuiescent registration: an id (so it can be
// cancelled) paired with the callback itself.
type handlerEntry struct {
	id uint64
	fn func()
}

// poolState is the single CAS word behind the pool's task accounting,
// per spec.md §9's "one CAS word" design note. This repo represents that
// word as an immutable struct behind an atomic.Pointer rather than a
// packed integer: submitted tracks in-flight tasks (the quiescence
// counter) and handlers holds the currently registered OnQuiescent
// callbacks, both swapped together so a quiescence observation and the
// handler list it drains are always consistent with each other.
type poolState struct {
	handlers  []handlerEntry
	submitted int
}

// HandlerPool is the engine from spec.md §4: it owns cell creation,
// runs Init functions and dependency callbacks as tasks on a bounded
// worker pool, and detects quiescence (submitted-task count reaching
// zero) to drive cycle and fallback resolution.
type HandlerPool[V comparable] struct {
	id      string
	updater Updater[V]
	opts    *config
	logger  hclog.Logger
	tracer  trace.Tracer

	notDone  *cellRegistry[V]
	awaited  *awaitedCache[V]
	failures *logging.FailureRecorder

	sem *semaphore.Weighted

	state      atomic.Pointer[poolState]
	handlerSeq uint64
	shutdown   atomic.Bool

	completed        atomic.Int64
	resolvedCycles   atomic.Int64
	resolvedFallback atomic.Int64
}

// NewHandlerPool builds a pool over the lattice described by updater.
func NewHandlerPool[V comparable](updater Updater[V], opts ...Option) *HandlerPool[V] {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	id, err := hcuuid.GenerateUUID()
	if err != nil {
		id = "cells-pool"
	}

	p := &HandlerPool[V]{
		id:       id,
		updater:  updater,
		opts:     cfg,
		logger:   cfg.logger,
		tracer:   cfg.tracer,
		notDone:  &cellRegistry[V]{},
		awaited:  newAwaitedCache[V](cfg.awaitedCacheSize),
		failures: logging.NewFailureRecorder(cfg.maxFailureRecords, cfg.maxFailureBytes),
	}
	if cfg.parallelism > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.parallelism))
	}
	p.state.Store(&poolState{})
	return p
}

// ID returns the pool's debug identifier.
func (p *HandlerPool[V]) ID() string { return p.id }

// cas applies f to the current poolState and swaps it in, retrying on
// contention. f may be called more than once; only the call whose
// result wins the race has observable side effects.
func (p *HandlerPool[V]) cas(f func(old *poolState) *poolState) *poolState {
	for {
		old := p.state.Load()
		next := f(old)
		if p.state.CompareAndSwap(old, next) {
			return next
		}
	}
}

// submitTask runs f as a pool task: it counts toward the quiescence
// tally from the moment it is accepted until f returns, runs under the
// parallelism semaphore, and is recovered so a panicking task cannot
// take down the worker goroutine (though well-behaved callers should
// already have wrapped anything panic-prone in safeCall).
func (p *HandlerPool[V]) submitTask(f func()) error {
	if p.shutdown.Load() {
		return ErrShutdownInProgress
	}
	p.cas(func(old *poolState) *poolState {
		ns := *old
		ns.submitted = old.submitted + 1
		return &ns
	})
	go func() {
		if p.sem != nil {
			if err := p.sem.Acquire(context.Background(), 1); err != nil {
				p.taskDone()
				return
			}
			defer p.sem.Release(1)
		}
		defer p.taskDone()
		p.runTask(f)
	}()
	return nil
}

func (p *HandlerPool[V]) runTask(f func()) {
	defer func() {
		if r := recover(); r != nil {
			p.reportFailure("<task>", r)
		}
	}()

	if p.tracer == nil {
		f()
		return
	}
	_, span := p.tracer.Start(context.Background(), "cells.task", trace.WithAttributes(
		attribute.String("cells.pool", p.id),
	))
	defer span.End()
	f()
}

// taskDone decrements the in-flight count; when it reaches zero, the
// pool has just observed quiescence, so the registered OnQuiescent
// handlers are taken off the list in the same CAS and each is submitted
// as a fresh task. Submitting
// (rather than calling handlers inline here) keeps them inside the
// same task-counting discipline as everything else: a handler that
// itself calls PutNext/PutFinal and wakes the graph back up is counted
// correctly, and quiescence is re-evaluated once it finishes.
func (p *HandlerPool[V]) taskDone() {
	var toRun []handlerEntry
	p.cas(func(old *poolState) *poolState {
		ns := *old
		ns.submitted = old.submitted - 1
		if ns.submitted == 0 && len(old.handlers) > 0 {
			toRun = old.handlers
			ns.handlers = nil
		}
		return &ns
	})
	for _, h := range toRun {
		h := h
		_ = p.submitTask(h.fn)
	}
}

// OnQuiescent registers fn to run once, the next time the pool's
// in-flight task count reaches zero. If the pool is already quiescent at
// registration time, fn is submitted immediately and is not added to the
// handler list — there is no "reaching zero" event left to observe.
// Registration and the taskDone drain decide through the same CAS on
// poolState, so each registration is picked up by exactly one of them.
//
// The returned cancel function deregisters fn if it has not been picked
// up yet; it does not stop a submission already in flight.
func (p *HandlerPool[V]) OnQuiescent(fn func()) (cancel func()) {
	id := atomic.AddUint64(&p.handlerSeq, 1)
	entry := handlerEntry{id: id, fn: fn}

	var alreadyQuiescent bool
	p.cas(func(old *poolState) *poolState {
		alreadyQuiescent = old.submitted == 0
		if alreadyQuiescent {
			return old
		}
		ns := *old
		handlers := make([]handlerEntry, len(old.handlers), len(old.handlers)+1)
		copy(handlers, old.handlers)
		ns.handlers = append(handlers, entry)
		return &ns
	})
	if alreadyQuiescent {
		_ = p.submitTask(fn)
	}

	return func() {
		p.cas(func(old *poolState) *poolState {
			ns := *old
			out := make([]handlerEntry, 0, len(old.handlers))
			for _, h := range old.handlers {
				if h.id != id {
					out = append(out, h)
				}
			}
			ns.handlers = out
			return &ns
		})
	}
}

// CreateCell allocates a new cell governed by this pool's lattice. The
// cell is tracked as not-done from the moment it is created — Trigger,
// not CreateCell, is what actually runs Init.
func (p *HandlerPool[V]) CreateCell(key Key[V], init InitFunc[V]) *Cell[V] {
	c := newCell[V](p, key, init)
	p.notDone.add(c)
	return c
}

// CreateCompletedCell allocates a cell that is already final with v,
// for seeding a graph with known inputs (spec.md §6's "pre-completed
// cell" external interface). It never enters the not-done registry.
func (p *HandlerPool[V]) CreateCompletedCell(key Key[V], v V) *Cell[V] {
	c := newCell[V](p, key, func(*Cell[V]) Outcome[V] { return None[V]() })
	c.triggered.Store(true)
	_ = c.putFinalInternal(v)
	return c
}

// triggerExecution submits c's Init function as a task, exactly once.
func (p *HandlerPool[V]) triggerExecution(c *Cell[V]) {
	if c.init == nil {
		return
	}
	if !c.triggered.CompareAndSwap(false, true) {
		return
	}
	_ = p.submitTask(func() {
		outcome := safeCall(p, c.key, func() Outcome[V] { return c.init(c) })
		applyOutcome(p, c, outcome)
	})
}

// dispatchCallbacks submits one task per registered callback record in
// m, each closing over the same (v, isFinal) read. Called from inside a
// cell's CAS loop after a successful publish, so m is always the
// immutable snapshot that CAS just won against, never a live map.
func (p *HandlerPool[V]) dispatchCallbacks(m map[*Cell[V]][]*callbackRecord[V], v V, isFinal bool) {
	for _, records := range m {
		for _, rec := range records {
			rec := rec
			_ = p.submitTask(func() { rec.fire(p, v, isFinal) })
		}
	}
}

// submitCallbackFire submits a single callback record as a task, used
// when a WhenComplete registration lands on an already-final dependee
// and needs to fire once, immediately, outside of any finalize pass.
func (p *HandlerPool[V]) submitCallbackFire(rec *callbackRecord[V], v V, isFinal bool) {
	_ = p.submitTask(func() { rec.fire(p, v, isFinal) })
}

// reportFailure routes a recovered panic to the configured unhandled-
// exception handler and the bounded failure history, and logs it.
// Mirrors backend_local.go's "don't let a provider crash take down the
// whole apply" handling, except here the unit of isolation is a single
// callback invocation rather than a resource.
func (p *HandlerPool[V]) reportFailure(key interface{}, panicVal interface{}) {
	cf := &CallbackFailure{Key: key, Panic: panicVal, Stack: debug.Stack()}
	p.failures.Record(fmt.Sprintf("%v", key), panicVal)
	p.logger.Error("unhandled panic in cell callback", "err", cf)
	if p.opts.unhandled != nil {
		p.opts.unhandled(key, panicVal)
	}
}

// RecentFailures returns the pool's bounded history of recovered
// callback/Init panics, oldest first.
func (p *HandlerPool[V]) RecentFailures() []logging.FailureRecord {
	return p.failures.Recent()
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Submitted        int   // currently in-flight tasks
	NotDone          int   // cells created but not yet finalized
	Completed        int64 // cells finalized over the pool's lifetime
	ResolvedCycles   int64 // cells finalized by closed-SCC resolution
	ResolvedFallback int64 // cells finalized by fallback resolution
}

// Stats returns a snapshot of the pool's current activity counters.
func (p *HandlerPool[V]) Stats() Stats {
	return Stats{
		Submitted:        p.state.Load().submitted,
		NotDone:          p.notDone.len(),
		Completed:        p.completed.Load(),
		ResolvedCycles:   p.resolvedCycles.Load(),
		ResolvedFallback: p.resolvedFallback.Load(),
	}
}

// QuiescentIncompleteCells returns every cell this pool has created
// that has not yet finalized. Meaningful only when called from an
// OnQuiescent handler or after the caller otherwise knows no tasks are
// in flight; calling it mid-flight just returns a racy snapshot.
func (p *HandlerPool[V]) QuiescentIncompleteCells() []*Cell[V] {
	return p.notDone.list()
}

// snapshotDepGraph builds an scc.Graph over the pool's current
// not-done cells, using each cell's pointer identity as the scc.Node.
func (p *HandlerPool[V]) snapshotDepGraph() (*scc.Graph, map[scc.Node]*Cell[V]) {
	incomplete := p.notDone.list()
	g := scc.NewGraph()
	byNode := make(map[scc.Node]*Cell[V], len(incomplete))
	for _, c := range incomplete {
		n := scc.Node(c)
		g.AddNode(n)
		byNode[n] = c
	}
	for _, c := range incomplete {
		from := scc.Node(c)
		for _, d := range c.depEdges() {
			g.AddEdge(from, scc.Node(d))
		}
	}
	return g, byNode
}

// quiescentResolveCyclesOnce runs one pass of spec.md §4.3's
// closed-SCC resolution: every closed strongly connected component of
// non-final cells is resolved via the Key belonging to the component's
// first still-incomplete member (an arbitrary choice of "head", since a
// closed component's members all agree they cannot advance without
// outside help, and spec.md §9 leaves which member's Key governs as an
// open question). Member order within a component follows map iteration
// in the snapshot graph, so which member comes first can differ between
// runs.
func (p *HandlerPool[V]) quiescentResolveCyclesOnce() int {
	g, byNode := p.snapshotDepGraph()
	resolved := 0
	var errs *multierror.Error
	for _, comp := range scc.ClosedSCCs(g) {
		live := make([]*Cell[V], 0, len(comp))
		for _, n := range comp {
			if c := byNode[n]; c != nil && !c.IsComplete() {
				live = append(live, c)
			}
		}
		if len(live) == 0 {
			continue
		}
		head := live[0]
		for target, v := range head.key.Resolve(live) {
			if err := target.resolveWithValue(v); err != nil {
				errs = multierror.Append(errs, err)
			} else {
				resolved++
				p.resolvedCycles.Add(1)
			}
		}
	}
	if errs != nil {
		p.logger.Warn("cycle resolution produced rejected values", "err", errs.ErrorOrNil())
	}
	return resolved
}

// QuiescentResolveCycles runs closed-SCC resolution once against the
// pool's current not-done set and returns how many cells it finalized.
func (p *HandlerPool[V]) QuiescentResolveCycles() int {
	return p.quiescentResolveCyclesOnce()
}

// quiescentResolveDefaultsOnce runs spec.md §4.3's fallback resolution:
// every remaining non-final cell is grouped by its Key (interface
// equality: same dynamic type and equal value — cells sharing a Key are
// assumed to want a joint fallback
// decision, mirroring how Resolve is given a whole component at once),
// and each group's Fallback is invoked with every member of the group.
func (p *HandlerPool[V]) quiescentResolveDefaultsOnce() int {
	groups := make(map[Key[V]][]*Cell[V])
	for _, c := range p.notDone.list() {
		if c.IsComplete() {
			continue
		}
		groups[c.Key()] = append(groups[c.Key()], c)
	}
	resolved := 0
	var errs *multierror.Error
	for key, cells := range groups {
		for target, v := range key.Fallback(cells) {
			if err := target.resolveWithValue(v); err != nil {
				errs = multierror.Append(errs, err)
			} else {
				resolved++
				p.resolvedFallback.Add(1)
			}
		}
	}
	if errs != nil {
		p.logger.Warn("fallback resolution produced rejected values", "err", errs.ErrorOrNil())
	}
	return resolved
}

// QuiescentResolveDefaults runs fallback resolution once and returns
// how many cells it finalized.
func (p *HandlerPool[V]) QuiescentResolveDefaults() int {
	return p.quiescentResolveDefaultsOnce()
}

// QuiescentResolveCell resolves a single cell: it first gives
// closed-SCC resolution a chance (in case c is part of one), then falls
// back to c.Key().Fallback on c alone if c is still incomplete
// afterward. Returns whether c ended up final.
func (p *HandlerPool[V]) QuiescentResolveCell(c *Cell[V]) bool {
	if c.IsComplete() {
		return true
	}
	p.quiescentResolveCyclesOnce()
	if c.IsComplete() {
		return true
	}
	for target, v := range c.Key().Fallback([]*Cell[V]{c}) {
		_ = target.resolveWithValue(v)
	}
	return c.IsComplete()
}

// withPerPassDeadline derives a bounded context for one resolution
// pass: if ctx already carries a deadline, it is used unchanged; if
// not, the pool's configured defaultResolveTimeout (WithDefaultResolveTimeout,
// spec.md §4.3's "configured time bound per pass") is applied instead.
// The cancel func must always be called by the caller.
func (p *HandlerPool[V]) withPerPassDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.opts.defaultResolveTimeout)
}

// QuiescentResolveAwaited runs fallback resolution, but scoped to only
// the not-done cells someone has actually called Cell.Await on (per
// the awaited cache), grouped by Key the same way quiescentResolveDefaultsOnce
// groups its full sweep. This is the fast path spec.md §4.3 describes:
// a caller that knows it is only waiting on a handful of cells can push
// just those toward a fallback value instead of sweeping every
// incomplete cell the pool has ever created.
func (p *HandlerPool[V]) QuiescentResolveAwaited() int {
	groups := make(map[Key[V]][]*Cell[V])
	for _, c := range p.notDone.list() {
		if c.IsComplete() || !p.awaited.isAwaited(c) {
			continue
		}
		groups[c.Key()] = append(groups[c.Key()], c)
	}
	if len(groups) == 0 {
		return 0
	}

	resolved := 0
	var errs *multierror.Error
	for key, cells := range groups {
		for target, v := range key.Fallback(cells) {
			if err := target.resolveWithValue(v); err != nil {
				errs = multierror.Append(errs, err)
			} else {
				resolved++
				p.resolvedFallback.Add(1)
			}
		}
	}
	if errs != nil {
		p.logger.Warn("awaited-cell resolution produced rejected values", "err", errs.ErrorOrNil())
	}
	return resolved
}

// awaitQuiescence blocks until the pool next reaches zero in-flight
// tasks, or ctx is done. It registers a one-shot OnQuiescent handler
// and cancels it on return, so it never leaks a registration past its
// own call.
func (p *HandlerPool[V]) awaitQuiescence(ctx context.Context) error {
	ch := make(chan struct{}, 1)
	cancel := p.OnQuiescent(func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	defer cancel()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WhileQuiescentResolveCell waits for quiescence and calls
// QuiescentResolveCell repeatedly — each time the pool goes quiet again
// — until c finalizes or ctx is done. Intended for a caller blocked on
// Cell.Await who wants the pool to actively push a stuck cell toward a
// fallback value rather than wait forever.
func (p *HandlerPool[V]) WhileQuiescentResolveCell(ctx context.Context, c *Cell[V]) bool {
	p.awaited.markAwaited(c)
	for !c.IsComplete() {
		passCtx, cancel := p.withPerPassDeadline(ctx)
		err := p.awaitQuiescence(passCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return c.IsComplete()
			}
			// Only the per-pass deadline (defaultResolveTimeout) elapsed,
			// not the caller's own ctx — try another pass.
			p.logger.Warn("resolve-cell pass timed out waiting for quiescence, retrying", "cell", c.ID())
			continue
		}
		p.QuiescentResolveAwaited()
		p.QuiescentResolveCell(c)
	}
	return true
}

// WhileQuiescentResolveDefault waits for quiescence and runs cycle then
// fallback resolution repeatedly until the pool has no incomplete cells
// left or ctx is done. Returns the total number of cells it finalized.
func (p *HandlerPool[V]) WhileQuiescentResolveDefault(ctx context.Context) int {
	total := 0
	for {
		if len(p.notDone.list()) == 0 {
			return total
		}
		passCtx, cancel := p.withPerPassDeadline(ctx)
		err := p.awaitQuiescence(passCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return total
			}
			p.logger.Warn("resolve-default pass timed out waiting for quiescence, retrying")
			continue
		}
		total += p.quiescentResolveCyclesOnce()
		total += p.quiescentResolveDefaultsOnce()
	}
}

// String renders a one-line summary of the pool's current activity,
// the HandlerPool-level analogue of Cell.String().
func (p *HandlerPool[V]) String() string {
	st := p.state.Load()
	return fmt.Sprintf("HandlerPool(%s){submitted=%d notDone=%d completed=%d}",
		p.id, st.submitted, p.notDone.len(), p.completed.Load())
}

// Shutdown stops the pool from accepting new tasks. In-flight tasks
// already submitted are allowed to finish; ctx bounds how long Shutdown
// waits for the pool to drain to zero in-flight tasks before returning
// ctx.Err() instead of nil.
func (p *HandlerPool[V]) Shutdown(ctx context.Context) error {
	p.shutdown.Store(true)
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for p.state.Load().submitted != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
