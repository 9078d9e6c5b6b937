package cells

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// cellRegistry tracks the cells a pool has created but not yet
// finalized — spec.md §4.3's cellsNotDone. sync.Map gives us the
// "CAS-updated, no locks held across callback bodies" discipline spec.md
// §5 asks for without hand-rolling a lock-free map: its fast path for
// disjoint-key add/delete/range is already atomic-operation-based.
type cellRegistry[V comparable] struct {
	m sync.Map
}

func (r *cellRegistry[V]) add(c *Cell[V]) {
	r.m.Store(c, struct{}{})
}

func (r *cellRegistry[V]) remove(c *Cell[V]) {
	r.m.Delete(c)
}

func (r *cellRegistry[V]) list() []*Cell[V] {
	out := make([]*Cell[V], 0)
	r.m.Range(func(k, _ interface{}) bool {
		out = append(out, k.(*Cell[V]))
		return true
	})
	return out
}

func (r *cellRegistry[V]) len() int {
	n := 0
	r.m.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// awaitedCache is spec.md §4.3's optional cellsAwaited: cells an
// external caller has blocked on via Cell.Await. It is capacity-bounded
// with an LRU eviction policy so a long-lived pool with many transient
// waiters doesn't retain every cell ever awaited; the pool only ever
// uses it for diagnostics and the fast-path hint described in spec.md
// §4.3, never for correctness.
type awaitedCache[V comparable] struct {
	cache *lru.Cache
}

func newAwaitedCache[V comparable](size int) *awaitedCache[V] {
	if size <= 0 {
		size = 1
	}
	c, _ := lru.New(size)
	return &awaitedCache[V]{cache: c}
}

func (a *awaitedCache[V]) markAwaited(c *Cell[V]) {
	a.cache.Add(c, struct{}{})
}

func (a *awaitedCache[V]) isAwaited(c *Cell[V]) bool {
	return a.cache.Contains(c)
}
