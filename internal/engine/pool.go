package engine

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/arvensis/weft/pkg/schema"
)

// PoolManagerMetrics is a snapshot of one named pool's operational state.
type PoolManagerMetrics struct {
	Active        int   `json:"active"`
	Queued        int   `json:"queued"`
	Capacity      int   `json:"capacity"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalWaitMs   int64 `json:"total_wait_ms"`
}

// Release returns an acquired slot to its pool.
type Release func()

// waiter is one pending acquire() call parked on a saturated pool.
type waiter struct {
	seq      int64
	priority int
	queuedAt time.Time
	ready    chan struct{} // closed when granted or rejected
	granted  bool
	err      error
	index    int // heap index, maintained by container/heap
}

// waiterHeap orders by (-priority, seq): higher priority first, FIFO within
// a priority tier.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// namedPool is one named semaphore with a priority waiter queue.
type namedPool struct {
	mu       sync.Mutex
	capacity int
	active   int
	waiters  waiterHeap
	nextSeq  int64

	totalAcquired int64
	totalWaitMs   int64
}

func newNamedPool(capacity int) *namedPool {
	return &namedPool{capacity: capacity}
}

// acquire blocks until a slot is free or ctx is cancelled. On success it
// returns a Release that must be called exactly once.
func (p *namedPool) acquire(ctx context.Context, priority int) (Release, error) {
	p.mu.Lock()
	if p.active < p.capacity {
		p.active++
		p.totalAcquired++
		p.mu.Unlock()
		return p.releaseFunc(), nil
	}

	w := &waiter{
		seq:      p.nextSeq,
		priority: priority,
		queuedAt: time.Now(),
		ready:    make(chan struct{}),
	}
	p.nextSeq++
	heap.Push(&p.waiters, w)
	p.mu.Unlock()

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return p.releaseFunc(), nil
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, schema.NewError(schema.ErrCodeAborted, "pool acquisition aborted").WithCause(ctx.Err())
	}
}

// removeWaiter drops a waiter from the heap in O(log n) if it's still
// present (it may have already been granted/rejected and removed).
func (p *namedPool) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.index < 0 || w.index >= len(p.waiters) || p.waiters[w.index] != w {
		return
	}
	heap.Remove(&p.waiters, w.index)
}

// releaseFunc returns a Release closure that hands the slot to the next
// waiter (if any) rather than decrementing active, so no spurious wake-up
// occurs between release and grant.
func (p *namedPool) releaseFunc() Release {
	released := false
	return func() {
		p.mu.Lock()
		if released {
			p.mu.Unlock()
			return
		}
		released = true

		if p.waiters.Len() == 0 {
			p.active--
			p.mu.Unlock()
			return
		}

		next := heap.Pop(&p.waiters).(*waiter)
		p.totalAcquired++
		p.totalWaitMs += time.Since(next.queuedAt).Milliseconds()
		next.granted = true
		p.mu.Unlock()
		close(next.ready)
	}
}

func (p *namedPool) rejectAll(err error) {
	p.mu.Lock()
	pending := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range pending {
		w.err = err
		close(w.ready)
	}
}

func (p *namedPool) metrics() PoolManagerMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolManagerMetrics{
		Active:        p.active,
		Queued:        p.waiters.Len(),
		Capacity:      p.capacity,
		TotalAcquired: p.totalAcquired,
		TotalWaitMs:   p.totalWaitMs,
	}
}

// PoolManager owns every named pool a workflow declares plus a "default"
// fallback pool, keyed by step type when a step names no pool explicitly.
type PoolManager struct {
	mu      sync.RWMutex
	pools   map[string]*namedPool
	closed  bool
	defCap  int
}

// AcquireOptions configures one acquire() call.
type AcquireOptions struct {
	Priority int // higher acquires first
}

// NewPoolManager builds a manager from a name->capacity map plus a default
// pool capacity used for any pool name not explicitly declared.
func NewPoolManager(capacities map[string]int, defaultCapacity int) *PoolManager {
	if defaultCapacity <= 0 {
		defaultCapacity = 1
	}
	pm := &PoolManager{
		pools:  make(map[string]*namedPool, len(capacities)+1),
		defCap: defaultCapacity,
	}
	for name, cap := range capacities {
		pm.pools[name] = newNamedPool(cap)
	}
	return pm
}

func (pm *PoolManager) poolFor(name string) *namedPool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if name == "" {
		name = "default"
	}
	p, ok := pm.pools[name]
	if !ok {
		p = newNamedPool(pm.defCap)
		pm.pools[name] = p
	}
	return p
}

// Acquire blocks until a slot in poolName is free, ctx is cancelled, or the
// manager is closed.
func (pm *PoolManager) Acquire(ctx context.Context, poolName string, opts AcquireOptions) (Release, error) {
	pm.mu.RLock()
	closed := pm.closed
	pm.mu.RUnlock()
	if closed {
		return nil, schema.NewError(schema.ErrCodePoolClosed, "pool manager is closed")
	}
	return pm.poolFor(poolName).acquire(ctx, opts.Priority)
}

// Metrics returns a snapshot for one named pool.
func (pm *PoolManager) Metrics(poolName string) PoolManagerMetrics {
	return pm.poolFor(poolName).metrics()
}

// AllMetrics returns a snapshot for every pool the manager has created.
func (pm *PoolManager) AllMetrics() map[string]PoolManagerMetrics {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make(map[string]PoolManagerMetrics, len(pm.pools))
	for name, p := range pm.pools {
		out[name] = p.metrics()
	}
	return out
}

// Close rejects every queued waiter across every pool and prevents future
// acquisitions. Already-held slots are unaffected; callers must still
// release them.
func (pm *PoolManager) Close() {
	pm.mu.Lock()
	pm.closed = true
	pools := make([]*namedPool, 0, len(pm.pools))
	for _, p := range pm.pools {
		pools = append(pools, p)
	}
	pm.mu.Unlock()

	err := schema.NewError(schema.ErrCodePoolClosed, "pool manager closed")
	for _, p := range pools {
		p.rejectAll(err)
	}
}

// DefaultPoolForStepType returns the conventional pool name used when a
// step declares no explicit pool — steps of the same type compete for the
// same default slot budget unless the workflow names pools explicitly.
func DefaultPoolForStepType(t schema.StepType) string {
	return "step:" + string(t)
}
