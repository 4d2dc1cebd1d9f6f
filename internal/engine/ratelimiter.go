package engine

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arvensis/weft/pkg/schema"
)

// RateLimiter wraps golang.org/x/time/rate with a FIFO queue of cancellable
// waiters. x/time/rate's own Wait() blocks the calling goroutine directly on
// ctx, which is fine for a single caller, but gives callers no way to see
// queue depth or to have a waiter removed out-of-order when a step is
// cancelled mid-wait without also cancelling the limiter's own reservation
// bookkeeping — so acquisition is serialized through an explicit waiter
// list instead of multiple goroutines calling Wait() concurrently.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	waiters *list.List // of *rlWaiter, FIFO
	stopped bool
}

type rlWaiter struct {
	ready    chan struct{}
	err      error
	enqueued time.Time
}

// NewRateLimiter builds a limiter allowing burst immediate acquisitions and
// refilling at ratePerSec tokens/second thereafter.
func NewRateLimiter(ratePerSec float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		waiters: list.New(),
	}
}

// TryAcquire attempts an immediate, non-blocking acquisition.
func (r *RateLimiter) TryAcquire() bool {
	return r.limiter.Allow()
}

// Acquire blocks until a token is available, ctx is cancelled, or the
// limiter is stopped. Waiters are served strictly FIFO: a waiter enqueued
// later never jumps ahead of one enqueued earlier, even if the later one's
// context has a shorter deadline.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r.limiter.Allow() {
		return nil
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return schema.NewError(schema.ErrCodeRateLimited, "rate limiter stopped")
	}
	w := &rlWaiter{ready: make(chan struct{}), enqueued: time.Now()}
	elem := r.waiters.PushBack(w)
	r.mu.Unlock()

	go r.pump()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
		r.mu.Lock()
		// Only remove if still queued; it may have just been granted.
		select {
		case <-w.ready:
			r.mu.Unlock()
			return w.err
		default:
			r.waiters.Remove(elem)
			r.mu.Unlock()
			return schema.NewError(schema.ErrCodeAborted, "rate limit acquisition aborted").WithCause(ctx.Err())
		}
	}
}

// pump drains the waiter queue while tokens are reserved for it, honoring
// the limiter's own refill schedule via reservations rather than busy-polling.
func (r *RateLimiter) pump() {
	for {
		r.mu.Lock()
		if r.stopped || r.waiters.Len() == 0 {
			r.mu.Unlock()
			return
		}
		front := r.waiters.Front()
		r.mu.Unlock()

		resv := r.limiter.Reserve()
		if !resv.OK() {
			r.failWaiter(front, schema.NewError(schema.ErrCodeRateLimited, "rate limiter cannot satisfy request"))
			continue
		}
		delay := resv.Delay()
		if delay > 0 {
			time.Sleep(delay)
		}

		w := front.Value.(*rlWaiter)
		r.mu.Lock()
		r.waiters.Remove(front)
		r.mu.Unlock()

		select {
		case <-w.ready:
			// already cancelled/removed concurrently; nothing to signal.
		default:
			close(w.ready)
		}
	}
}

func (r *RateLimiter) failWaiter(elem *list.Element, err error) {
	r.mu.Lock()
	w, ok := elem.Value.(*rlWaiter)
	r.waiters.Remove(elem)
	r.mu.Unlock()
	if ok {
		w.err = err
		select {
		case <-w.ready:
		default:
			close(w.ready)
		}
	}
}

// Stop releases every queued waiter with an error and prevents further
// acquisitions from succeeding.
func (r *RateLimiter) Stop() {
	r.mu.Lock()
	r.stopped = true
	pending := make([]*rlWaiter, 0, r.waiters.Len())
	for e := r.waiters.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*rlWaiter))
	}
	r.waiters.Init()
	r.mu.Unlock()

	err := schema.NewError(schema.ErrCodeRateLimited, "rate limiter stopped")
	for _, w := range pending {
		w.err = err
		close(w.ready)
	}
}

// QueueDepth reports how many callers are currently waiting for a token.
func (r *RateLimiter) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiters.Len()
}
