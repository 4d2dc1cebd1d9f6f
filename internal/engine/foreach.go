package engine

import (
	"context"
	"sync"

	"github.com/arvensis/weft/pkg/schema"
)

// ForeachTask runs one iteration of a foreach fan-out. item and index are
// bound into the iteration's own isolated scope by the caller before this
// is invoked; the task itself just produces the iteration's output.
type ForeachTask func(ctx context.Context, item any, index int) (any, error)

// ForeachResult aggregates a fan-out's iteration outputs and errors,
// always ordered by iteration_index regardless of completion order.
type ForeachResult struct {
	Output  []any          // per-iteration output, index i holds iteration i's output (nil if it errored)
	Outputs map[string]any // element-wise merge when every iteration output is a plain object; nil otherwise
	Errors  []error        // parallel to Output; nil entries mark a successful iteration
}

// FailedCount reports how many iterations errored.
func (r *ForeachResult) FailedCount() int {
	n := 0
	for _, err := range r.Errors {
		if err != nil {
			n++
		}
	}
	return n
}

// AggregateError builds the error to surface for the fan-out as a whole,
// or nil if every iteration succeeded. A single failure surfaces as-is; two
// or more are wrapped as one ErrCodeAggregate error carrying every
// iteration's error, per the "no fail-fast — every iteration must complete
// or be cancelled" rule: callers see one error only after all iterations
// have finished, never the first one to fail.
func (r *ForeachResult) AggregateError() error {
	failed := r.FailedCount()
	if failed == 0 {
		return nil
	}
	if failed == 1 {
		for _, err := range r.Errors {
			if err != nil {
				return err
			}
		}
	}

	details := make(map[string]any, failed)
	for i, err := range r.Errors {
		if err != nil {
			details[itoa(i)] = err.Error()
		}
	}
	return schema.NewErrorf(schema.ErrCodeAggregate, "%d of %d foreach iterations failed", failed, len(r.Errors)).
		WithDetails(details)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// RunForeach fans items out across task, indexed 0..len(items)-1, bounded
// by concurrency slots acquired from pm under poolName. Every iteration
// runs to completion (or is cancelled via ctx) regardless of earlier
// failures — there is no fail-fast short-circuit, since aggregation needs
// every iteration's final state.
//
// Ordered aggregation is guaranteed by writing each goroutine's result into
// its own pre-sized slice slot (one WaitGroup, N goroutines, indexed
// writes), the same shape the donor's branch-parallel executor uses,
// generalized here from a fixed branch list to a runtime-sized iterable.
func RunForeach(ctx context.Context, items []any, concurrency int, pm *PoolManager, poolName string, task ForeachTask) *ForeachResult {
	n := len(items)
	result := &ForeachResult{
		Output: make([]any, n),
		Errors: make([]error, n),
	}
	if n == 0 {
		return result
	}

	var sem chan struct{}
	if pm == nil && concurrency > 0 {
		sem = make(chan struct{}, concurrency)
	}

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(idx int, it any) {
			defer wg.Done()

			var release Release
			switch {
			case pm != nil:
				r, err := pm.Acquire(ctx, poolName, AcquireOptions{})
				if err != nil {
					result.Errors[idx] = err
					return
				}
				release = r
			case sem != nil:
				select {
				case sem <- struct{}{}:
					release = func() { <-sem }
				case <-ctx.Done():
					result.Errors[idx] = ctx.Err()
					return
				}
			}
			if release != nil {
				defer release()
			}

			if ctx.Err() != nil {
				result.Errors[idx] = ctx.Err()
				return
			}

			out, err := task(ctx, it, idx)
			result.Output[idx] = out
			result.Errors[idx] = err
		}(i, item)
	}
	wg.Wait()

	result.Outputs = mergeObjectOutputs(result.Output)
	return result
}

// mergeObjectOutputs element-wise merges outputs into one object when every
// iteration's output is itself a plain object, later iterations' keys
// overwriting earlier ones; otherwise returns nil.
func mergeObjectOutputs(outputs []any) map[string]any {
	if len(outputs) == 0 {
		return nil
	}
	merged := make(map[string]any)
	for _, out := range outputs {
		obj, ok := out.(map[string]any)
		if !ok {
			return nil
		}
		for k, v := range obj {
			merged[k] = v
		}
	}
	return merged
}
