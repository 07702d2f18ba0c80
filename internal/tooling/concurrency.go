package tooling

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency bounds how many tool calls within one turn may run
// at once when DispatchAll is given no positive limit.
const DefaultConcurrency = 4

// DispatchAll runs every invocation in invs concurrently, bounded by
// limit (DefaultConcurrency if <= 0), and returns results in the same
// order as invs — mirroring a model turn's "N tool calls in one chunk"
// shape (spec §4.2's tool_calls deltas; §5's per-tool-round suspension
// point).
func (d *Dispatcher) DispatchAll(ctx context.Context, invs []Invocation, limit int) []Result {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	results := make([]Result, len(invs))
	sem := semaphore.NewWeighted(int64(limit))
	var wg sync.WaitGroup

	for i, inv := range invs {
		wg.Add(1)
		go func(idx int, inv Invocation) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[idx] = errResult("tool dispatch canceled: %v", err)
				return
			}
			defer sem.Release(1)
			results[idx] = d.Dispatch(ctx, inv)
		}(i, inv)
	}
	wg.Wait()
	return results
}
