// Package workerpool runs a function over a slice of items on a fixed number
// of goroutines and collects every result.
package workerpool

import (
	"context"
	"sync"
)

// Result pairs an item's input index with what the worker produced for it.
type Result[R any] struct {
	Index int
	Value R
}

// Options tune a Run call.
type Options[T, R any] struct {
	Workers int
	// OnCanceled produces the result for items that were never started because
	// ctx was done. Without it those items yield the zero R.
	OnCanceled func(item T, err error) R
	// OnResult is invoked from the single collector goroutine in completion order.
	OnResult func(r Result[R])
}

// Run fans items out to opts.Workers goroutines and returns one result per item,
// ordered by input index. Workers never touch the result slice; a single
// collector goroutine owns it until every worker has finished.
func Run[T, R any](ctx context.Context, items []T, opts Options[T, R], fn func(ctx context.Context, item T) R) []R {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) && len(items) > 0 {
		workers = len(items)
	}

	type job struct {
		index int
		item  T
	}

	jobs := make(chan job, workers*2)
	results := make(chan Result[R], workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				var value R
				if err := ctx.Err(); err != nil {
					if opts.OnCanceled != nil {
						value = opts.OnCanceled(j.item, err)
					}
				} else {
					value = fn(ctx, j.item)
				}
				results <- Result[R]{Index: j.index, Value: value}
			}
		}()
	}

	out := make([]R, len(items))
	done := make(chan struct{})
	go func() {
		for r := range results {
			out[r.Index] = r.Value
			if opts.OnResult != nil {
				opts.OnResult(r)
			}
		}
		close(done)
	}()

	// Every item is enqueued even after cancellation so each one gets a result.
	for i, item := range items {
		jobs <- job{index: i, item: item}
	}
	close(jobs)
	wg.Wait()

	close(results)
	<-done

	return out
}
