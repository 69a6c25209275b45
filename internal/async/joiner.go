// Package async holds the two concurrency primitives used during node
// bootstrap: a wait-for-all fan-out and a one-shot delayed task scheduler.
package async

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/arohanajit/hashmapd/internal/failure"
)

// Loader is one independent best-effort operation.
type Loader[T any] func(ctx context.Context) (T, error)

// Result is the outcome of a single loader.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// JoinAll runs every loader concurrently and returns once all of them have
// finished. A failing loader never cancels the others. The returned error
// combines every loader failure and is nil only if all loaders succeeded.
func JoinAll[T any](ctx context.Context, loaders ...Loader[T]) ([]Result[T], error) {
	results := make([]Result[T], len(loaders))

	// A plain Group never cancels siblings; Wait only reports the first error.
	var g errgroup.Group
	for i, load := range loaders {
		g.Go(func() error {
			results[i] = runLoader(ctx, i, load)
			if results[i].Err != nil {
				return fmt.Errorf("loader %d: %w", i, results[i].Err)
			}
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		return results, nil
	}

	var combined error
	for _, r := range results {
		if r.Err != nil {
			combined = multierr.Append(combined, fmt.Errorf("loader %d: %w", r.Index, r.Err))
		}
	}
	return results, combined
}

func runLoader[T any](ctx context.Context, index int, load Loader[T]) (res Result[T]) {
	res.Index = index
	defer func() {
		if r := recover(); r != nil {
			res.Err = &failure.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if load == nil {
		res.Err = fmt.Errorf("nil loader")
		return res
	}
	res.Value, res.Err = load(ctx)
	return res
}

// Succeeded returns the values of the loaders that did not fail.
func Succeeded[T any](results []Result[T]) []T {
	out := make([]T, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	return out
}
