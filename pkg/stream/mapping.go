// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package stream

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// MapFunc transforms one element of T into one element of U, or returns an
// error that aborts the whole Map pipeline.
type MapFunc[T, U any] func(context.Context, T) (U, error)

// Map applies fn to each element read from in, running up to concurrency
// invocations at once. When concurrency is 1, results preserve input
// order; for concurrency > 1 the caller must not rely on output order
// matching input order, since whichever invocation finishes first is
// written first. The first error returned by fn aborts the pipeline:
// consumption of in stops, in-flight invocations are allowed to finish (or
// abandon their write if the context is already cancelled), and the error
// is delivered exactly once on the returned error channel.
func Map[T, U any](ctx context.Context, in <-chan T, concurrency int, fn MapFunc[T, U]) (<-chan U, <-chan error) {
	if concurrency < 1 {
		concurrency = 1
	}
	out := make(chan U)
	errCh := make(chan error, 1)
	sem := make(chan struct{}, concurrency)

	go func() {
		defer close(out)
		defer close(errCh)

		g, gctx := errgroup.WithContext(ctx)

	loop:
		for {
			select {
			case v, ok := <-in:
				if !ok {
					break loop
				}
				select {
				case sem <- struct{}{}:
				case <-gctx.Done():
					break loop
				}
				v := v
				g.Go(func() error {
					defer func() { <-sem }()
					u, err := fn(gctx, v)
					if err != nil {
						return err
					}
					select {
					case out <- u:
					case <-gctx.Done():
					}
					return nil
				})
			case <-gctx.Done():
				break loop
			}
		}

		if err := g.Wait(); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}
