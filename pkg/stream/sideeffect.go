// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package stream

import "context"

// SideEffect invokes fn(chunk) for each chunk read from in, passing the
// chunk through to the output channel unchanged. A failure in fn aborts
// the stream: the error is delivered once on the returned error channel
// and no further input is consumed.
func SideEffect[T any](ctx context.Context, in <-chan T, fn func(context.Context, T) error) (<-chan T, <-chan error) {
	out := make(chan T)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for {
			select {
			case v, ok := <-in:
				if !ok {
					return
				}
				if err := fn(ctx, v); err != nil {
					errCh <- err
					return
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errCh
}
