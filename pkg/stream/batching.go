// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package stream

import "context"

// Batch collects elements from in into slices of length at most n,
// flushing a partial final batch when in closes. n must be >= 1.
func Batch[T any](ctx context.Context, in <-chan T, n int) <-chan []T {
	if n < 1 {
		n = 1
	}
	out := make(chan []T)
	go func() {
		defer close(out)
		buf := make([]T, 0, n)
		for {
			select {
			case v, ok := <-in:
				if !ok {
					if len(buf) > 0 {
						select {
						case out <- buf:
						case <-ctx.Done():
						}
					}
					return
				}
				buf = append(buf, v)
				if len(buf) >= n {
					select {
					case out <- buf:
					case <-ctx.Done():
						return
					}
					buf = make([]T, 0, n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
