// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package stream

import "context"

// Split is the inverse of Batch: it emits each element of an incoming
// slice as a separate downstream element, preserving order within a
// slice.
func Split[T any](ctx context.Context, in <-chan []T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case batch, ok := <-in:
				if !ok {
					return
				}
				for _, v := range batch {
					select {
					case out <- v:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
