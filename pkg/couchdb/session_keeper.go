// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.
//
// Adapted from the teacher's PD GC-safepoint keeper
// (pkg/backup/safe_point.go: StartServiceSafePointKeeper): the same
// ticker/ctx-cancellation shape, repurposed to refresh an HTTP session
// instead of a GC safepoint lease.

package couchdb

import (
	"context"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const defaultSessionRefreshFactor = 5

// StartSessionKeeper runs refreshSession periodically so a long-running
// backup or restore does not lose authentication mid-stream: it
// re-authenticates before the previous session/token would have expired.
// ttl is the expected lifetime of the credential; the keeper refreshes at
// ttl/5 intervals. The goroutine it starts stops when ctx is cancelled.
func (c *Client) StartSessionKeeper(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	gap := ttl / defaultSessionRefreshFactor
	tick := time.NewTicker(gap)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := c.refreshSession(ctx); err != nil {
					log.Error("failed to refresh database session, requests may start failing with 401",
						zap.Error(err))
				}
			}
		}
	}()
}
