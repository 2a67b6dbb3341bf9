// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

// Package events defines the tagged-variant messages that replace the
// source implementation's event emitter: Backup and Restore each return a
// read-only channel of Event, with exactly one terminal Done or Failed
// event delivered before the channel is closed.
package events

import "fmt"

// Event is a single message on the channel returned by backup.Run or
// restore.Run.
type Event interface {
	isEvent()
}

// Changes reports that the changes feed produced another spooled batch
// (backup only).
type Changes struct {
	Batch int
	Docs  int
}

func (Changes) isEvent() {}

// Written reports that a batch's documents are durable: the output line
// was written and the :d log entry committed (backup), or a _bulk_docs
// batch was written (restore, under the name Restored below).
type Written struct {
	Batch     int
	Documents int
	Total     int
}

func (Written) isEvent() {}

// Restored reports that a restore batch was written successfully.
type Restored struct {
	Documents int
	Total     int
}

func (Restored) isEvent() {}

// Done is the successful terminal event.
type Done struct {
	Total int
}

func (Done) isEvent() {}

// Failed is the terminal failure event. Exactly one of Done or Failed is
// ever sent.
type Failed struct {
	Err error
}

func (Failed) isEvent() {}

func (f Failed) String() string {
	return fmt.Sprintf("failed: %v", f.Err)
}
