// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package backup

// Mode selects between a full backup (changes feed + _bulk_get, resumable)
// and a shallow backup (_all_docs pagination, not resumable).
type Mode string

const (
	// ModeFull drives the changes-feed / _bulk_get pipeline (C5).
	ModeFull Mode = "full"
	// ModeShallow drives the _all_docs pagination pipeline (C7).
	ModeShallow Mode = "shallow"
)

// Options configures a backup run.
type Options struct {
	// BufferSize is the batch size: both the number of doc refs the
	// changes spooler accumulates per todo batch, and the page size
	// used by shallow mode.
	BufferSize int
	// Parallelism bounds concurrent _bulk_get (or attachment) requests.
	Parallelism int
	// LogPath, if set, is the resume log's path. Required when Resume
	// is true; optional (but recommended) otherwise.
	LogPath string
	// Resume continues an interrupted run using the log at LogPath.
	Resume bool
	// Mode selects full vs shallow backup. Defaults to ModeFull.
	Mode Mode
	// Attachments inlines attachment bodies as base64 into fetched
	// documents.
	Attachments bool
}

func (o *Options) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 500
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 5
	}
	if o.Mode == "" {
		o.Mode = ModeFull
	}
}
