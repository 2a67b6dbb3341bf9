// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

// Package restore consumes a backup stream and writes it into a target
// database with bounded parallel _bulk_docs batches.
package restore

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/cloudant-labs/couchbackup/pkg/cberrors"
	"github.com/cloudant-labs/couchbackup/pkg/couchdb"
	"github.com/cloudant-labs/couchbackup/pkg/events"
	"github.com/cloudant-labs/couchbackup/pkg/stream"
)

// numberedBatch is a restore batch tagged with its position in the input,
// used only to name the batch in a fatal per-document failure message.
type numberedBatch struct {
	Num  int
	Docs []json.RawMessage
}

// Run restores dbName from input, returning a channel of progress events
// terminated by exactly one Done or Failed event.
func Run(ctx context.Context, client *couchdb.Client, dbName string, input io.Reader, opts Options) (<-chan events.Event, error) {
	opts.setDefaults()

	info, err := client.GetDatabase(ctx, dbName)
	if err != nil {
		return nil, err
	}
	if (info.DocCount > 0 || info.DocDelCount > 0) && !strings.HasPrefix(dbName, "_") {
		return nil, cberrors.New(cberrors.DatabaseNotEmpty, dbName)
	}

	out := make(chan events.Event, 64)
	go func() {
		defer close(out)
		emit := func(e events.Event) {
			select {
			case out <- e:
			case <-ctx.Done():
			}
		}
		total, err := run(ctx, client, dbName, input, opts, emit)
		if err != nil {
			log.Error("restore failed", zap.String("db", dbName), zap.Error(err))
			select {
			case out <- events.Failed{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- events.Done{Total: total}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func run(ctx context.Context, client *couchdb.Client, dbName string, input io.Reader, opts Options, emit func(events.Event)) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := stream.SplitLines(ctx, input, false)
	nonBlank := stream.Filter(ctx, lines, func(r stream.LineResult) bool {
		return r.Err != nil || strings.TrimSpace(r.Line.Text) != ""
	})

	lineArrays, parseErrCh := stream.Map(ctx, nonBlank, 1, parseLine)
	docs := stream.Split(ctx, lineArrays)
	batches := stream.Batch(ctx, docs, opts.BufferSize)

	numbered := numberBatches(ctx, batches)
	written, writeErrCh := stream.Map(ctx, numbered, opts.Parallelism, func(ctx context.Context, b numberedBatch) (int, error) {
		return writeBatch(ctx, client, dbName, b)
	})

	var total int
	for n := range written {
		total += n
		emit(events.Restored{Documents: n, Total: total})
	}

	// A failed write stops the write stage from draining its input, so the
	// upstream stages can only finish once ctx is cancelled (deferred
	// above); check the write error first instead of waiting on them.
	if err := <-writeErrCh; err != nil {
		return total, err
	}
	if err := <-parseErrCh; err != nil {
		return total, err
	}
	return total, nil
}

// parseLine decodes one non-blank input line as a JSON array of document
// bodies, naming the offending line number on failure. Both malformed JSON
// and a well-formed non-array value fail the same Unmarshal call.
func parseLine(_ context.Context, r stream.LineResult) ([]json.RawMessage, error) {
	if r.Err != nil {
		return nil, cberrors.Wrap(cberrors.BackupFileJsonError, r.Err, "reading backup input")
	}
	var docs []json.RawMessage
	if err := json.Unmarshal([]byte(r.Line.Text), &docs); err != nil {
		return nil, cberrors.Newf(cberrors.BackupFileJsonError, "line %d: invalid JSON array", r.Line.Number)
	}
	return docs, nil
}

// numberBatches tags each batch with its position, assigned in the order
// received; every upstream stage runs with concurrency 1 or is inherently
// order-preserving, so that order matches the input.
func numberBatches(ctx context.Context, in <-chan []json.RawMessage) <-chan numberedBatch {
	out := make(chan numberedBatch)
	go func() {
		defer close(out)
		n := 0
		for docs := range in {
			select {
			case out <- numberedBatch{Num: n, Docs: docs}:
			case <-ctx.Done():
				return
			}
			n++
		}
	}()
	return out
}

// writeBatch issues one _bulk_docs write for b. new_edits is false as soon
// as any document in the batch carries _rev; CouchDB then reports
// per-document conflicts as entries in the response array, which is
// otherwise empty on full success, so any entry at all is treated as a
// fatal batch failure.
func writeBatch(ctx context.Context, client *couchdb.Client, dbName string, b numberedBatch) (int, error) {
	newEdits := true
	for _, doc := range b.Docs {
		var probe struct {
			Rev string `json:"_rev"`
		}
		if err := json.Unmarshal(doc, &probe); err == nil && probe.Rev != "" {
			newEdits = false
			break
		}
	}

	results, err := client.PostBulkDocs(ctx, dbName, b.Docs, newEdits)
	if err != nil {
		return 0, err
	}
	if !newEdits && len(results) > 0 {
		return 0, cberrors.Newf(cberrors.HTTPFatalError, "error writing batch %d with new_edits:false and %d items", b.Num, len(results))
	}
	return len(b.Docs), nil
}
