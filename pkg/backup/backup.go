// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

// Package backup drives a single database through the changes-feed /
// _bulk_get pipeline (or the _all_docs shallow pipeline), serializing
// fetched documents as newline-delimited JSON arrays and reporting
// progress on an event channel.
package backup

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/cloudant-labs/couchbackup/pkg/cberrors"
	"github.com/cloudant-labs/couchbackup/pkg/couchdb"
	"github.com/cloudant-labs/couchbackup/pkg/events"
	"github.com/cloudant-labs/couchbackup/pkg/logfile"
	"github.com/cloudant-labs/couchbackup/pkg/stream"
)

// Run backs up dbName to output, returning a channel of progress events
// terminated by exactly one Done or Failed event. The caller must drain
// the channel to completion; Run itself returns as soon as the pipeline
// has been started; a non-nil error return means the pipeline never
// started at all (a pre-flight check failed).
func Run(ctx context.Context, client *couchdb.Client, dbName string, output io.Writer, opts Options) (<-chan events.Event, error) {
	opts.setDefaults()

	if opts.Resume && opts.LogPath == "" {
		return nil, cberrors.New(cberrors.NoLogFileName, "resume requires a log file path")
	}

	if err := client.HeadDatabase(ctx, dbName); err != nil {
		return nil, err
	}
	if opts.Mode == ModeFull {
		if _, err := client.PostBulkGet(ctx, dbName, nil); err != nil {
			return nil, err
		}
	}

	var pending []logfile.PendingBatch
	changesComplete := false
	nextBatch := 0
	if opts.Resume {
		res, err := logfile.Scan(opts.LogPath, true)
		if err != nil {
			return nil, err
		}
		pending = res.Pending
		changesComplete = res.ChangesComplete
		nextBatch = res.NextBatchNum
	}

	var logWriter *logfile.Writer
	if opts.LogPath != "" {
		var err error
		if opts.Resume {
			logWriter, err = logfile.OpenForAppend(opts.LogPath)
		} else {
			logWriter, err = logfile.Create(opts.LogPath)
		}
		if err != nil {
			return nil, err
		}
	}

	out := make(chan events.Event, 64)
	go func() {
		defer close(out)
		if logWriter != nil {
			defer logWriter.Close()
		}
		total, err := run(ctx, client, dbName, output, opts, logWriter, pending, changesComplete, nextBatch, func(e events.Event) {
			select {
			case out <- e:
			case <-ctx.Done():
			}
		})
		if err != nil {
			log.Error("backup failed", zap.String("db", dbName), zap.Error(err))
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

func run(ctx context.Context, client *couchdb.Client, dbName string, output io.Writer, opts Options, logWriter *logfile.Writer, pending []logfile.PendingBatch, changesComplete bool, nextBatch int, emit func(events.Event)) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var firstErr error
	var once sync.Once
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	todoCh := make(chan todoBatch)
	var doneCh <-chan doneBatch
	var fetchErrCh <-chan error

	if opts.Mode == ModeShallow {
		ch := make(chan doneBatch)
		doneCh = ch
		errCh := make(chan error, 1)
		fetchErrCh = errCh
		go func() {
			defer close(ch)
			defer close(errCh)
			if err := shallowFetch(ctx, client, dbName, opts.BufferSize, ch, emit); err != nil && err != context.Canceled {
				errCh <- err
			}
		}()
	} else {
		go func() {
			defer close(todoCh)
			for _, p := range pending {
				select {
				case todoCh <- todoBatch{Batch: p.Batch, Docs: p.Docs}:
				case <-ctx.Done():
					return
				}
			}
			if changesComplete {
				return
			}
			if err := spoolChanges(ctx, client, dbName, opts.BufferSize, nextBatch, logWriter, todoCh, emit); err != nil && err != context.Canceled {
				fail(err)
			}
		}()
		doneCh, fetchErrCh = fetchBatches(ctx, client, dbName, opts.Parallelism, opts.Attachments, todoCh)
	}

	// The serializer writes each batch's JSON array line to output via a
	// DelegateWritable sink; the :d log line and progress event are a
	// post-write side effect driven over doneCh by SideEffect, so the
	// writer goroutine is just another staged pipeline component instead
	// of a hand-rolled loop.
	writer := &stream.DelegateWritable{Sink: output}

	var total int
	var writeErr error
	written, writeErrCh := stream.SideEffect(ctx, doneCh, func(_ context.Context, batch doneBatch) error {
		raw, err := json.Marshal(batch.Docs)
		if err != nil {
			return err
		}
		raw = append(raw, '\n')
		if _, err := writer.Write(raw); err != nil {
			return errors.Annotate(err, "writing backup output")
		}
		if logWriter != nil {
			if err := logWriter.WriteDone(batch.Batch); err != nil {
				return errors.Annotate(err, "writing :d log line")
			}
		}
		total += len(batch.Docs)
		emit(events.Written{Batch: batch.Batch, Documents: len(batch.Docs), Total: total})
		return nil
	})
	for range written {
	}

	if err := <-writeErrCh; err != nil {
		writeErr = err
		fail(writeErr)
	}

	if err := <-fetchErrCh; err != nil && err != context.Canceled {
		fail(err)
	}

	if firstErr != nil {
		return total, firstErr
	}
	if writeErr != nil {
		return total, writeErr
	}
	return total, nil
}
