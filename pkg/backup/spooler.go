// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package backup

import (
	"context"
	"encoding/json"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/cloudant-labs/couchbackup/pkg/cberrors"
	"github.com/cloudant-labs/couchbackup/pkg/couchdb"
	"github.com/cloudant-labs/couchbackup/pkg/events"
	"github.com/cloudant-labs/couchbackup/pkg/logfile"
)

// todoBatch is a batch of document references awaiting fetch.
type todoBatch struct {
	Batch int
	Docs  []couchdb.DocRef
}

// doneBatch is a batch whose document bodies have been fetched.
type doneBatch struct {
	Batch int
	Docs  []json.RawMessage
}

// spoolChanges streams the database's _changes feed, partitioning
// document references into todo batches of bufferSize, logging each
// batch's :t line before pushing it downstream, and finally appending
// :changes_complete. Batch numbers are allocated from startBatch,
// monotonically increasing.
func spoolChanges(ctx context.Context, client *couchdb.Client, dbName string, bufferSize, startBatch int, logWriter *logfile.Writer, out chan<- todoBatch, emit func(events.Event)) error {
	body, err := client.PostChanges(ctx, dbName, "0", bufferSize)
	if err != nil {
		return err
	}
	defer body.Close()

	dec := json.NewDecoder(body)

	tok, err := dec.Token()
	if err != nil {
		return cberrors.Wrap(cberrors.SpoolChangesError, err, "reading _changes response")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return cberrors.New(cberrors.SpoolChangesError, "_changes response is not a JSON object")
	}

	batchNum := startBatch
	var buffer []couchdb.DocRef
	sawResults := false
	sawLastSeq := false
	var lastSeq string

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		batch := buffer
		buffer = nil
		n := batchNum
		batchNum++
		if logWriter != nil {
			if err := logWriter.WriteTodo(n, batch); err != nil {
				return errors.Annotate(err, "writing :t log line")
			}
		}
		emit(events.Changes{Batch: n, Docs: len(batch)})
		select {
		case out <- todoBatch{Batch: n, Docs: batch}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return cberrors.Wrap(cberrors.SpoolChangesError, err, "reading _changes response")
		}
		key, _ := keyTok.(string)

		switch key {
		case "results":
			sawResults = true
			arrTok, err := dec.Token()
			if err != nil {
				return cberrors.Wrap(cberrors.SpoolChangesError, err, "reading _changes results array")
			}
			if d, ok := arrTok.(json.Delim); !ok || d != '[' {
				return cberrors.New(cberrors.SpoolChangesError, "_changes results is not an array")
			}
			for dec.More() {
				var row couchdb.ChangeRow
				if err := dec.Decode(&row); err != nil {
					return cberrors.Wrap(cberrors.SpoolChangesError, err, "decoding _changes row")
				}
				ref := couchdb.DocRef{ID: row.ID}
				if len(row.Changes) > 0 {
					ref.Rev = row.Changes[0].Rev
				}
				buffer = append(buffer, ref)
				if len(buffer) >= bufferSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return cberrors.Wrap(cberrors.SpoolChangesError, err, "reading _changes results array")
			}
		case "last_seq":
			sawLastSeq = true
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return cberrors.Wrap(cberrors.SpoolChangesError, err, "decoding last_seq")
			}
			lastSeq = string(raw)
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return cberrors.Wrap(cberrors.SpoolChangesError, err, "skipping _changes field")
			}
		}
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return cberrors.Wrap(cberrors.SpoolChangesError, err, "reading _changes response")
	}

	if !sawResults || !sawLastSeq {
		return cberrors.New(cberrors.SpoolChangesError, "_changes response missing results or last_seq")
	}

	if err := flush(); err != nil {
		return err
	}

	if logWriter != nil {
		if err := logWriter.WriteChangesComplete(lastSeq); err != nil {
			return errors.Annotate(err, "writing :changes_complete log line")
		}
	}
	log.Debug("changes feed fully spooled", zap.String("db", dbName), zap.Int("batches", batchNum-startBatch))
	return nil
}
