// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package backup

import (
	"context"
	"encoding/json"

	"github.com/cloudant-labs/couchbackup/pkg/couchdb"
	"github.com/cloudant-labs/couchbackup/pkg/events"
)

// shallowFetch pages through _all_docs?include_docs=true instead of the
// changes feed / _bulk_get pipeline. It never logs :t lines and never
// supports resume - a page that fails mid-run loses no more than the
// documents already emitted, but a restart begins from page one.
func shallowFetch(ctx context.Context, client *couchdb.Client, dbName string, pageSize int, out chan<- doneBatch, emit func(events.Event)) error {
	batch := 0
	startKey := ""
	for {
		page, err := client.PostAllDocs(ctx, dbName, pageSize, startKey)
		if err != nil {
			return err
		}
		docs := make([]json.RawMessage, 0, len(page.Rows))
		for _, row := range page.Rows {
			if row.Doc != nil {
				docs = append(docs, row.Doc)
			}
		}
		if len(docs) > 0 {
			emit(events.Changes{Batch: batch, Docs: len(docs)})
			select {
			case out <- doneBatch{Batch: batch, Docs: docs}:
			case <-ctx.Done():
				return ctx.Err()
			}
			batch++
		}
		if len(page.Rows) < pageSize {
			return nil
		}
		// Appending NUL makes the next page's start_key sort strictly
		// after the previous page's last id without skipping any id
		// that shares a prefix with it.
		startKey = page.Rows[len(page.Rows)-1].ID + " "
	}
}
