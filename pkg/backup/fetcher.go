// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package backup

import (
	"context"

	"github.com/cloudant-labs/couchbackup/pkg/couchdb"
	"github.com/cloudant-labs/couchbackup/pkg/stream"
)

// fetchBatches turns each todoBatch into a doneBatch by calling _bulk_get
// once per batch, with up to parallelism batches in flight at a time. When
// attachments is set, every fetched document also has its attachment stubs
// replaced with inline bodies, one attachment at a time, before the batch
// is considered done - a batch's attachments never overlap each other, but
// different batches' fetches and attachment walks do, bounded by
// parallelism the same as the _bulk_get calls themselves.
func fetchBatches(ctx context.Context, client *couchdb.Client, dbName string, parallelism int, attachments bool, in <-chan todoBatch) (<-chan doneBatch, <-chan error) {
	return stream.Map(ctx, in, parallelism, func(ctx context.Context, t todoBatch) (doneBatch, error) {
		docs, err := client.PostBulkGet(ctx, dbName, t.Docs)
		if err != nil {
			return doneBatch{}, err
		}
		if attachments {
			for i, doc := range docs {
				withAttachments, err := inlineAttachments(ctx, client, dbName, doc)
				if err != nil {
					return doneBatch{}, err
				}
				docs[i] = withAttachments
			}
		}
		return doneBatch{Batch: t.Batch, Docs: docs}, nil
	})
}
