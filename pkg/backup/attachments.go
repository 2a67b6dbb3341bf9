// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package backup

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/cloudant-labs/couchbackup/pkg/cberrors"
	"github.com/cloudant-labs/couchbackup/pkg/couchdb"
)

// attachmentStub is the shape CouchDB uses for an undownloaded attachment
// entry in a document's _attachments map.
type attachmentStub struct {
	ContentType string `json:"content_type"`
	Stub        bool   `json:"stub"`
	Length      int64  `json:"length"`
	RevPos      int    `json:"revpos"`
}

// inlineAttachment replaces a stub once its body has been fetched.
type inlineAttachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

// inlineAttachments walks doc's _attachments map and replaces every stub
// with its base64-encoded body, fetched one at a time via GetAttachment. A
// document without attachments is returned unchanged.
func inlineAttachments(ctx context.Context, client *couchdb.Client, dbName string, doc json.RawMessage) (json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(doc, &envelope); err != nil {
		return nil, cberrors.Wrap(cberrors.BulkGetError, err, "decoding document for attachment inlining")
	}
	raw, ok := envelope["_attachments"]
	if !ok {
		return doc, nil
	}
	var stubs map[string]attachmentStub
	if err := json.Unmarshal(raw, &stubs); err != nil {
		return nil, cberrors.Wrap(cberrors.BulkGetError, err, "decoding _attachments map")
	}
	if len(stubs) == 0 {
		return doc, nil
	}

	var docID string
	if idRaw, ok := envelope["_id"]; ok {
		_ = json.Unmarshal(idRaw, &docID)
	}

	inlined := make(map[string]inlineAttachment, len(stubs))
	for name, stub := range stubs {
		body, err := client.GetAttachment(ctx, dbName, docID, name)
		if err != nil {
			return nil, err
		}
		inlined[name] = inlineAttachment{
			ContentType: stub.ContentType,
			Data:        base64.StdEncoding.EncodeToString(body),
		}
	}

	attachmentsRaw, err := json.Marshal(inlined)
	if err != nil {
		return nil, cberrors.Wrap(cberrors.BulkGetError, err, "re-encoding _attachments map")
	}
	envelope["_attachments"] = attachmentsRaw
	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, cberrors.Wrap(cberrors.BulkGetError, err, "re-encoding document")
	}
	return out, nil
}
