// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package restore

// Options configures a restore run.
type Options struct {
	// BufferSize is the number of documents flattened out of the input
	// lines before a single _bulk_docs write is issued.
	BufferSize int
	// Parallelism bounds concurrent _bulk_docs requests.
	Parallelism int
	// Attachments is accepted for symmetry with backup.Options; restore
	// never special-cases attachments, since a document's _attachments
	// map round-trips through _bulk_docs unchanged regardless of whether
	// it holds stubs or inline bodies.
	Attachments bool
}

func (o *Options) setDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 500
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 5
	}
}
