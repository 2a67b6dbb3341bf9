// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package stream

import (
	"io"
	"sync"
)

// DelegateWritable wraps an arbitrary io.Writer sink, optionally
// transforming each chunk before delegating to it, and optionally writing
// a final "end marker" chunk when Close is called. OnWritten, if set, is
// invoked after each successful delegated write for per-chunk bookkeeping
// (e.g. accumulating totals).
type DelegateWritable struct {
	Sink      io.Writer
	Transform func([]byte) ([]byte, error)
	EndMarker []byte
	OnWritten func(n int)

	mu sync.Mutex
}

// Write transforms p (if Transform is set) and writes the result to Sink.
func (d *DelegateWritable) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := p
	if d.Transform != nil {
		var err error
		out, err = d.Transform(p)
		if err != nil {
			return 0, err
		}
	}
	n, err := d.Sink.Write(out)
	if err != nil {
		return n, err
	}
	if d.OnWritten != nil {
		d.OnWritten(len(p))
	}
	return len(p), nil
}

// Close writes the end marker, if any, and closes Sink if it implements
// io.Closer.
func (d *DelegateWritable) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.EndMarker) > 0 {
		if _, err := d.Sink.Write(d.EndMarker); err != nil {
			return err
		}
	}
	if c, ok := d.Sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// WritableWithPassThrough tees every Write to an internal sink and also
// makes the same bytes available to a downstream reader via Reader.
type WritableWithPassThrough struct {
	Sink io.Writer

	pr *io.PipeReader
	pw *io.PipeWriter
}

// NewWritableWithPassThrough builds a WritableWithPassThrough writing to
// sink and passing the same bytes through to Reader().
func NewWritableWithPassThrough(sink io.Writer) *WritableWithPassThrough {
	pr, pw := io.Pipe()
	return &WritableWithPassThrough{Sink: sink, pr: pr, pw: pw}
}

// Reader returns the downstream passthrough reader. It must be drained
// concurrently with Write calls or Write will block.
func (w *WritableWithPassThrough) Reader() io.Reader {
	return w.pr
}

func (w *WritableWithPassThrough) Write(p []byte) (int, error) {
	if _, err := w.Sink.Write(p); err != nil {
		return 0, err
	}
	return w.pw.Write(p)
}

// Close closes the passthrough pipe, signalling EOF to Reader().
func (w *WritableWithPassThrough) Close() error {
	return w.pw.Close()
}
