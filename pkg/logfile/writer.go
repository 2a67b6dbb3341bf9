// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package logfile

import (
	"os"

	"github.com/cloudant-labs/couchbackup/pkg/couchdb"
)

// writeRequest is one line waiting to be appended by the Writer's single
// background goroutine.
type writeRequest struct {
	line string
	done chan error
}

// Writer serializes appends to a resume log: every request goes through a
// single queue so that a :t line for batch N is always durable before the
// matching :d line is ever written, byte-for-byte, even when multiple
// pipeline stages call Writer concurrently.
type Writer struct {
	f      *os.File
	reqs   chan writeRequest
	closed chan struct{}
}

// OpenForAppend opens (creating if necessary) the log file at path in
// append mode and starts its serializing writer goroutine. Used to resume
// a previous run, whose lines must be preserved.
func OpenForAppend(path string) (*Writer, error) {
	return open(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY)
}

// Create truncates (or creates) the log file at path and starts its
// serializing writer goroutine. Used to start a fresh, non-resumed run.
func Create(path string) (*Writer, error) {
	return open(path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY)
}

func open(path string, flag int) (*Writer, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		f:      f,
		reqs:   make(chan writeRequest),
		closed: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Writer) run() {
	defer close(w.closed)
	for req := range w.reqs {
		_, err := w.f.WriteString(req.line + "\n")
		req.done <- err
	}
}

func (w *Writer) writeLine(line string) error {
	done := make(chan error, 1)
	w.reqs <- writeRequest{line: line, done: done}
	return <-done
}

// WriteTodo appends a :t line for batch, durable before it returns.
func (w *Writer) WriteTodo(batch int, refs []couchdb.DocRef) error {
	line, err := FormatTodo(batch, refs)
	if err != nil {
		return err
	}
	return w.writeLine(line)
}

// WriteDone appends a :d line for batch, durable before it returns.
func (w *Writer) WriteDone(batch int) error {
	return w.writeLine(FormatDone(batch))
}

// WriteChangesComplete appends the terminal :changes_complete line.
func (w *Writer) WriteChangesComplete(lastSeq string) error {
	return w.writeLine(FormatChangesComplete(lastSeq))
}

// Close stops the writer goroutine, flushing any queued write, and closes
// the underlying file.
func (w *Writer) Close() error {
	close(w.reqs)
	<-w.closed
	return w.f.Close()
}
