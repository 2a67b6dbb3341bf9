// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package logfile

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cloudant-labs/couchbackup/pkg/cberrors"
	"github.com/cloudant-labs/couchbackup/pkg/couchdb"
)

const maxLogLine = 16 * 1024 * 1024

// PendingBatch is a todo batch found in the log without a matching :d
// line - work a resumed backup must redo from scratch.
type PendingBatch struct {
	Batch int
	Docs  []couchdb.DocRef
}

// ResumeResult is the outcome of scanning a log file for resume.
type ResumeResult struct {
	// Pending lists unfinished todo batches, sorted by batch number,
	// each carrying the doc refs it needs to re-fetch.
	Pending []PendingBatch
	// ChangesComplete reports whether the log already recorded the
	// changes feed as fully spooled.
	ChangesComplete bool
	// NextBatchNum is one past the highest batch number seen in the
	// log, so any further spooling continues numbering without
	// collision.
	NextBatchNum int
}

// Scan reads the log file at path once to compute pending work (Mapper B),
// then re-reads it to dereference doc refs only for the batches that are
// actually pending (Mapper A) - never buffering refs for completed
// batches in memory. If resume is true, a missing file is
// LogDoesNotExist, and an incomplete changes feed at EOF is
// IncompleteChangesInLogFile.
func Scan(path string, resume bool) (*ResumeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if resume && os.IsNotExist(err) {
			return nil, cberrors.New(cberrors.LogDoesNotExist, path)
		}
		return nil, err
	}
	defer f.Close()

	pendingSet := map[int]bool{}
	changesComplete := false
	maxBatch := -1

	if err := scanLines(f, func(line string) {
		e := parseMeta(line)
		switch e.Command {
		case CommandTodo:
			pendingSet[e.Batch] = true
			if e.Batch > maxBatch {
				maxBatch = e.Batch
			}
		case CommandDone:
			delete(pendingSet, e.Batch)
		case CommandChangesComplete:
			changesComplete = true
		}
	}); err != nil {
		return nil, err
	}

	if resume && !changesComplete {
		return nil, cberrors.New(cberrors.IncompleteChangesInLogFile, path)
	}

	pendingNums := make([]int, 0, len(pendingSet))
	for n := range pendingSet {
		pendingNums = append(pendingNums, n)
	}
	sort.Ints(pendingNums)

	pendingDocs := make(map[int][]couchdb.DocRef, len(pendingNums))
	if len(pendingNums) > 0 {
		want := make(map[int]bool, len(pendingNums))
		for _, n := range pendingNums {
			want[n] = true
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		if err := scanLines(f, func(line string) {
			if !strings.HasPrefix(line, ":t batch") {
				return
			}
			meta := parseMeta(line)
			if meta.Command != CommandTodo || !want[meta.Batch] {
				return
			}
			full := parseFull(line)
			if full.Command == CommandTodo {
				pendingDocs[full.Batch] = full.Docs
			}
		}); err != nil {
			return nil, err
		}
	}

	pending := make([]PendingBatch, 0, len(pendingNums))
	for _, n := range pendingNums {
		pending = append(pending, PendingBatch{Batch: n, Docs: pendingDocs[n]})
	}

	return &ResumeResult{
		Pending:         pending,
		ChangesComplete: changesComplete,
		NextBatchNum:    maxBatch + 1,
	}, nil
}

func scanLines(r io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	return scanner.Err()
}
