// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

// Package logfile implements the append-only batch-lifecycle log that
// makes backup resumable: every todo batch ("t"), every completed batch
// ("d"), and the terminal changes-feed marker are recorded as one line
// each, in the grammar:
//
//	":t" SP "batch" <uint> SP <json-array-of-docrefs>
//	":d" SP "batch" <uint>
//	":changes_complete" [SP <anything>]
package logfile

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudant-labs/couchbackup/pkg/couchdb"
)

// Command names a log line's lifecycle event.
type Command string

const (
	// CommandTodo marks a batch of document references awaiting fetch.
	CommandTodo Command = "t"
	// CommandDone marks a batch as durably completed.
	CommandDone Command = "d"
	// CommandChangesComplete marks the changes feed as fully spooled.
	CommandChangesComplete Command = "changes_complete"
	// commandNone is the null marker returned for a corrupted line; the
	// line is effectively ignored by both mappers.
	commandNone Command = ""
)

// Entry is the result of parsing one log line.
type Entry struct {
	Command Command
	Batch   int
	Docs    []couchdb.DocRef
}

var (
	todoLineRe = regexp.MustCompile(`^:t batch(\d+) (.*)$`)
	doneLineRe = regexp.MustCompile(`^:d batch(\d+)$`)
)

// parseMeta is Mapper B: it returns a line's command and batch number only,
// never the docs array (which it decodes just to validate and then drops),
// so a resume scan can compute pending work without holding document
// references for every todo batch in memory.
func parseMeta(line string) Entry {
	switch {
	case strings.HasPrefix(line, ":t batch"):
		m := todoLineRe.FindStringSubmatch(line)
		if m == nil {
			return Entry{}
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return Entry{}
		}
		// Validate (but discard) the doc-ref array so a todo line with
		// unparseable JSON is treated as corrupted here too, even
		// though this mapper never keeps the decoded docs around.
		var probe []couchdb.DocRef
		if err := json.Unmarshal([]byte(m[2]), &probe); err != nil {
			return Entry{}
		}
		return Entry{Command: CommandTodo, Batch: n}
	case strings.HasPrefix(line, ":d batch"):
		m := doneLineRe.FindStringSubmatch(line)
		if m == nil {
			return Entry{}
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return Entry{}
		}
		return Entry{Command: CommandDone, Batch: n}
	case strings.HasPrefix(line, ":changes_complete"):
		return Entry{Command: CommandChangesComplete}
	default:
		return Entry{}
	}
}

// parseFull is Mapper A: identical to parseMeta, but a well-formed todo
// line also has its JSON doc-ref array decoded. A todo line whose JSON is
// unparseable yields the same null marker as any other corrupted line.
func parseFull(line string) Entry {
	e := parseMeta(line)
	if e.Command != CommandTodo {
		return e
	}
	m := todoLineRe.FindStringSubmatch(line)
	if m == nil {
		return Entry{}
	}
	var docs []couchdb.DocRef
	if err := json.Unmarshal([]byte(m[2]), &docs); err != nil {
		return Entry{}
	}
	e.Docs = docs
	return e
}

// FormatTodo renders a :t log line for batch carrying refs.
func FormatTodo(batch int, refs []couchdb.DocRef) (string, error) {
	raw, err := json.Marshal(refs)
	if err != nil {
		return "", err
	}
	return ":t batch" + strconv.Itoa(batch) + " " + string(raw), nil
}

// FormatDone renders a :d log line for batch.
func FormatDone(batch int) string {
	return ":d batch" + strconv.Itoa(batch)
}

// FormatChangesComplete renders the terminal :changes_complete line,
// carrying the feed's last_seq for diagnostics.
func FormatChangesComplete(lastSeq string) string {
	if lastSeq == "" {
		return ":changes_complete"
	}
	return ":changes_complete " + lastSeq
}
