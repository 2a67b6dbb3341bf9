// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

// Package cberrors implements the error taxonomy shared by the backup and
// restore pipelines: a small sum type of named kinds, each carrying a stable
// exit code, an optional wrapped cause, and a flag telling internal retry
// loops whether the failure is worth retrying.
package cberrors

import (
	stderrors "errors"
	"fmt"

	"github.com/pingcap/errors"
)

// Kind is one of the named failure categories a pipeline can surface.
type Kind int

const (
	// DatabaseNotFound means the source database is missing on backup, or
	// the target database is missing on restore.
	DatabaseNotFound Kind = iota
	// Unauthorized is a 401 response from the DB.
	Unauthorized
	// Forbidden is a 403 response from the DB.
	Forbidden
	// DatabaseNotEmpty means a restore target already has documents or
	// tombstones.
	DatabaseNotEmpty
	// NoLogFileName means resume was requested without a log path.
	NoLogFileName
	// LogDoesNotExist means the resume log file is missing.
	LogDoesNotExist
	// IncompleteChangesInLogFile means the resume log lacks a
	// :changes_complete marker.
	IncompleteChangesInLogFile
	// SpoolChangesError means the _changes payload was malformed.
	SpoolChangesError
	// HTTPFatalError is a non-recoverable HTTP failure, including retry
	// exhaustion.
	HTTPFatalError
	// BulkGetError means the DB does not support _bulk_get.
	BulkGetError
	// BackupFileJsonError means a line of the backup input could not be
	// parsed.
	BackupFileJsonError
)

// exitCode is the stable process exit code associated with each Kind, per
// the CLI contract.
var exitCode = map[Kind]int{
	DatabaseNotFound:           10,
	Unauthorized:               11,
	Forbidden:                  12,
	DatabaseNotEmpty:           13,
	NoLogFileName:              20,
	LogDoesNotExist:            21,
	IncompleteChangesInLogFile: 22,
	SpoolChangesError:          30,
	HTTPFatalError:             40,
	BulkGetError:               50,
	BackupFileJsonError:        60,
}

var kindName = map[Kind]string{
	DatabaseNotFound:           "DatabaseNotFound",
	Unauthorized:               "Unauthorized",
	Forbidden:                  "Forbidden",
	DatabaseNotEmpty:           "DatabaseNotEmpty",
	NoLogFileName:              "NoLogFileName",
	LogDoesNotExist:            "LogDoesNotExist",
	IncompleteChangesInLogFile: "IncompleteChangesInLogFile",
	SpoolChangesError:          "SpoolChangesError",
	HTTPFatalError:             "HTTPFatalError",
	BulkGetError:               "BulkGetError",
	BackupFileJsonError:        "BackupFileJsonError",
}

func (k Kind) String() string {
	if n, ok := kindName[k]; ok {
		return n
	}
	return "UnknownError"
}

// ExitCode returns the process exit code for this Kind.
func (k Kind) ExitCode() int {
	if c, ok := exitCode[k]; ok {
		return c
	}
	return 1
}

// Error is the single error type every component returns across a
// component boundary.
type Error struct {
	kind        Kind
	msg         string
	cause       error
	isTransient bool
}

// New builds a fatal Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf builds a fatal Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that carries cause as its wrapped
// cause, tracing it with pingcap/errors so the original stack survives.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{kind: kind, msg: msg, cause: errors.Trace(cause)}
}

// Transient marks an Error as eligible for automatic retry by internal
// retry loops. Only HTTPFatalError candidates are ever marked transient;
// once retries are exhausted the caller must rebuild the Error without this
// flag before surfacing it.
func (e *Error) Transient() *Error {
	e.isTransient = true
	return e
}

// IsTransient reports whether internal retry loops should retry this
// failure.
func (e *Error) IsTransient() bool {
	return e != nil && e.isTransient
}

// Fatal returns a copy of e with the transient flag cleared. A retry loop
// that exhausts its attempts on a Transient-marked Error must pass it
// through Fatal before surfacing it, so IsTransient is never true on an
// error callers are not going to retry again.
func (e *Error) Fatal() *Error {
	if e == nil {
		return nil
	}
	c := *e
	c.isTransient = false
	return &c
}

// Kind returns the error's classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// ExitCode returns the process exit code associated with this error's kind.
func (e *Error) ExitCode() int {
	return e.kind.ExitCode()
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// IsTransient reports whether err is a *Error marked transient. A nil or
// non-taxonomy error is never transient.
func IsTransient(err error) bool {
	e, ok := err.(*Error)
	return ok && e.IsTransient()
}

// As reports whether err is (or wraps) a *Error, returning it.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}
