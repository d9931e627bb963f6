// Package errors defines the daemon's error taxonomy.
//
// Every failure the daemon can encounter falls into one of a small set of
// kinds, and loops branch on kind to decide whether to skip a record, abort
// a pass, or idle a component. No kind except Fatal may terminate the
// process.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	// KindParse marks a malformed input line or byte sequence. Log at
	// debug, skip the record, continue.
	KindParse Kind = "PARSE"

	// KindTransientRemote marks a non-2xx or network failure against a
	// cloud endpoint. Log at warn, skip; the next pass retries.
	KindTransientRemote Kind = "TRANSIENT_REMOTE"

	// KindAuthMissing means no bearer credential is available. The
	// current pass aborts, the process continues.
	KindAuthMissing Kind = "AUTH_MISSING"

	// KindAuthDenied marks a 401/403 on an optional endpoint. Callers
	// treat it as silent success (the feature is simply unavailable).
	KindAuthDenied Kind = "AUTH_DENIED"

	// KindStorage marks a statement or constraint failure. It propagates
	// within the batch; the surrounding transaction rolls back and the
	// caller retries on its next tick.
	KindStorage Kind = "STORAGE"

	// KindConfig marks a missing directory or a gated feature. The
	// component logs at info and idles.
	KindConfig Kind = "CONFIG"

	// KindFatal is reserved for the single-instance lock being held.
	KindFatal Kind = "FATAL"
)

// Error is a structured error carrying a kind, a message, and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewParse creates a parse error for a malformed input record.
func NewParse(msg string, err error) *Error {
	return &Error{Kind: KindParse, Message: msg, Err: err}
}

// NewTransientRemote creates a retryable remote-endpoint error.
func NewTransientRemote(msg string, err error) *Error {
	return &Error{Kind: KindTransientRemote, Message: msg, Err: err}
}

// NewAuthMissing creates an error for an absent bearer credential.
func NewAuthMissing(msg string) *Error {
	return &Error{Kind: KindAuthMissing, Message: msg}
}

// NewAuthDenied creates an error for a 401/403 on an optional endpoint.
func NewAuthDenied(msg string) *Error {
	return &Error{Kind: KindAuthDenied, Message: msg}
}

// NewStorage creates a database statement or constraint error.
func NewStorage(msg string, err error) *Error {
	return &Error{Kind: KindStorage, Message: msg, Err: err}
}

// NewConfig creates an error for a missing directory or disabled feature.
func NewConfig(msg string) *Error {
	return &Error{Kind: KindConfig, Message: msg}
}

// NewFatal creates a fatal error. Only the single-instance lock uses this.
func NewFatal(msg string) *Error {
	return &Error{Kind: KindFatal, Message: msg}
}

// KindOf returns the kind of err, unwrapping as needed. Unclassified
// errors report the empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is (or wraps) an Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
