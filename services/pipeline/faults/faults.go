// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package faults classifies stage execution errors.
//
// Every error that leaves a stage collaborator is reduced to one Kind before
// it reaches the finalize path. The retry policy only ever looks at the Kind,
// never at the concrete error.
package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

// Kind is the classification of a stage failure.
type Kind string

const (
	// KindTransient covers timeouts, resource exhaustion and unavailable
	// collaborators. Retried up to the stage's attempt cap.
	KindTransient Kind = "transient"

	// KindInputInvalid covers malformed or missing upstream artifacts and
	// unusable human validation output. Never retried.
	KindInputInvalid Kind = "input_invalid"

	// KindInternal covers bugs and invariant violations. Never retried; the
	// user sees a generic message.
	KindInternal Kind = "internal"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTransient, KindInputInvalid, KindInternal:
		return true
	}
	return false
}

// Retryable reports whether a failure of this kind may be retried.
func (k Kind) Retryable() bool { return k == KindTransient }

// Error is a classified stage failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "detect.http" or "cvat.export".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the underlying error text without the kind prefix.
func (e *Error) Message() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// InputInvalid wraps err as a non-retryable input problem.
func InputInvalid(op string, err error) error {
	return &Error{Kind: KindInputInvalid, Op: op, Err: err}
}

// Internal wraps err as a bug or invariant violation.
func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// InputInvalidf formats a non-retryable input problem.
func InputInvalidf(op, format string, args ...any) error {
	return InputInvalid(op, fmt.Errorf(format, args...))
}

// Classify returns the kind of err.
//
// Explicitly wrapped *Error values win. Deadline expiry and network timeouts
// are transient; missing files are input problems. Anything unclassified is
// treated as transient so that it is retried up to the stage's cap and then
// surfaced with its own message.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind.Valid() {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	if errors.Is(err, fs.ErrNotExist) {
		return KindInputInvalid
	}
	return KindTransient
}

// UserMessage returns the text shown on a diagram in ERROR. Internal
// failures never leak their detail.
func UserMessage(stage string, err error) string {
	if err == nil {
		return ""
	}
	if Classify(err) == KindInternal {
		return fmt.Sprintf("internal error during %s", stage)
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message()
	}
	return err.Error()
}
