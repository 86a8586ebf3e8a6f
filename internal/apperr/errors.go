package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether to retry, degrade or abort.
type Kind string

const (
	KindLookup       Kind = "lookup_failure"
	KindValidation   Kind = "validation_failure"
	KindConservation Kind = "conservation_violation"
	KindConcurrency  Kind = "concurrency_conflict"
	KindNotFound     Kind = "not_found"
)

// Error is the structured error surfaced by the valuation and allocation operations.
type Error struct {
	Kind    Kind
	Op      string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Field)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether re-running the whole operation may succeed.
func (e *Error) Retryable() bool { return e.Kind == KindConcurrency }

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Validation(op, field, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Message: message}
}

func Lookup(op, message string, err error) *Error {
	return Wrap(KindLookup, op, message, err)
}

func Conservation(op, message string) *Error {
	return New(KindConservation, op, message)
}

func Conflict(op string, err error) *Error {
	return Wrap(KindConcurrency, op, "concurrent modification, retry the operation", err)
}

func NotFound(op, field, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Field: field, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
