// Package errors defines the error taxonomy shared by the order intake,
// matching, ledger and reconciliation components. Callers branch on the
// Kind rather than on error strings.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions: validation and
// not-found surface to the caller, transient storage errors are retried
// internally, corruption halts the affected shard.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindDuplicate
	KindNotFound
	KindConflict
	KindTransientStorage
	KindFatalCorruption
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransientStorage:
		return "transient_storage"
	case KindFatalCorruption:
		return "fatal_corruption"
	default:
		return "unknown"
	}
}

// Error carries a kind, a human-readable message and an optional cause.
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

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two taxonomy errors by kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validationf reports malformed input that must be fixed before retry.
func Validationf(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

// Duplicatef reports an idempotent replay. This is a defined outcome,
// not a failure.
func Duplicatef(format string, args ...interface{}) *Error {
	return newf(KindDuplicate, format, args...)
}

// NotFoundf reports a cancel or query against an unknown order.
func NotFoundf(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

// Conflictf reports reconciliation-detected divergence. Never surfaced to
// submit/cancel callers; resolved asynchronously.
func Conflictf(format string, args ...interface{}) *Error {
	return newf(KindConflict, format, args...)
}

// Transient wraps a storage error that is safe to retry with backoff.
func Transient(msg string, err error) *Error {
	return &Error{Kind: KindTransientStorage, Message: msg, Err: err}
}

// Corruption wraps a schema mismatch in persisted state. Halts the shard.
func Corruption(msg string, err error) *Error {
	return &Error{Kind: KindFatalCorruption, Message: msg, Err: err}
}

// KindOf extracts the Kind from any error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the operation may be retried without
// duplicating a conditional-write side effect.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransientStorage)
}
