// Package ceerrors provides the error taxonomy shared by every channel
// runtime subsystem.
//
// Kinds are not Go types but a closed set of sentinel wrappers: callers use
// errors.Is/As against the exported sentinels, and the control plane (out
// of core scope) maps a Kind to an HTTP status via StatusHint.
package ceerrors

import (
	"errors"
	"fmt"
)

// Kind is one entry of the error taxonomy.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindState      Kind = "state"
	KindScript     Kind = "script"
	KindTransport  Kind = "transport"
	KindProtocol   Kind = "protocol"
	KindStorage    Kind = "storage"
	KindInternal   Kind = "internal"
)

// sentinels let callers do errors.Is(err, ceerrors.ErrNotFound) without
// caring about the wrapped message.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrState      = errors.New("invalid state")
	ErrScript     = errors.New("script error")
	ErrTransport  = errors.New("transport error")
	ErrProtocol   = errors.New("protocol error")
	ErrStorage    = errors.New("storage error")
	ErrInternal   = errors.New("internal error")
)

var sentinelByKind = map[Kind]error{
	KindValidation: ErrValidation,
	KindNotFound:   ErrNotFound,
	KindConflict:   ErrConflict,
	KindState:      ErrState,
	KindScript:     ErrScript,
	KindTransport:  ErrTransport,
	KindProtocol:   ErrProtocol,
	KindStorage:    ErrStorage,
	KindInternal:   ErrInternal,
}

// StatusHint maps a Kind to its HTTP status. The core
// never speaks HTTP itself; this is metadata for whatever REST layer sits
// in front of it.
func (k Kind) StatusHint() int {
	switch k {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindState:
		return 409
	case KindScript, KindTransport, KindProtocol:
		return 500
	case KindStorage:
		return 500
	default:
		return 500
	}
}

// Error is a taxonomy-tagged error carrying an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return sentinelByKind[e.Kind]
}

// Is lets errors.Is(err, ceerrors.ErrNotFound) succeed even when Cause is
// nil, by delegating to the sentinel for this Kind.
func (e *Error) Is(target error) bool {
	return errors.Is(sentinelByKind[e.Kind], target)
}

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewValidation builds a ValidationError: caller input invalid,
// never enters the pipeline.
func NewValidation(format string, args ...any) *Error { return newErr(KindValidation, format, args...) }

// NewNotFound builds a NotFound error for a missing referenced entity.
func NewNotFound(format string, args ...any) *Error { return newErr(KindNotFound, format, args...) }

// NewConflict builds a Conflict error: revision mismatch or duplicate name.
func NewConflict(format string, args ...any) *Error { return newErr(KindConflict, format, args...) }

// NewState builds a StateError: operation not valid in the current state.
func NewState(format string, args ...any) *Error { return newErr(KindState, format, args...) }

// NewScript wraps a user-script failure. The caller is responsible for
// mapping this to a connector-message ERROR status and a PROCESSING_ERROR
// content row; the channel itself continues running.
func NewScript(cause error, format string, args ...any) *Error {
	return wrapErr(KindScript, cause, format, args...)
}

// NewTransport wraps a destination send failure; drives the dispatcher's
// retry policy.
func NewTransport(cause error, format string, args ...any) *Error {
	return wrapErr(KindTransport, cause, format, args...)
}

// NewProtocol wraps a malformed wire frame (DICOM/MLLP); connection-level,
// never pipeline-level.
func NewProtocol(format string, args ...any) *Error { return newErr(KindProtocol, format, args...) }

// NewStorage wraps a persistence failure. Fatal for the current pipeline
// invocation: the caller must not acknowledge upstream and should escalate
// to the channel state machine.
func NewStorage(cause error, format string, args ...any) *Error {
	return wrapErr(KindStorage, cause, format, args...)
}

// NewInternal wraps a last-resort caught error.
func NewInternal(cause error, format string, args ...any) *Error {
	return wrapErr(KindInternal, cause, format, args...)
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, defaulting to KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
