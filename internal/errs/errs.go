// Package errs defines the {kind, detail} error taxonomy SafeSwitch surfaces
// across its HTTP API, per spec §7.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the taxonomy of errors the subsystem can surface.
type Kind string

const (
	// Validation errors — 400. Never persisted.
	InvalidArgument Kind = "InvalidArgument"

	// State errors.
	NotFound             Kind = "NotFound"             // 404
	ConflictTerminalState Kind = "ConflictTerminalState" // 409
	BusyActivating       Kind = "BusyActivating"        // 409
	NotLeader            Kind = "NotLeader"             // 409

	// Execution errors — 422.
	ActivationFailed  Kind = "ActivationFailed"
	RollbackFailed    Kind = "RollbackFailed"
	HealthCheckFailed Kind = "HealthCheckFailed"

	// Quorum errors — 422.
	QuorumNotReached       Kind = "QuorumNotReached"
	ProposalExpired        Kind = "ProposalExpired"
	ParticipantUnreachable Kind = "ParticipantUnreachable"

	// System errors — 500.
	PersistenceError Kind = "PersistenceError"
	LedgerUnavailable Kind = "LedgerUnavailable"
)

// statusByKind maps each Kind to its HTTP status code.
var statusByKind = map[Kind]int{
	InvalidArgument:        http.StatusBadRequest,
	NotFound:               http.StatusNotFound,
	ConflictTerminalState:  http.StatusConflict,
	BusyActivating:         http.StatusConflict,
	NotLeader:              http.StatusConflict,
	ActivationFailed:       http.StatusUnprocessableEntity,
	RollbackFailed:         http.StatusUnprocessableEntity,
	HealthCheckFailed:      http.StatusUnprocessableEntity,
	QuorumNotReached:       http.StatusUnprocessableEntity,
	ProposalExpired:        http.StatusUnprocessableEntity,
	ParticipantUnreachable: http.StatusUnprocessableEntity,
	PersistenceError:       http.StatusInternalServerError,
	LedgerUnavailable:      http.StatusInternalServerError,
}

// Error is the concrete error type carried across component boundaries and
// serialized at the API layer as {"kind": ..., "detail": ...}.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error's Kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an Error that wraps an underlying cause via %w semantics.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// As is a convenience wrapper around errors.As for pulling a *Error out of
// an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusFor returns the HTTP status code to surface for any error: the
// Kind-specific status if err is (or wraps) an *Error, otherwise 500.
func StatusFor(err error) int {
	if e, ok := As(err); ok {
		return e.Status()
	}
	return http.StatusInternalServerError
}
