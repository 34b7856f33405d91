// Package apperr defines the error kinds surfaced by the ledger, limit and
// escrow services. Callers match on kinds with errors.Is against the Err*
// sentinels; the transport layer maps kinds to status codes.
package apperr

import (
	"errors"
	"fmt"

	"lv-escrow/internal/types"
)

type Kind string

const (
	KindInsufficientCapacity Kind = "insufficient_capacity"
	KindPolicyViolation      Kind = "policy_violation"
	KindNotFound             Kind = "not_found"
	KindInvalidState         Kind = "invalid_state"
	KindForbidden            Kind = "forbidden"
	KindConflict             Kind = "conflict"
	KindInvalidInput         Kind = "invalid_input"
)

type PolicyReason string

const (
	ReasonLimitExceeded PolicyReason = "LIMIT_EXCEEDED"
	ReasonKycRequired   PolicyReason = "KYC_REQUIRED"
)

var (
	ErrInsufficientCapacity = &Error{Kind: KindInsufficientCapacity, Message: "insufficient capacity"}
	ErrPolicyViolation      = &Error{Kind: KindPolicyViolation, Message: "policy violation"}
	ErrNotFound             = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidState         = &Error{Kind: KindInvalidState, Message: "invalid state"}
	ErrForbidden            = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrConflict             = &Error{Kind: KindConflict, Message: "conflict"}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)

type Error struct {
	Kind    Kind
	Message string

	// Set only for KindPolicyViolation.
	Reason        PolicyReason
	RequiredLevel *types.KycLevel
}

func (e *Error) Error() string {
	if e.Reason != "" {
		if e.RequiredLevel != nil {
			return fmt.Sprintf("%s: %s (required kyc level %s)", e.Message, e.Reason, e.RequiredLevel.String())
		}
		return fmt.Sprintf("%s: %s", e.Message, e.Reason)
	}
	return e.Message
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrConflict)
// holds for every conflict regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InsufficientCapacity(format string, args ...any) error {
	return newf(KindInsufficientCapacity, format, args...)
}

func NotFound(format string, args ...any) error {
	return newf(KindNotFound, format, args...)
}

func InvalidState(format string, args ...any) error {
	return newf(KindInvalidState, format, args...)
}

func Forbidden(format string, args ...any) error {
	return newf(KindForbidden, format, args...)
}

func Conflict(format string, args ...any) error {
	return newf(KindConflict, format, args...)
}

func InvalidInput(format string, args ...any) error {
	return newf(KindInvalidInput, format, args...)
}

func LimitExceeded(format string, args ...any) error {
	e := newf(KindPolicyViolation, format, args...)
	e.Reason = ReasonLimitExceeded
	return e
}

func KycRequired(level types.KycLevel, format string, args ...any) error {
	e := newf(KindPolicyViolation, format, args...)
	e.Reason = ReasonKycRequired
	e.RequiredLevel = &level
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "" for
// infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Domain reports whether err carries a domain kind and must not be retried.
func Domain(err error) bool {
	return KindOf(err) != ""
}
