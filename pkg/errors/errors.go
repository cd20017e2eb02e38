// Package errors provides the payment error taxonomy used across the
// orchestration engine. Every failure surfaced to a caller carries a
// Kind so handlers can map it to transport semantics without string
// matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies a payment failure.
type Kind string

const (
	// KindValidation marks malformed or out-of-range input, rejected
	// before any external call is made.
	KindValidation Kind = "ValidationError"
	// KindComplianceBlocked marks an AML, sanctions, or instrument
	// verification failure. Terminal, non-retryable.
	KindComplianceBlocked Kind = "ComplianceBlocked"
	// KindRiskBlocked marks a critical risk tier without an override.
	// Terminal unless escalated to manual review.
	KindRiskBlocked Kind = "RiskBlocked"
	// KindProvider marks a transient provider failure that triggers
	// fallback routing.
	KindProvider Kind = "ProviderError"
	// KindAllRoutesExhausted marks a submission for which every route
	// candidate failed.
	KindAllRoutesExhausted Kind = "AllRoutesExhausted"
	// KindEscrowPrecondition marks a release attempted on a
	// transaction that is not eligible.
	KindEscrowPrecondition Kind = "EscrowPreconditionError"
	// KindRateUnavailable marks a conversion that cannot proceed
	// because no rate could be obtained.
	KindRateUnavailable Kind = "RateUnavailable"
	// KindNotFound marks a lookup for an unknown entity.
	KindNotFound Kind = "NotFound"
	// KindConflict marks a lost optimistic-update race.
	KindConflict Kind = "Conflict"
)

// FieldError describes a validation failure for a single field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) Error() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// Error is the engine's error type. It wraps an optional cause and
// carries the taxonomy Kind plus a human-readable message suitable for
// persisting as a failure reason.
type Error struct {
	Kind    Kind         `json:"kind"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by Kind so sentinel comparison works across wraps.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Fields: e.Fields, cause: err}
}

// WithField appends a field-level detail.
func (e *Error) WithField(field, message string) *Error {
	out := &Error{Kind: e.Kind, Message: e.Message, cause: e.cause}
	out.Fields = append(append(out.Fields, e.Fields...), FieldError{Field: field, Message: message})
	return out
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a ValidationError.
func Validation(message string) *Error { return New(KindValidation, message) }

// ComplianceBlocked creates a ComplianceBlocked error.
func ComplianceBlocked(reason string) *Error { return New(KindComplianceBlocked, reason) }

// RiskBlocked creates a RiskBlocked error.
func RiskBlocked(reason string) *Error { return New(KindRiskBlocked, reason) }

// Provider creates a transient ProviderError.
func Provider(provider string, cause error) *Error {
	return Newf(KindProvider, "provider %s failed", provider).WithCause(cause)
}

// AllRoutesExhausted creates an AllRoutesExhausted error.
func AllRoutesExhausted(attempts int) *Error {
	return Newf(KindAllRoutesExhausted, "all %d route candidates failed", attempts)
}

// EscrowPrecondition creates an EscrowPreconditionError.
func EscrowPrecondition(reason string) *Error { return New(KindEscrowPrecondition, reason) }

// RateUnavailable creates a RateUnavailable error.
func RateUnavailable(from, to string, cause error) *Error {
	return Newf(KindRateUnavailable, "no rate for %s/%s", from, to).WithCause(cause)
}

// NotFound creates a NotFound error.
func NotFound(entity string) *Error { return Newf(KindNotFound, "%s not found", entity) }

// Conflict creates a Conflict error.
func Conflict(message string) *Error { return New(KindConflict, message) }

// KindOf extracts the Kind from any error, or empty string if the
// error is not part of the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the error should drive fallback routing
// rather than terminate the submission.
func Retryable(err error) bool {
	return KindOf(err) == KindProvider
}

// HTTPStatus maps an error kind to a transport status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindComplianceBlocked, KindRiskBlocked:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindEscrowPrecondition:
		return http.StatusConflict
	case KindProvider, KindAllRoutesExhausted:
		return http.StatusBadGateway
	case KindRateUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
