package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to API callers.
type ErrorKind string

const (
	KindConsentDenied     ErrorKind = "consent_denied"
	KindMissingScope      ErrorKind = "missing_scope"
	KindGeneration        ErrorKind = "generation_error"
	KindExecution         ErrorKind = "execution_error"
	KindDecryption        ErrorKind = "decryption_error"
	KindNotFound          ErrorKind = "not_found"
	KindDuplicateAgent    ErrorKind = "duplicate_agent"
	KindAgentNotFound     ErrorKind = "agent_not_found"
	KindMalformedToken    ErrorKind = "malformed_token"
	KindInvalidScope      ErrorKind = "invalid_scope"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindInvalidParameters ErrorKind = "invalid_parameters"
	KindScopeEscalation   ErrorKind = "scope_escalation"
	KindCancelled         ErrorKind = "cancelled"
)

// Error is a typed failure with a human-readable reason.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrConsentDenied)
// holds for every consent failure regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	ErrConsentDenied     = &Error{Kind: KindConsentDenied}
	ErrMissingScope      = &Error{Kind: KindMissingScope}
	ErrGeneration        = &Error{Kind: KindGeneration}
	ErrExecution         = &Error{Kind: KindExecution}
	ErrDecryption        = &Error{Kind: KindDecryption}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrDuplicateAgent    = &Error{Kind: KindDuplicateAgent}
	ErrAgentNotFound     = &Error{Kind: KindAgentNotFound}
	ErrMalformedToken    = &Error{Kind: KindMalformedToken}
	ErrInvalidScope      = &Error{Kind: KindInvalidScope}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrInvalidParameters = &Error{Kind: KindInvalidParameters}
	ErrScopeEscalation   = &Error{Kind: KindScopeEscalation}
	ErrCancelled         = &Error{Kind: KindCancelled}
)
