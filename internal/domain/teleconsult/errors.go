package teleconsult

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrSessionNotFound        = fmt.Errorf("session %w", ErrNotFound)
	ErrParticipantsNotFound   = fmt.Errorf("participants %w", ErrNotFound)
	ErrNotAuthorized          = errors.New("not authorized")
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// ValidationError reports malformed input with enough detail to fix it.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func transitionError(from Status, ev Event) error {
	return fmt.Errorf("%w: %s on %s session", ErrInvalidStateTransition, ev, from)
}

// DenyReason explains why a join was refused. Denials are expected outcomes
// surfaced to the caller verbatim, never faults.
type DenyReason string

const (
	DenyNotAParticipant DenyReason = "NotAParticipant"
	DenyPaymentRequired DenyReason = "PaymentRequired"
	DenySessionClosed   DenyReason = "SessionClosed"
)

// JoinDeniedError reports a gate denial from operations that return errors
// rather than a JoinResult.
type JoinDeniedError struct {
	Reason DenyReason
	Status Status
}

func (e *JoinDeniedError) Error() string { return "join denied: " + string(e.Reason) }

func (e *JoinDeniedError) Unwrap() error { return ErrNotAuthorized }
