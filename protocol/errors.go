package protocol

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed or unexpected wire message. It
// carries the offending field so the lifecycle event stream can name
// what was wrong. A message that fails validation is never partially
// applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: field %q: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SubscriptionMismatchError reports an ack or subscribe request whose
// channel name or product identifier does not match what was expected.
type SubscriptionMismatchError struct {
	Field string
	Want  string
	Got   string
}

func (e *SubscriptionMismatchError) Error() string {
	return fmt.Sprintf("subscription mismatch: %s: want %q, got %q", e.Field, e.Want, e.Got)
}

// IsValidation reports whether err is a protocol-level failure, either
// a structural validation error or a subscription mismatch. The feed
// manager treats both as abort-and-reconnect.
func IsValidation(err error) bool {
	var ve *ValidationError
	var me *SubscriptionMismatchError
	return errors.As(err, &ve) || errors.As(err, &me)
}
