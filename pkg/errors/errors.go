package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return goErrors.New(msg)
}

// ContextError annotates an error with the operation that produced it.
// Chained contexts read outermost-first, e.g. "enqueue run: begin tx: ...".
type ContextError struct {
	Context string
	Err     error
}

// WithContext wraps `err` with a message describing the operation that
// failed. It returns nil if `err` is nil so that it can be used directly on
// return values.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return ContextError{Context: context, Err: err}
}

func (err ContextError) Error() string {
	return fmt.Sprintf("%s: %s", err.Context, err.Err)
}

// Unwrap exposes the wrapped error to errors.Is and errors.As.
func (err ContextError) Unwrap() error {
	return err.Err
}

// FriendlyError is an error with a message meant to be shown directly to
// operators, without any wrapping context.
type FriendlyError interface {
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

// NewFriendlyError creates an operator-facing error with a formatted message.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{msg: fmt.Sprintf(format, args...)}
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// GetPrintableMessage returns the message that should be shown for `err`.
// Friendly errors are shown as-is, even when they're buried under context
// wrapping.
func GetPrintableMessage(err error) string {
	var friendly FriendlyError
	if goErrors.As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goErrors.As(err, target)
}
