package projection

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes projection errors.
type ErrorCode string

const (
	// ErrCodeInvalid indicates a projection that does not fit its entity type.
	ErrCodeInvalid ErrorCode = "INVALID_PROJECTION"

	// ErrCodeUnknownPath indicates a path or bucket key that addresses no result.
	ErrCodeUnknownPath ErrorCode = "UNKNOWN_PATH"
)

// Error is a projection failure.
type Error struct {
	Code    ErrorCode
	Message string
	Path    string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("projection %s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// IsUnknownPath reports whether err means a path addressed no result.
func IsUnknownPath(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == ErrCodeUnknownPath
}

// IsInvalid reports whether err is a projection validation failure.
func IsInvalid(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == ErrCodeInvalid
}
