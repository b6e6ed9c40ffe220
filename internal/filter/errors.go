package filter

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes filter construction errors.
type ErrorCode string

const (
	// ErrCodeUnknownProperty indicates a property not declared on the entity type.
	ErrCodeUnknownProperty ErrorCode = "UNKNOWN_PROPERTY"

	// ErrCodeInvalidOperand indicates an operand that does not fit the property.
	ErrCodeInvalidOperand ErrorCode = "INVALID_OPERAND"

	// ErrCodeMetaMismatch indicates operands over different entity types.
	ErrCodeMetaMismatch ErrorCode = "META_MISMATCH"
)

// Error is a malformed filter construction (FilterError).
type Error struct {
	Code     ErrorCode
	Message  string
	Entity   string
	Property string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("filter %s: %s (entity=%s, property=%s)", e.Code, e.Message, e.Entity, e.Property)
	}
	return fmt.Sprintf("filter %s: %s (entity=%s)", e.Code, e.Message, e.Entity)
}

// IsFilterError reports whether err is a filter construction error.
func IsFilterError(err error) bool {
	var fe *Error
	return errors.As(err, &fe)
}

// ErrLiveClosed is returned when delivering to a closed live filter.
var ErrLiveClosed = errors.New("live filter closed")
