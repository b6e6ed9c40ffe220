package meta

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes metadata errors.
type ErrorCode string

const (
	// ErrCodeDuplicateEntity indicates an entity type name is already registered.
	ErrCodeDuplicateEntity ErrorCode = "DUPLICATE_ENTITY"

	// ErrCodeInvalidDefinition indicates a malformed entity or property declaration.
	ErrCodeInvalidDefinition ErrorCode = "INVALID_DEFINITION"

	// ErrCodeUnknownProperty indicates a property name not declared on the type.
	ErrCodeUnknownProperty ErrorCode = "UNKNOWN_PROPERTY"

	// ErrCodeTypeMismatch indicates a value whose kind does not fit the property.
	ErrCodeTypeMismatch ErrorCode = "TYPE_MISMATCH"
)

// Error represents a metadata declaration or access error.
type Error struct {
	Code     ErrorCode
	Message  string
	Entity   string
	Property string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("%s: %s (entity=%s, property=%s)", e.Code, e.Message, e.Entity, e.Property)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.Entity)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsUnknownProperty reports whether err is an unknown property error.
func IsUnknownProperty(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == ErrCodeUnknownProperty
	}
	return false
}

// IsTypeMismatch reports whether err is a value kind mismatch.
func IsTypeMismatch(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == ErrCodeTypeMismatch
	}
	return false
}
