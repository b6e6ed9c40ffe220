package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/svd27/ki/internal/meta"
	"github.com/svd27/ki/internal/value"
)

// ErrorCode categorizes DataStoreErrors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates an unknown entity id.
	ErrCodeNotFound ErrorCode = "ENTITY_NOT_FOUND"

	// ErrCodeExists indicates a create for an id that is already stored.
	ErrCodeExists ErrorCode = "ENTITY_EXISTS"

	// ErrCodeVersionNotFound indicates a version request for an unversioned type.
	ErrCodeVersionNotFound ErrorCode = "VERSION_NOT_FOUND"

	// ErrCodeOptimisticLock indicates an expected version mismatch.
	ErrCodeOptimisticLock ErrorCode = "OPTIMISTIC_LOCK"

	// ErrCodeBatch groups the failures of a multi-entity operation.
	ErrCodeBatch ErrorCode = "BATCH"

	// ErrCodeInvalid indicates a malformed write (unknown property, kind mismatch).
	ErrCodeInvalid ErrorCode = "INVALID_WRITE"
)

// Error is a DataStoreError.
type Error struct {
	Code    ErrorCode
	Message string
	Entity  string
	ID      value.Value

	// Expected and Actual are the versions of an optimistic lock failure.
	Expected int64
	Actual   int64

	// Errs holds the member failures of a batch error.
	Errs []error

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Entity != "" {
		fmt.Fprintf(&b, " (entity=%s", e.Entity)
		if e.ID != nil {
			fmt.Fprintf(&b, ", id=%s", value.Format(e.ID))
		}
		b.WriteString(")")
	}
	if e.Code == ErrCodeOptimisticLock {
		fmt.Fprintf(&b, " expected=%d actual=%d", e.Expected, e.Actual)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	for _, err := range e.Errs {
		fmt.Fprintf(&b, "; %v", err)
	}
	return b.String()
}

// Unwrap exposes the cause and batch members to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, len(e.Errs)+1)
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return append(out, e.Errs...)
}

// NotFound creates an ENTITY_NOT_FOUND error.
func NotFound(m *meta.EntityMeta, id value.Value) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "entity not found", Entity: m.Name(), ID: id}
}

// Exists creates an ENTITY_EXISTS error.
func Exists(m *meta.EntityMeta, id value.Value) *Error {
	return &Error{Code: ErrCodeExists, Message: "entity already exists", Entity: m.Name(), ID: id}
}

// VersionNotFound creates a VERSION_NOT_FOUND error.
func VersionNotFound(m *meta.EntityMeta, id value.Value) *Error {
	return &Error{Code: ErrCodeVersionNotFound, Message: "type is not versioned", Entity: m.Name(), ID: id}
}

// OptimisticLock creates an OPTIMISTIC_LOCK error.
func OptimisticLock(m *meta.EntityMeta, id value.Value, expected, actual int64) *Error {
	return &Error{Code: ErrCodeOptimisticLock, Message: "version mismatch", Entity: m.Name(), ID: id, Expected: expected, Actual: actual}
}

// Invalid creates an INVALID_WRITE error wrapping cause.
func Invalid(m *meta.EntityMeta, id value.Value, cause error) *Error {
	return &Error{Code: ErrCodeInvalid, Message: "invalid write", Entity: m.Name(), ID: id, Err: cause}
}

// Batch folds member failures: nil for none, the error itself for one,
// a BATCH error otherwise.
func Batch(m *meta.EntityMeta, errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &Error{Code: ErrCodeBatch, Message: fmt.Sprintf("%d operations failed", len(errs)), Entity: m.Name(), Errs: errs}
	}
}

// IsNotFound reports whether err is or contains ENTITY_NOT_FOUND.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsExists reports whether err is or contains ENTITY_EXISTS.
func IsExists(err error) bool { return hasCode(err, ErrCodeExists) }

// IsVersionNotFound reports whether err is or contains VERSION_NOT_FOUND.
func IsVersionNotFound(err error) bool { return hasCode(err, ErrCodeVersionNotFound) }

// IsOptimisticLock reports whether err is or contains OPTIMISTIC_LOCK.
func IsOptimisticLock(err error) bool { return hasCode(err, ErrCodeOptimisticLock) }

// IsBatch reports whether err is a BATCH error.
func IsBatch(err error) bool { return hasCode(err, ErrCodeBatch) }

// IsStoreError reports whether err is any DataStoreError.
func IsStoreError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// hasCode walks the whole error tree, so batch members are matched too.
func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*Error); ok && se.Code == code {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if hasCode(inner, code) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return hasCode(u.Unwrap(), code)
	}
	return false
}
