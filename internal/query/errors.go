package query

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes query errors.
type ErrorCode string

const (
	// ErrCodeNoStore indicates no known store matched the query's target set.
	ErrCodeNoStore ErrorCode = "NO_STORE"

	// ErrCodeStoreFailure indicates a store-side failure while answering.
	ErrCodeStoreFailure ErrorCode = "STORE_FAILURE"

	// ErrCodeTimeout indicates a multi-store operation ran past its deadline.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeInvalidQuery indicates a malformed query.
	ErrCodeInvalidQuery ErrorCode = "INVALID_QUERY"
)

// Error is a query failure (QueryError).
type Error struct {
	Code    ErrorCode
	Message string
	Entity  string
	Store   string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("query %s: %s", e.Code, e.Message)
	if e.Entity != "" {
		msg += fmt.Sprintf(" (entity=%s)", e.Entity)
	}
	if e.Store != "" {
		msg += fmt.Sprintf(" (store=%s)", e.Store)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// IsNoStore reports whether err means no store matched.
func IsNoStore(err error) bool { return hasCode(err, ErrCodeNoStore) }

// IsTimeout reports whether err is a multi-store timeout.
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsQueryError reports whether err is any query error.
func IsQueryError(err error) bool {
	var qe *Error
	return errors.As(err, &qe)
}

func hasCode(err error, code ErrorCode) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}
