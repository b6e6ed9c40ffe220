package interest

import (
	"errors"
	"fmt"

	"github.com/svd27/ki/internal/query"
)

// ErrClosed is returned by operations on a closed interest.
var ErrClosed = errors.New("interest closed")

// QueryError reports that the initial query of an interest failed.
type QueryError struct {
	Query query.Query
	Err   error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("interest query %s failed: %v", e.Query, e.Err)
}

// Unwrap returns the underlying cause.
func (e *QueryError) Unwrap() error { return e.Err }

// IsQueryError reports whether err is an initial query failure.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}
