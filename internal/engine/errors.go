package engine

import (
	"errors"
	"fmt"
)

// DispatchError reports a failed dispatcher command.
type DispatchError struct {
	// Code identifies the error category.
	Code DispatchErrorCode

	// Message is a human-readable description.
	Message string

	// LiveID identifies the live filter concerned, if any.
	LiveID string
}

// DispatchErrorCode categorizes dispatcher errors.
type DispatchErrorCode string

const (
	// ErrCodeStopped indicates the dispatcher no longer accepts commands.
	ErrCodeStopped DispatchErrorCode = "DISPATCHER_STOPPED"

	// ErrCodeInvalidLive indicates a nil or already closed live filter.
	ErrCodeInvalidLive DispatchErrorCode = "INVALID_LIVE_FILTER"
)

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.LiveID != "" {
		return fmt.Sprintf("%s: %s (live=%s)", e.Code, e.Message, e.LiveID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsStopped reports whether err means the dispatcher has stopped.
// Uses errors.As to handle wrapped errors.
func IsStopped(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Code == ErrCodeStopped
	}
	return false
}

func errStopped(liveID string) *DispatchError {
	return &DispatchError{Code: ErrCodeStopped, Message: "dispatcher stopped", LiveID: liveID}
}
