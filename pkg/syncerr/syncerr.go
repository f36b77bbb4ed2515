// Package syncerr is the error taxonomy shared by the transport, the retry
// engine and the sync managers.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnreachable means the peer is not connected right now.
	ErrUnreachable = errors.New("peer unreachable")
	// ErrTimeout means a request was sent but no reply arrived in time.
	ErrTimeout = errors.New("request timed out")
	// ErrRejected means the peer explicitly refused the request.
	ErrRejected = errors.New("rejected by peer")
	// ErrCorrupt means a payload could not be decoded or failed validation.
	ErrCorrupt = errors.New("corrupt payload")
)

// Class describes how callers should react to an error.
type Class struct {
	Category  string
	Retryable bool
}

var (
	classUnreachable = Class{Category: "unreachable", Retryable: true}
	classTimeout     = Class{Category: "timeout", Retryable: true}
	classRejected    = Class{Category: "rejected", Retryable: false}
	classCorrupt     = Class{Category: "corrupt", Retryable: false}
	classCanceled    = Class{Category: "canceled", Retryable: true}
	classRuntime     = Class{Category: "runtime", Retryable: false}
)

// Classify maps err onto the taxonomy. A deadline that fires while waiting for
// a reply counts as a timeout.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Class{}
	case errors.Is(err, ErrUnreachable):
		return classUnreachable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return classTimeout
	case errors.Is(err, ErrRejected):
		return classRejected
	case errors.Is(err, ErrCorrupt):
		return classCorrupt
	case errors.Is(err, context.Canceled):
		return classCanceled
	default:
		return classRuntime
	}
}

// Retryable is shorthand for Classify(err).Retryable.
func Retryable(err error) bool {
	return Classify(err).Retryable
}

// Rejected wraps ErrRejected with the peer's reason.
func Rejected(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

// Corrupt wraps ErrCorrupt around the decode or validation failure.
func Corrupt(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, what, err)
}
