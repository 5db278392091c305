package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient means retries were exhausted; the outcome of the call is unknown.
	ErrTransient = errors.New("transient exchange failure")
	// ErrInsufficientData means the venue returned too little to act on.
	ErrInsufficientData = errors.New("insufficient market data")
)

// RejectedError is returned when the venue declined a request outright.
type RejectedError struct {
	Code   int64
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by exchange (code %d): %s", e.Code, e.Reason)
}

// IsRejected reports whether err carries a RejectedError.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// IsTransient reports whether err is an exhausted transient failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
