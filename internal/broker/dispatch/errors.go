package dispatch

import (
	"errors"
	"fmt"
)

// Pipeline return error types. These control the delivery lifecycle: a plain
// error is retried with exponential backoff, a fatal error fails the record
// immediately.

var (
	// ErrFatal signals that the delivery can never succeed and must not be
	// retried. The delivery record is marked failed and an alert is raised.
	ErrFatal = errors.New("labflow: fatal dispatch failure")
)

// FatalError marks a delivery failure as permanent, e.g. a schema violation
// or an unknown sample reference.
type FatalError struct {
	Reason string
	Cause  error
}

// Fatal wraps cause as a permanent delivery failure.
func Fatal(reason string, cause error) *FatalError {
	return &FatalError{Reason: reason, Cause: cause}
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("labflow: fatal dispatch failure (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("labflow: fatal dispatch failure (%s)", e.Reason)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for FatalError.
func (e *FatalError) Is(target error) bool {
	if target == ErrFatal {
		return true
	}
	_, ok := target.(*FatalError)
	return ok
}

// IsFatal reports whether the error must not be retried.
func IsFatal(err error) bool {
	return err != nil && errors.Is(err, ErrFatal)
}

// Outcome is the terminal result of dispatching one message.
type Outcome string

const (
	// OutcomeDelivered means the results pipeline confirmed receipt.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeRetriesExhausted means every allowed attempt failed with a
	// retryable error.
	OutcomeRetriesExhausted Outcome = "retries_exhausted"
	// OutcomeFatal means the pipeline reported a permanent failure.
	OutcomeFatal Outcome = "fatal"
)
