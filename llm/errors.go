package llm

import (
	"errors"
)

// Error classifies an LLM call failure. Retryable errors (rate limits,
// 5xx, network) may be retried by the client or by a retry loop step;
// everything else surfaces as-is.
type Error struct {
	Retryable bool
	err       error
}

func (e *Error) Error() string {
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as retryable.
func NewTransientError(err error) error {
	return &Error{Retryable: true, err: err}
}

// NewFatalError wraps an error as non-retryable.
func NewFatalError(err error) error {
	return &Error{Retryable: false, err: err}
}

// IsRetryable reports whether the error is a retryable LLM error.
func IsRetryable(err error) bool {
	var lerr *Error
	return errors.As(err, &lerr) && lerr.Retryable
}

// IsFatal reports whether the error is a non-retryable LLM error.
func IsFatal(err error) bool {
	var lerr *Error
	return errors.As(err, &lerr) && !lerr.Retryable
}
