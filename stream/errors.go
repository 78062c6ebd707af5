package stream

import "errors"

// InputError marks a failure of the reading side of a transfer.
//
// Failures of the writing side are never wrapped in an InputError.
type InputError struct {
	Err error
}

// NewInputError wraps err in an InputError. It returns nil if err is nil.
func NewInputError(err error) error {
	if err == nil {
		return nil
	}
	return &InputError{Err: err}
}

// Error implements error.
func (e *InputError) Error() string {
	if e.Err == nil {
		return "input failure"
	}
	return "input failure: " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *InputError) Unwrap() error {
	return e.Err
}

// IsInputError reports whether err is, or wraps, an InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
