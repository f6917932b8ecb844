package model

import (
	"errors"
	"fmt"
)

// InputError reports a malformed or missing record field. Input errors are
// never retried and stop the record before any source lookup.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

// NewInputError builds an InputError for field.
func NewInputError(field, reason string) *InputError {
	return &InputError{Field: field, Reason: reason}
}

// IsInputError reports whether err wraps an InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// PipelineError is an unexpected failure while processing one record. It is
// caught at the record boundary and never aborts a run.
type PipelineError struct {
	RecordID string
	Err      error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("record %s: %v", e.RecordID, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
