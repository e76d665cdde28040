// Package serviceerror carries stable, machine readable failure codes across service boundaries.
package serviceerror

import (
	"errors"
	"fmt"
)

// Error pairs a dotted failure code with its underlying cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the dotted failure code, e.g. "tags.lookup.query_failed".
func (e *Error) Code() string {
	return e.code
}

// New builds an error whose code is "<operation>.<reason>".
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// CodeOf extracts the first service error code found in the chain.
func CodeOf(err error) (string, bool) {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Code(), true
	}
	return "", false
}
