package store

import (
	"errors"
)

// Error kinds, matched with errors.Is.
var (
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation failed")
	ErrStorage       = errors.New("storage failure")
)

// Error is returned by store mutations.  Code is a stable,
// machine-readable identifier such as "report_insertion_failed";
// Message is meant for humans.
type Error struct {
	Code    string
	Message string
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Kind: kind, Err: err}
}
