package errors

import (
	"errors"
	"fmt"
)

// Re-exported so callers need a single errors import.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

type codedError struct {
	code    ErrorCode
	message string
	cause   error
	data    any
}

// Error renders the message, falling back to the registered text for the
// code, followed by the attached data or, failing that, the cause.
func (e codedError) Error() string {
	msg := e.message
	if msg == "" {
		msg = GetErrorMessage(e.code)
	}

	switch {
	case e.data != nil:
		return fmt.Sprintf("%s: %v", msg, e.data)
	case e.cause != nil:
		return fmt.Sprintf("%s: %v", msg, e.cause)
	default:
		return msg
	}
}

func (e codedError) Code() ErrorCode { return e.code }
func (e codedError) GetData() any    { return e.data }
func (e codedError) Unwrap() error   { return e.cause }

func (e codedError) WithMessage(msg string) Error {
	e.message = msg
	return &e
}

func (e codedError) WithData(data any) Error {
	e.data = data
	return &e
}

// Is matches any Error with the same code, so a fresh errFactory.New(code)
// works as a sentinel.
func (e codedError) Is(target error) bool {
	var t Error
	return errors.As(target, &t) && t.Code() == e.code
}

type factory struct{}

func (factory) New(code ErrorCode) Error {
	return &codedError{code: code}
}

func (factory) Wrap(code ErrorCode, err error) Error {
	return &codedError{code: code, cause: err}
}

func (factory) WithMessage(code ErrorCode, msg string) Error {
	return &codedError{code: code, message: msg}
}

func (factory) WithData(code ErrorCode, data any) Error {
	return &codedError{code: code, data: data}
}

// New returns the package Factory.
func New() Factory {
	return factory{}
}

// HasCode reports whether err, or any error in its tree, carries code.
func HasCode(err error, code ErrorCode) bool {
	switch e := err.(type) {
	case nil:
		return false
	case Error:
		if e.Code() == code {
			return true
		}
	}

	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if HasCode(inner, code) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return HasCode(u.Unwrap(), code)
	}

	return false
}
