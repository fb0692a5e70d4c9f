package event

import (
	"code.kerpass.org/channel/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error                = errorFlag("event: error")
	ErrInvalidEventShape = errorFlag("event: invalid event shape")
	ErrValidation        = errorFlag("event: validation error")
	noError              = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	}
	return Error
}

// shapeError returns a utils.RaisedErr{} flagged with ErrInvalidEventShape.
func shapeError(msg string, args ...any) error {
	return utils.NewError(1, ErrInvalidEventShape, msg, args...)
}

// validationError returns a utils.RaisedErr{} flagged with ErrValidation.
func validationError(cause error, msg string, args ...any) error {
	if nil == cause {
		return utils.NewError(1, ErrValidation, msg, args...)
	}
	return utils.WrapError(cause, 1, ErrValidation, msg, args...)
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}
