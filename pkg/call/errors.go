package call

import (
	"code.kerpass.org/channel/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error       = errorFlag("call: error")
	ErrBusy     = errorFlag("call: line busy")
	ErrNoCall   = errorFlag("call: no active call")
	ErrDeclined = errorFlag("call: declined")
	noError     = errorFlag("")
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

func flagError(flag errorFlag, msg string, args ...any) error {
	return utils.NewError(1, flag, msg, args...)
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}
