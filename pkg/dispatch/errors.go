package dispatch

import (
	"code.kerpass.org/channel/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error             = errorFlag("dispatch: error")
	ErrRequestTimeout = errorFlag("dispatch: request timeout")
	ErrChannelClosed  = errorFlag("dispatch: channel closed")
	ErrTransport      = errorFlag("dispatch: unexpected transport error")
	ErrPeer           = errorFlag("dispatch: peer reported error")
	ErrNotSent        = errorFlag("dispatch: request not sent")
	noError           = errorFlag("")
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

// flagError returns a utils.RaisedErr{} flagged with flag.
func flagError(flag errorFlag, cause error, msg string, args ...any) error {
	if nil == cause {
		return utils.NewError(1, flag, msg, args...)
	}
	return utils.WrapError(cause, 1, flag, msg, args...)
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}
