package peer

import (
	"code.kerpass.org/channel/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error              = errorFlag("peer: error")
	ErrInvalidPeerInfo = errorFlag("peer: invalid peer info")
	noError            = errorFlag("")
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

// infoError returns a utils.RaisedErr{} flagged with ErrInvalidPeerInfo.
func infoError(cause error, msg string, args ...any) error {
	if nil == cause {
		return utils.NewError(1, ErrInvalidPeerInfo, msg, args...)
	}
	return utils.WrapError(cause, 1, ErrInvalidPeerInfo, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}
