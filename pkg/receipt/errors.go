package receipt

import (
	"code.kerpass.org/channel/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error                  = errorFlag("receipt: error")
	ErrReceiptCreation     = errorFlag("receipt: creation failed")
	ErrReceiptVerification = errorFlag("receipt: verification failed")
	noError                = errorFlag("")
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

// ErrReceiptMismatch flags receipts that verify but are bound to another request.
// It wraps ErrReceiptVerification.
const ErrReceiptMismatch = mismatchFlag("receipt: bound to another request")

type mismatchFlag string

func (self mismatchFlag) Error() string {
	return string(self)
}

func (self mismatchFlag) Unwrap() error {
	return ErrReceiptVerification
}

// creationError returns a utils.RaisedErr{} flagged with ErrReceiptCreation.
func creationError(cause error, msg string, args ...any) error {
	if nil == cause {
		return utils.NewError(1, ErrReceiptCreation, msg, args...)
	}
	return utils.WrapError(cause, 1, ErrReceiptCreation, msg, args...)
}

// verificationError returns a utils.RaisedErr{} flagged with ErrReceiptVerification.
func verificationError(cause error, msg string, args ...any) error {
	if nil == cause {
		return utils.NewError(1, ErrReceiptVerification, msg, args...)
	}
	return utils.WrapError(cause, 1, ErrReceiptVerification, msg, args...)
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}
