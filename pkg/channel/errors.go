package channel

import (
	"errors"
	"strings"

	"code.kerpass.org/channel/internal/utils"
	"code.kerpass.org/channel/pkg/dispatch"
	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/peer"
	"code.kerpass.org/channel/pkg/receipt"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error               = errorFlag("channel: error")
	ErrInvalidState     = errorFlag("channel: invalid state")
	ErrUndeclaredAction = errorFlag("channel: undeclared action")
	ErrChainBroken      = errorFlag("channel: event chain broken")
	ErrStopped          = errorFlag("channel: engine stopped")
	ErrNotFound         = errorFlag("channel: snapshot not found")
	noError             = errorFlag("")
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
// flag may belong to another package, eg dispatch.ErrChannelClosed.
func flagError(flag error, cause error, msg string, args ...any) error {
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

// Error codes carried in error Event Data.
const (
	CodeValidation          = "ValidationError"
	CodeInvalidPeerInfo     = "InvalidPeerInfo"
	CodeReceiptCreation     = "ReceiptCreationError"
	CodeReceiptVerification = "ReceiptVerificationError"
	CodeRequestTimeout      = "RequestTimeout"
	CodeChannelClosed       = "ChannelClosed"
	CodeTransport           = "UnexpectedTransportError"
	CodePeer                = "PeerError"
	CodeUnknown             = "Error"
)

// ErrorCode classifies err for error Events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, event.ErrValidation), errors.Is(err, event.ErrInvalidEventShape):
		return CodeValidation
	case errors.Is(err, peer.ErrInvalidPeerInfo):
		return CodeInvalidPeerInfo
	case errors.Is(err, receipt.ErrReceiptCreation):
		return CodeReceiptCreation
	case errors.Is(err, receipt.ErrReceiptVerification):
		return CodeReceiptVerification
	case errors.Is(err, dispatch.ErrRequestTimeout):
		return CodeRequestTimeout
	case errors.Is(err, dispatch.ErrChannelClosed), errors.Is(err, ErrInvalidState):
		return CodeChannelClosed
	case errors.Is(err, dispatch.ErrTransport):
		return CodeTransport
	case errors.Is(err, dispatch.ErrPeer):
		return CodePeer
	}
	return CodeUnknown
}

// errorSummary returns the first line of err message, without source location.
func errorSummary(err error) string {
	msg, _, _ := strings.Cut(err.Error(), "\n")
	return msg
}
