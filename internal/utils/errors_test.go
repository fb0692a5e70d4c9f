package utils

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestErrorNew(t *testing.T) {
	err := openChannel()
	t.Logf("err -> %v", err)
	if !errors.Is(err, PkgBaseError) {
		t.Error("Oops, err is not PkgBaseError")
	}
	raised, ok := err.(RaisedErr)
	if !ok {
		t.Fatal("Oops, can not cast err to RaisedErr")
	}
	if !strings.HasSuffix(raised.Filename, "errors_test.go") {
		t.Errorf("failed Filename control, got %s", raised.Filename)
	}
	if raised.Line <= 0 {
		t.Errorf("failed Line control, got %d", raised.Line)
	}
}

func TestErrorWrap(t *testing.T) {
	err := readEvent()
	t.Logf("err -> %v", err)
	if !errors.Is(err, PkgBaseError) {
		t.Error("Oops, err is not PkgBaseError")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("Oops, err is not an io.EOF")
	}
}

func TestErrorFlag(t *testing.T) {
	err := waitConfirm()
	if !errors.Is(err, PkgTimeoutError) {
		t.Error("Oops, err is not PkgTimeoutError")
	}
	if !errors.Is(err, PkgBaseError) {
		t.Error("Oops, PkgTimeoutError does not unwrap to PkgBaseError")
	}
}

func TestErrorWrapNil(t *testing.T) {
	err := WrapError(nil, 0, PkgBaseError, "never raised")
	if nil != err {
		t.Errorf("failed nil cause control, got %v", err)
	}
}

// ---
// Below definitions show how RaisedErr is intended to be used in practice.

// first we define an error type for package error flags
type errorFlag string

// and then the package flag error constants
const (
	PkgBaseError    = errorFlag("utils: error")
	PkgTimeoutError = errorFlag("utils: timeout")
	noError         = errorFlag("")
)

func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if noError == self || PkgBaseError == self {
		return nil
	}
	return PkgBaseError
}

// then we define newError & wrapError to be used for all package errors...

func newError(msg string, args ...any) error {
	return NewError(1, PkgBaseError, msg, args...)
}

func wrapError(cause error, msg string, args ...any) error {
	return WrapError(cause, 1, PkgBaseError, msg, args...)
}

func openChannel() error {
	return newError("channel %s is closed", "chan-1")
}

func readEvent() error {
	return wrapError(io.EOF, "can not read event from %s", "pipe")
}

func waitConfirm() error {
	return NewError(0, PkgTimeoutError, "no confirm after %d retries", 2)
}
