package utils

import (
	"fmt"
	"path"
	"runtime"
)

// RaisedErr is an error type that tracks where an error was raised.
// Errors returned by the channel code base are RaisedErr instances.
//
// Packages define a private errorFlag type and a set of **constant** flags.
// A flag assigned to a RaisedErr lets callers classify it with errors.Is.
type RaisedErr struct {
	// Flag groups related errors, eg dispatch.ErrRequestTimeout.
	Flag error

	// Cause is the error that caused the RaisedErr{}.
	Cause error

	// Msg describes what happened.
	Msg string

	// Filename is the source file that contains the code that raised the error.
	Filename string

	// Line is the location in Filename of the code that raised the error.
	Line int
}

// Error implements the error interface.
func (self RaisedErr) Error() string {
	if nil == self.Cause {
		return fmt.Sprintf("%s: %s\n  file: %s line: %d", path.Dir(self.Filename), self.Msg, self.Filename, self.Line)
	}
	return fmt.Sprintf("%s: %s\n  file: %s line: %d\n%v", path.Dir(self.Filename), self.Msg, self.Filename, self.Line, self.Cause)
}

// Unwrap returns a slice that contains the Flag & Cause of the RaisedErr.
func (self RaisedErr) Unwrap() []error {
	rv := make([]error, 0, 2)
	if nil != self.Flag {
		rv = append(rv, self.Flag)
	}
	if nil != self.Cause {
		rv = append(rv, self.Cause)
	}
	return rv
}

// NewError returns a RaisedErr{} that contains file & line of where it was called.
//
// skip controls Caller frame resolution, if you are calling NewError directly set skip to 0,
// if you are calling NewError from an intermediary newError function set skip to 1...
func NewError(skip int, flag error, msg string, args ...any) error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	err := RaisedErr{Flag: flag, Msg: msg}
	addCallerFileLine(skip, &err)
	return err
}

// WrapError returns a RaisedErr{} that contains file & line of where it was called.
// If cause is nil, WrapError returns nil.
//
// skip controls Caller frame resolution, see NewError.
func WrapError(cause error, skip int, flag error, msg string, args ...any) error {
	if nil == cause {
		return nil
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	err := RaisedErr{Flag: flag, Cause: cause, Msg: msg}
	addCallerFileLine(skip, &err)
	return err
}

func addCallerFileLine(skip int, err *RaisedErr) {
	_, filename, line, ok := runtime.Caller(2 + skip)
	dirname, filename := path.Split(filename)
	if ok {
		err.Filename = path.Join(path.Base(dirname), filename)
		err.Line = line
	}
}
