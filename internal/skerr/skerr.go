// Package skerr wraps errors with the call site so that a returned error can
// be traced back to where it originated, without pulling in a full
// stack-trace library. Mirrors the go.skia.org/infra/go/skerr idiom used
// throughout the teacher codebase (see ctxutil.go, pubsubsource.go).
package skerr

import (
	"errors"
	"fmt"
	"runtime"
)

// withStack decorates an error with the file:line of the Wrap call.
type withStack struct {
	cause error
	frame string
}

func (w *withStack) Error() string {
	return fmt.Sprintf("%s (%s)", w.cause.Error(), w.frame)
}

func (w *withStack) Unwrap() error {
	return w.cause
}

func callerFrame(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Wrap returns an error that carries the caller's location alongside err.
// Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &withStack{cause: err, frame: callerFrame(1)}
}

// Wrapf is like Wrap but prepends a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &withStack{cause: fmt.Errorf(format+": %w", append(args, err)...), frame: callerFrame(1)}
}

// Fmt builds a new error carrying the caller's location, analogous to
// fmt.Errorf but without requiring a wrapped cause.
func Fmt(format string, args ...interface{}) error {
	return &withStack{cause: fmt.Errorf(format, args...), frame: callerFrame(1)}
}

// CallStack returns up to n frames starting `skip` levels above the caller,
// formatted for logging.
func CallStack(n, skip int) []Frame {
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		_, file, line, ok := runtime.Caller(skip + i + 1)
		if !ok {
			break
		}
		frames = append(frames, Frame{File: file, Line: line})
	}
	return frames
}

// Frame is one entry of a call stack.
type Frame struct {
	File string
	Line int
}

func (f Frame) String() string {
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

// Is reports whether err or any error it wraps matches target, delegating to
// the standard library. Re-exported so call sites only need one import when
// combining wrapping and sentinel checks.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
