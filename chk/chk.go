// Package chk provides the "check and log" idiom used at nearly every
// fallible call site in this module:
//
//	if err = thing(); chk.E(err) {
//	    return
//	}
//
// Each function logs the error (if non-nil) at its named level, with the
// caller's file:line, and returns whether an error was present so it can be
// used directly in an if-statement.
package chk

import (
	"fmt"
	"runtime"

	"hypertuna.dev/log"
)

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "?"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// E logs err at Error level and returns true if err is non-nil.
func E(err error) bool {
	if err == nil {
		return false
	}
	log.E.F("%s: %v", caller(2), err)
	return true
}

// W logs err at Warn level and returns true if err is non-nil.
func W(err error) bool {
	if err == nil {
		return false
	}
	log.W.F("%s: %v", caller(2), err)
	return true
}

// T logs err at Trace level and returns true if err is non-nil. Used for
// errors that are expected in normal operation (a missing optional config
// file, a cache miss) and would be noise at Error level.
func T(err error) bool {
	if err == nil {
		return false
	}
	log.T.F("%s: %v", caller(2), err)
	return true
}

// D logs err at Debug level and returns true if err is non-nil.
func D(err error) bool {
	if err == nil {
		return false
	}
	log.D.F("%s: %v", caller(2), err)
	return true
}
