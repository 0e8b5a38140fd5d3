// Package simlog provides the structured logger shared by every component
// of the simulator.
//
// It pairs github.com/joeycumines/logiface with the
// github.com/joeycumines/stumpy JSON writer backend. simlog.Logger is
// threaded explicitly as a constructor argument rather than held in a
// package-level global: the core has exactly one piece of global mutable
// state (the event engine), and the logger isn't it.
package simlog

import (
	"fmt"
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type threaded through every component.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON to w at the given
// minimum level. Passing a nil w defaults to os.Stderr.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	)
}

// Discard returns a Logger that drops everything. Useful for tests that
// don't want to assert on log output.
func Discard() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}

// Panicf logs msg at Error level with the formatted diagnostic attached,
// then panics with the same message. Used for scheduler-invariant and
// resource-exhaustion failures that must terminate the run with a full
// trace line.
func Panicf(l *Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.Err().Str("diagnostic", msg).Log("fatal simulator invariant violation")
	panic(msg)
}
