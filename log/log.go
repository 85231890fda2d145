// Package log implements a small leveled, colorized console logger in the
// style used throughout the worker: one package-level Level value per
// severity (log.T, log.D, log.I, log.W, log.E, log.F), each offering F for
// printf-style messages, Ln for space-joined arguments, and C for a lazily
// evaluated closure (useful for debug output that is expensive to build).
package log

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
)

// Level identifies one of the six severities, in increasing order of
// importance.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Fatal
	levelCount
)

var names = [levelCount]string{"trace", "debug", "info", "warn", "error", "fatal"}

var colors = [levelCount]*color.Color{
	color.New(color.FgHiBlack),
	color.New(color.FgCyan),
	color.New(color.FgGreen),
	color.New(color.FgYellow),
	color.New(color.FgRed),
	color.New(color.FgHiRed, color.Bold),
}

// current is the minimum level that will be printed. Defaults to Info.
var current = Info

// SetLevel changes the minimum printed level.
func SetLevel(l Level) { current = l }

// CurrentLevel returns the minimum printed level.
func CurrentLevel() Level { return current }

// L is a single leveled logger endpoint.
type L struct {
	level Level
}

var (
	T = &L{Trace}
	D = &L{Debug}
	I = &L{Info}
	W = &L{Warn}
	E = &L{Error}
	F = &L{Fatal}
)

func (l *L) enabled() bool { return l.level >= current }

func (l *L) prefix() string {
	return colors[l.level].Sprintf("%s [%-5s]", time.Now().Format("15:04:05.000"), names[l.level])
}

// F prints a printf-style message at this level.
func (l *L) F(format string, a ...any) {
	if !l.enabled() {
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", l.prefix(), fmt.Sprintf(format, a...))
	if l.level == Fatal {
		os.Exit(1)
	}
}

// Ln prints its arguments space-joined, in the manner of fmt.Println, at
// this level.
func (l *L) Ln(a ...any) {
	if !l.enabled() {
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", l.prefix(), fmt.Sprintln(a...))
	if l.level == Fatal {
		os.Exit(1)
	}
}

// C prints the result of a closure, which is only invoked if this level is
// enabled -- use for debug/trace messages whose construction is expensive.
func (l *L) C(fn func() string) {
	if !l.enabled() {
		return
	}
	l.Ln(fn())
}

// S prints its arguments with %+v (field names included), for ad-hoc
// inspection.
func (l *L) S(a ...any) {
	if !l.enabled() {
		return
	}
	fmt.Fprintf(os.Stderr, "%s %+v\n", l.prefix(), a)
}

// Err formats and returns an error at this level, also printing it.
func (l *L) Err(format string, a ...any) error {
	msg := fmt.Sprintf(format, a...)
	l.F("%s", msg)
	return fmt.Errorf("%s", msg)
}
