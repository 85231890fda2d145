// Package errorf provides formatted, wrapped error construction helpers used
// throughout the worker in place of ad-hoc fmt.Errorf calls.
package errorf

import "fmt"

// E formats a new error in the style of fmt.Errorf, without requiring the
// caller to remember %w versus %v.
func E(format string, a ...any) error { return fmt.Errorf(format, a...) }

// W wraps a plain string as an error, for call sites that already have a
// rendered message (for example from a normalize/reason helper).
func W(s string) error { return fmt.Errorf("%s", s) }
