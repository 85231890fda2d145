// Package ctxutil re-exports context.Context/CancelFunc under the short
// aliases used across this module's signatures, and provides the handful of
// constructors the worker needs at startup and shutdown.
package ctxutil

import (
	"context"
	"time"
)

// T is a context.Context, aliased for brevity at call sites.
type T = context.Context

// F is a context.CancelFunc.
type F = context.CancelFunc

// Bg returns context.Background().
func Bg() T { return context.Background() }

// Cancel returns a child of ctx along with a function that cancels it.
func Cancel(ctx T) (T, F) { return context.WithCancel(ctx) }

// Timeout returns a child of ctx that is cancelled automatically after d
// elapses, or earlier via the returned CancelFunc.
func Timeout(ctx T, d time.Duration) (T, F) { return context.WithTimeout(ctx, d) }
