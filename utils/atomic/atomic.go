// Package atomic re-exports go.uber.org/atomic primitives under this
// module's own import path, matching kwsantiago-orly's utils/atomic
// wrapper convention.
package atomic

import "go.uber.org/atomic"

// Time is a concurrency-safe time.Time value, used for fields such as
// authstore.Record.LastUsed that are written from one goroutine (a
// VerifyAuth call) while read from another (an Export/GetAuthByPubkey
// call) without a surrounding mutex.
type Time = atomic.Time
