// Package version carries the build version string, overridable at link
// time with -ldflags "-X hypertuna.dev/version.V=...".
package version

// V is the running version of the worker.
var V = "v0.1.0-dev"

// Description is the worker's one-line description. Neither the NIP-11 info
// document nor the --help output includes it.
const Description = "hypertuna relay worker: a peer-to-peer group-messaging relay and gateway"
