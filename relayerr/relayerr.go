// Package relayerr implements the error taxonomy of spec.md §7 as a closed
// set of Kind values wrapped in a single *Error type, so call sites can
// branch on Kind with relayerr.Is instead of string-matching messages.
package relayerr

import "fmt"

// Kind identifies one of the error categories of spec.md §7. It deliberately
// names a category, not a Go type, so the taxonomy stays stable even as the
// underlying cause varies.
type Kind string

const (
	EventMalformed        Kind = "event_malformed"
	EventSignatureInvalid Kind = "event_signature_invalid"
	AuthFailed            Kind = "auth_failed"
	AuthExpired           Kind = "auth_expired"
	AuthRevoked           Kind = "auth_revoked"
	PublishTimeout        Kind = "publish_timeout"
	PublishRejected       Kind = "publish_rejected"
	RelayUnavailable      Kind = "relay_unavailable"
	ChallengeExpired      Kind = "challenge_expired"
	ChallengeMaxAttempts  Kind = "challenge_max_attempts"
	MirrorError           Kind = "mirror_error"
	ConfigInvalid         Kind = "config_invalid"
)

// Error is a taxonomy-tagged error. Msg carries any free-form detail (for
// example the relay URL for AuthFailed, or the relay's stated reason for
// PublishRejected); Cause wraps an underlying error where one exists.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err is a *Error of the given kind (not the standard
// errors.Is predicate shape, since Kind is a value not an error -- callers
// compare with relayerr.Is(err, relayerr.AuthFailed)).
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
