package tunnel

import "errors"

// Sentinel errors used across the tunnel core, classified per spec §7:
// I/O errors are returned verbatim (wrapped) from the standard library,
// protocol and authorization errors use the sentinels below so callers
// can classify them with errors.Is.
var (
	// ErrUnknownProfile names the case of a control connection that
	// gives a profile hash that isn't registered. Server answers that
	// case with a Rejection frame and does not return this error.
	ErrUnknownProfile = errors.New("tunnel: unknown profile")

	// ErrSessionExists names the case of a session that already exists
	// for a hash. SessionManager.Spawn does not return it: it terminates
	// the previous session and replaces it.
	ErrSessionExists = errors.New("tunnel: session already exists")

	// ErrSessionNotFound is returned when an operation names a hash with
	// no live session.
	ErrSessionNotFound = errors.New("tunnel: no active session")

	// ErrAuthRejected names the case of a visitor whose Authenticate
	// frame fails to match the profile's configured token hash. Session
	// answers that visitor with a Rejection frame and does not return
	// this error.
	ErrAuthRejected = errors.New("tunnel: visitor authentication rejected")

	// ErrSessionClosed is returned by Session.RequestChannel once
	// shutdown has begun.
	ErrSessionClosed = errors.New("tunnel: session closed")

	// ErrChannelIDCollision signals the fatal invariant violation
	// described in spec §4.3: inserting a channel whose ID already
	// exists in the active-channels map.
	ErrChannelIDCollision = errors.New("tunnel: channel id collision")

	// ErrInvalidProfile is returned by ProfileRegistry.InsertProfile when a
	// Profile fails validation.
	ErrInvalidProfile = errors.New("tunnel: invalid profile")
)
