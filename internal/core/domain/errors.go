package domain

import "errors"

var (
	ErrMalformedMessage  = errors.New("malformed signaling message")
	ErrUnexpectedKind    = errors.New("unexpected signaling message kind")
	ErrInvalidPath       = errors.New("invalid signaling path")
	ErrStaleDescription  = errors.New("stale session description")
	ErrGlare             = errors.New("offer received while renegotiating")
	ErrSessionClosed     = errors.New("peer session closed")
	ErrChannelClosed     = errors.New("signaling channel closed")
	ErrSupervisorStopped = errors.New("supervisor stopped")
	ErrAlreadyStarted    = errors.New("supervisor already started")
	ErrNotWatching       = errors.New("participant not watched")

	// Capability errors are fatal to session establishment and never retried.
	ErrNoCamera     = errors.New("no camera available")
	ErrNoMicrophone = errors.New("no microphone available")
	ErrScreenDenied = errors.New("screen share permission denied")
	ErrScreenScope  = errors.New("screen share must capture the entire display")
)

// IsCapabilityError reports whether err is one of the capture capability errors.
func IsCapabilityError(err error) bool {
	return errors.Is(err, ErrNoCamera) ||
		errors.Is(err, ErrNoMicrophone) ||
		errors.Is(err, ErrScreenDenied) ||
		errors.Is(err, ErrScreenScope)
}
