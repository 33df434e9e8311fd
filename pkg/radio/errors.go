package radio

import "errors"

var (
	// ErrUnavailable means there is no radio or it is switched off.
	ErrUnavailable = errors.New("radio medium unavailable")
	// ErrPermissionDenied means the host has not granted radio access.
	ErrPermissionDenied = errors.New("radio permission denied")

	ErrUnsupported         = errors.New("radio feature unsupported")
	ErrTooLarge            = errors.New("frame exceeds broadcast payload limit")
	ErrTooManyBroadcasters = errors.New("too many concurrent broadcasters")
	ErrInternal            = errors.New("radio internal error")
	ErrBusy                = errors.New("radio stack busy")
	ErrNotConnected        = errors.New("peer not connected")
	ErrUnknownPeer         = errors.New("unknown peer")
	ErrClosed              = errors.New("connection closed")
)

// IsHostActionable reports errors that need the host to intervene
// (switch the radio on, grant a permission).
func IsHostActionable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrPermissionDenied)
}

// IsContention reports transient failures caused by a crowded radio stack.
func IsContention(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrTooManyBroadcasters)
}
