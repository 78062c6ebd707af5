package iosocket

import (
	"errors"

	"github.com/meigma/iosocket/stream"
)

var (
	// ErrInvalidArgument is returned when a required argument is nil.
	// It indicates a programming error; no I/O has happened.
	ErrInvalidArgument = errors.New("iosocket: invalid argument")

	// ErrNotConnected is returned by PeerTarget when a socket has no peer.
	ErrNotConnected = errors.New("iosocket: not connected")
)

// InputError marks a failure of the input side of a copy: connecting the
// sockets, creating, reading, or closing the input stream.
//
// Failures of the output side are returned unwrapped, so callers can tell
// whether to retry with a different source or a different destination.
type InputError = stream.InputError

// IsInputError reports whether err is, or wraps, an [InputError].
func IsInputError(err error) bool {
	return stream.IsInputError(err)
}
