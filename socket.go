package iosocket

import (
	"fmt"
	"io"
)

// Socket does I/O on a local target and may be connected to a peer socket.
//
// LT is the type of the local target, PT the type of the peer target. Target
// accessors may fail with an I/O error and may return a different value on
// each call; callers must not mutate returned targets.
type Socket[LT, PT any] interface {
	// LocalTarget returns the target this socket does I/O on.
	LocalTarget() (LT, error)

	// PeerTarget returns the local target of the connected peer socket.
	// It returns ErrNotConnected if there is no peer.
	PeerTarget() (PT, error)

	fmt.Stringer
}

// InputFactory supplies the local target and the input streams of an
// [InputSocket].
//
// NewReader may call s.PeerTarget to select an optimized path for the
// connected peer, e.g. returning still-compressed bytes when the peer stores
// the same encoding.
type InputFactory[LT, PT any] interface {
	LocalTarget() (LT, error)
	NewReader(s *InputSocket[LT, PT]) (io.ReadCloser, error)
}

// OutputFactory supplies the local target and the output streams of an
// [OutputSocket].
//
// NewWriter may call s.PeerTarget to learn about the content it is going to
// receive.
type OutputFactory[LT, PT any] interface {
	LocalTarget() (LT, error)
	NewWriter(s *OutputSocket[LT, PT]) (io.WriteCloser, error)
}

// noCompare makes a struct type incomparable.
type noCompare [0]func()

// connection is the cell shared by both sockets of a pairing.
type connection[I, O any] struct {
	input  *InputSocket[I, O]
	output *OutputSocket[O, I]
}

// release detaches both sockets from the connection.
func (c *connection[I, O]) release() {
	if c.input != nil && c.input.conn == c {
		c.input.conn = nil
	}
	if c.output != nil && c.output.conn == c {
		c.output.conn = nil
	}
	c.input, c.output = nil, nil
}

// connect pairs input with output, dropping any previous pairing of either.
func connect[I, O any](input *InputSocket[I, O], output *OutputSocket[O, I]) {
	if input.conn != nil {
		input.conn.release()
	}
	if output == nil {
		return
	}
	if output.conn != nil {
		output.conn.release()
	}
	c := &connection[I, O]{input: input, output: output}
	input.conn = c
	output.conn = c
}

// InputSocket is a socket whose local target is read from.
//
// Sockets are compared by identity only: two sockets are equal if and only if
// they are the same pointer. A socket is not safe for concurrent use; a socket
// taking part in a [Copy] must not be used elsewhere until Copy returns.
type InputSocket[LT, PT any] struct {
	_       noCompare
	factory InputFactory[LT, PT]
	conn    *connection[LT, PT]
}

// NewInputSocket returns a new, unconnected input socket backed by factory.
func NewInputSocket[LT, PT any](factory InputFactory[LT, PT]) *InputSocket[LT, PT] {
	return &InputSocket[LT, PT]{factory: factory}
}

// LocalTarget returns the target this socket reads from.
func (s *InputSocket[LT, PT]) LocalTarget() (LT, error) {
	return s.factory.LocalTarget()
}

// PeerTarget returns the local target of the connected output socket.
func (s *InputSocket[LT, PT]) PeerTarget() (PT, error) {
	if s.conn == nil || s.conn.output == nil {
		var zero PT
		return zero, ErrNotConnected
	}
	return s.conn.output.LocalTarget()
}

// Peer returns the connected output socket, or nil.
func (s *InputSocket[LT, PT]) Peer() *OutputSocket[PT, LT] {
	if s.conn == nil {
		return nil
	}
	return s.conn.output
}

// Connect drops any existing connection of s and of peer and connects s to
// peer. The connection is visible from both sockets. A nil peer disconnects s.
//
// Connect does no I/O. It returns s.
func (s *InputSocket[LT, PT]) Connect(peer *OutputSocket[PT, LT]) *InputSocket[LT, PT] {
	connect(s, peer)
	return s
}

// NewReader returns a new stream reading the local target.
// The caller must close it.
func (s *InputSocket[LT, PT]) NewReader() (io.ReadCloser, error) {
	return s.factory.NewReader(s)
}

// String describes the socket and its targets. It never fails: a target
// that cannot be obtained is described by the error instead.
func (s *InputSocket[LT, PT]) String() string {
	return describe(s.factory, s.LocalTarget, s.PeerTarget)
}

// OutputSocket is a socket whose local target is written to.
//
// The identity and concurrency rules of [InputSocket] apply.
type OutputSocket[LT, PT any] struct {
	_       noCompare
	factory OutputFactory[LT, PT]
	conn    *connection[PT, LT]
}

// NewOutputSocket returns a new, unconnected output socket backed by factory.
func NewOutputSocket[LT, PT any](factory OutputFactory[LT, PT]) *OutputSocket[LT, PT] {
	return &OutputSocket[LT, PT]{factory: factory}
}

// LocalTarget returns the target this socket writes to.
func (s *OutputSocket[LT, PT]) LocalTarget() (LT, error) {
	return s.factory.LocalTarget()
}

// PeerTarget returns the local target of the connected input socket.
func (s *OutputSocket[LT, PT]) PeerTarget() (PT, error) {
	if s.conn == nil || s.conn.input == nil {
		var zero PT
		return zero, ErrNotConnected
	}
	return s.conn.input.LocalTarget()
}

// Peer returns the connected input socket, or nil.
func (s *OutputSocket[LT, PT]) Peer() *InputSocket[PT, LT] {
	if s.conn == nil {
		return nil
	}
	return s.conn.input
}

// Connect drops any existing connection of s and of peer and connects s to
// peer. The connection is visible from both sockets. A nil peer disconnects s.
//
// Connect does no I/O. It returns s.
func (s *OutputSocket[LT, PT]) Connect(peer *InputSocket[PT, LT]) *OutputSocket[LT, PT] {
	if peer == nil {
		if s.conn != nil {
			s.conn.release()
		}
		return s
	}
	connect(peer, s)
	return s
}

// NewWriter returns a new stream writing the local target.
// The caller must close it.
func (s *OutputSocket[LT, PT]) NewWriter() (io.WriteCloser, error) {
	return s.factory.NewWriter(s)
}

// String describes the socket and its targets. It never fails: a target
// that cannot be obtained is described by the error instead.
func (s *OutputSocket[LT, PT]) String() string {
	return describe(s.factory, s.LocalTarget, s.PeerTarget)
}

// Same reports whether a and b are the same socket.
func Same[LT, PT any](a, b Socket[LT, PT]) bool {
	return a == b
}

// describe renders impl's type name with both targets, substituting the
// failure for any target that cannot be obtained.
func describe[LT, PT any](impl any, local func() (LT, error), peer func() (PT, error)) string {
	return fmt.Sprintf("%T[localTarget=%v, peerTarget=%v]", impl, target(local), target(peer))
}

// target calls get and returns the target, or the failure in its place.
func target[T any](get func() (T, error)) (v any) {
	defer func() {
		if r := recover(); r != nil {
			v = fmt.Errorf("panic: %v", r)
		}
	}()
	t, err := get()
	if err != nil {
		return err
	}
	return t
}
