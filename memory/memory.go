// Package memory provides sockets for named in-memory buffers.
package memory

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/meigma/iosocket"
)

// ErrClosed is returned when writing to a closed buffer writer.
var ErrClosed = errors.New("memory: writer closed")

// Info describes a buffer.
type Info struct {
	Name string
	Size int64
}

// Buffer is a named, growable byte slice.
//
// Buffer is safe for concurrent use. Writers replace the content atomically
// when they are closed.
type Buffer struct {
	mu   sync.RWMutex
	name string
	data []byte
}

// NewBuffer returns a buffer holding a copy of data.
func NewBuffer(name string, data []byte) *Buffer {
	return &Buffer{name: name, data: bytes.Clone(data)}
}

// Name returns the buffer name.
func (b *Buffer) Name() string {
	return b.name
}

// Bytes returns a copy of the buffer content.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bytes.Clone(b.data)
}

// Info returns a fresh description of the buffer.
func (b *Buffer) Info() Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Info{Name: b.name, Size: int64(len(b.data))}
}

func (b *Buffer) snapshot() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data
}

func (b *Buffer) replace(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = data
}

// NewInputSocket returns a socket reading b.
// PT is the local target type of the output sockets it will be connected to.
func NewInputSocket[PT any](b *Buffer) *iosocket.InputSocket[Info, PT] {
	return iosocket.NewInputSocket[Info, PT](&bufferReader[PT]{buf: b})
}

// NewOutputSocket returns a socket writing b.
// PT is the local target type of the input sockets it will be connected to.
func NewOutputSocket[PT any](b *Buffer) *iosocket.OutputSocket[Info, PT] {
	return iosocket.NewOutputSocket[Info, PT](&bufferWriter[PT]{buf: b})
}

type bufferReader[PT any] struct {
	buf *Buffer
}

func (f *bufferReader[PT]) LocalTarget() (Info, error) {
	return f.buf.Info(), nil
}

func (f *bufferReader[PT]) NewReader(*iosocket.InputSocket[Info, PT]) (io.ReadCloser, error) {
	// Writers never modify a published slice, so the snapshot stays stable.
	return io.NopCloser(bytes.NewReader(f.buf.snapshot())), nil
}

type bufferWriter[PT any] struct {
	buf *Buffer
}

func (f *bufferWriter[PT]) LocalTarget() (Info, error) {
	return f.buf.Info(), nil
}

func (f *bufferWriter[PT]) NewWriter(*iosocket.OutputSocket[Info, PT]) (io.WriteCloser, error) {
	return &writer{buf: f.buf}, nil
}

// writer collects content and publishes it to the buffer on Close.
type writer struct {
	buf    *Buffer
	data   bytes.Buffer
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	return w.data.Write(p)
}

// Close publishes the written content.
func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.buf.replace(bytes.Clone(w.data.Bytes()))
	return nil
}

// Discard drops the written content, leaving the buffer unchanged.
func (w *writer) Discard() error {
	w.closed = true
	w.data.Reset()
	return nil
}
