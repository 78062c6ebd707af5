// Package testutil provides fault-injecting streams and socket factories for
// tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// Data returns n bytes of deterministic pseudo-random content for seed.
func Data(n int, seed uint64) []byte {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:], seed)
	data := make([]byte, n)
	_, _ = rand.NewChaCha8(key).Read(data) //nolint:errcheck // ChaCha8.Read never fails
	return data
}

// Text returns n bytes of compressible text content.
func Text(n int) []byte {
	const line = "the quick brown fox jumps over the lazy dog\n"
	return bytes.Repeat([]byte(line), n/len(line)+1)[:n]
}

// Reader is an io.ReadCloser over a byte slice that records Close calls and
// can inject failures.
type Reader struct {
	r *bytes.Reader

	// ReadErr, if set, is returned once FailAfter bytes have been read.
	ReadErr   error
	FailAfter int64
	// CloseErr is returned by every Close call.
	CloseErr error

	read   atomic.Int64
	closes atomic.Int32
}

// NewReader returns a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{r: bytes.NewReader(data)}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.ReadErr != nil {
		remaining := r.FailAfter - r.read.Load()
		if remaining <= 0 {
			return 0, r.ReadErr
		}
		if int64(len(p)) > remaining {
			p = p[:remaining]
		}
	}
	n, err := r.r.Read(p)
	r.read.Add(int64(n))
	return n, err
}

// Close implements io.Closer.
func (r *Reader) Close() error {
	r.closes.Add(1)
	return r.CloseErr
}

// Closes returns the number of Close calls.
func (r *Reader) Closes() int {
	return int(r.closes.Load())
}

// Writer is an io.WriteCloser collecting written bytes that records Close
// calls and can inject failures.
type Writer struct {
	mu  sync.Mutex
	buf bytes.Buffer

	// WriteErr, if set, is returned once FailAfter bytes have been written.
	WriteErr  error
	FailAfter int64
	// CloseErr is returned by every Close call.
	CloseErr error

	closes atomic.Int32
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.WriteErr != nil && int64(w.buf.Len())+int64(len(p)) > w.FailAfter {
		return 0, w.WriteErr
	}
	return w.buf.Write(p)
}

// Close implements io.Closer.
func (w *Writer) Close() error {
	w.closes.Add(1)
	return w.CloseErr
}

// Closes returns the number of Close calls.
func (w *Writer) Closes() int {
	return int(w.closes.Load())
}

// Bytes returns a copy of everything written so far.
func (w *Writer) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Clone(w.buf.Bytes())
}

// DiscardWriter is a Writer that also implements Discard.
type DiscardWriter struct {
	*Writer
	discards atomic.Int32
}

// NewDiscardWriter returns an empty DiscardWriter.
func NewDiscardWriter() *DiscardWriter {
	return &DiscardWriter{Writer: NewWriter()}
}

// Discard drops the writer without committing.
func (w *DiscardWriter) Discard() error {
	w.discards.Add(1)
	return nil
}

// Discards returns the number of Discard calls.
func (w *DiscardWriter) Discards() int {
	return int(w.discards.Load())
}

// BlockingReader returns a prefix and then blocks in Read until it is closed.
type BlockingReader struct {
	prefix *bytes.Reader
	once   sync.Once
	closed chan struct{}
}

// NewBlockingReader returns a reader that yields prefix, then blocks until Close.
func NewBlockingReader(prefix []byte) *BlockingReader {
	return &BlockingReader{
		prefix: bytes.NewReader(prefix),
		closed: make(chan struct{}),
	}
}

// Read returns the prefix, then blocks until Close is called and returns
// io.ErrClosedPipe.
func (r *BlockingReader) Read(p []byte) (int, error) {
	if r.prefix.Len() > 0 {
		return r.prefix.Read(p)
	}
	<-r.closed
	return 0, io.ErrClosedPipe
}

// Close unblocks pending reads.
func (r *BlockingReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}
