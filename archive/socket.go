package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/iosocket"
)

// NewInputSocket returns a socket reading the named entry of a.
//
// Readers return the uncompressed content and verify its digest at the end
// of the stream. If the connected peer target is an Entry with the same
// compression as the stored entry, readers return the stored bytes as is.
func NewInputSocket[PT any](a *Archive, name string) *iosocket.InputSocket[Entry, PT] {
	return iosocket.NewInputSocket[Entry, PT](&entryReader[PT]{archive: a, name: name})
}

// NewOutputSocket returns a socket writing the named entry of a.
//
// Writers compress the content with the archive's compression and publish
// the entry when closed. If the connected peer target is an Entry with the
// same compression, writers store the incoming bytes as they are and adopt
// the peer's size and digest.
func NewOutputSocket[PT any](a *Archive, name string) *iosocket.OutputSocket[Entry, PT] {
	return iosocket.NewOutputSocket[Entry, PT](&entryWriter[PT]{archive: a, name: name})
}

// samePeer returns the peer target if it is an Entry stored with compression c.
func samePeer[PT any](c Compression, peer func() (PT, error)) (Entry, bool) {
	if c == CompressionNone {
		return Entry{}, false
	}
	pt, err := peer()
	if err != nil {
		return Entry{}, false
	}
	e, ok := any(pt).(Entry)
	if !ok || e.Compression != c {
		return Entry{}, false
	}
	return e, true
}

type entryReader[PT any] struct {
	archive *Archive
	name    string
}

func (f *entryReader[PT]) LocalTarget() (Entry, error) {
	rec, err := f.archive.lookup("stat", f.name)
	if err != nil {
		return Entry{}, err
	}
	return rec.entry, nil
}

func (f *entryReader[PT]) NewReader(s *iosocket.InputSocket[Entry, PT]) (io.ReadCloser, error) {
	rec, err := f.archive.lookup("open", f.name)
	if err != nil {
		return nil, err
	}
	if _, ok := samePeer(rec.entry.Compression, s.PeerTarget); ok {
		f.archive.log().Debug("reading stored entry", "entry", f.name, "compression", rec.entry.Compression)
		return io.NopCloser(bytes.NewReader(rec.data)), nil
	}

	switch rec.entry.Compression {
	case CompressionNone:
		return newVerifyReader(bytes.NewReader(rec.data), rec.entry, func() {}, false), nil
	case CompressionZstd:
		dec, release, err := f.archive.pool.Decoder(bytes.NewReader(rec.data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
		}
		return newVerifyReader(dec, rec.entry, release, true), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %d", rec.entry.Compression)
	}
}

// verifyReader checks size and digest of the content when reaching EOF.
// Close may be called while a Read is in progress; it waits for the Read to
// return before releasing the decoder.
type verifyReader struct {
	mu         sync.Mutex
	r          io.Reader
	entry      Entry
	verifier   digest.Verifier
	n          int64
	compressed bool
	release    func()
	closed     bool
}

func newVerifyReader(r io.Reader, entry Entry, release func(), compressed bool) *verifyReader {
	v := &verifyReader{r: r, entry: entry, release: release, compressed: compressed}
	if entry.Digest.Validate() == nil {
		v.verifier = entry.Digest.Verifier()
	}
	return v
}

func (v *verifyReader) Read(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, fs.ErrClosed
	}
	n, err := v.r.Read(p)
	if n > 0 {
		v.n += int64(n)
		if v.verifier != nil {
			_, _ = v.verifier.Write(p[:n]) //nolint:errcheck // hash writes never fail
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		if v.n != v.entry.Size {
			return n, fmt.Errorf("read %s: size mismatch (%d of %d bytes)", v.entry.Name, v.n, v.entry.Size)
		}
		if v.verifier != nil && !v.verifier.Verified() {
			return n, fmt.Errorf("read %s: %w", v.entry.Name, ErrDigestMismatch)
		}
		return n, io.EOF
	case err != nil && v.compressed:
		return n, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	return n, err
}

// Close releases the decoder. It is safe to call more than once.
func (v *verifyReader) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.release()
	return nil
}

type entryWriter[PT any] struct {
	archive *Archive
	name    string
}

// LocalTarget describes the entry as it will be written.
func (f *entryWriter[PT]) LocalTarget() (Entry, error) {
	if !fs.ValidPath(f.name) {
		return Entry{}, &fs.PathError{Op: "stat", Path: f.name, Err: fs.ErrInvalid}
	}
	return Entry{Name: f.name, Compression: f.archive.compression}, nil
}

func (f *entryWriter[PT]) NewWriter(s *iosocket.OutputSocket[Entry, PT]) (io.WriteCloser, error) {
	if !fs.ValidPath(f.name) {
		return nil, &fs.PathError{Op: "create", Path: f.name, Err: fs.ErrInvalid}
	}
	w := &writer{
		archive:     f.archive,
		name:        f.name,
		compression: f.archive.compression,
		modTime:     peerModTime(s.PeerTarget),
	}

	if peer, ok := samePeer(f.archive.compression, s.PeerTarget); ok {
		f.archive.log().Debug("storing entry as is", "entry", f.name, "from", peer.Name, "compression", peer.Compression)
		w.raw = true
		w.peer = peer
		return w, nil
	}

	w.digester = digest.Canonical.Digester()
	if w.compression == CompressionZstd {
		enc, release, err := f.archive.pool.Encoder(&w.buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompression, err)
		}
		w.enc = enc
		w.release = release
	}
	return w, nil
}

// peerModTime returns the modification time of the peer target if it has
// one, or the current time.
func peerModTime[PT any](peer func() (PT, error)) time.Time {
	pt, err := peer()
	if err == nil {
		switch t := any(pt).(type) {
		case Entry:
			if !t.ModTime.IsZero() {
				return t.ModTime
			}
		case interface{ ModTime() time.Time }:
			if mt := t.ModTime(); !mt.IsZero() {
				return mt
			}
		}
	}
	return time.Now().UTC().Round(0)
}

// writer collects an entry and publishes it to the archive on Close.
type writer struct {
	archive     *Archive
	name        string
	compression Compression
	modTime     time.Time

	raw  bool
	peer Entry

	buf      bytes.Buffer
	enc      *zstd.Encoder
	release  func()
	digester digest.Digester
	size     int64
	done     bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrClosed
	}
	if w.raw {
		return w.buf.Write(p)
	}
	_, _ = w.digester.Hash().Write(p) //nolint:errcheck // hash writes never fail
	w.size += int64(len(p))
	if w.enc != nil {
		n, err := w.enc.Write(p)
		if err != nil {
			return n, fmt.Errorf("%w: %v", ErrCompression, err)
		}
		return n, nil
	}
	return w.buf.Write(p)
}

// Close flushes the encoder and publishes the entry.
func (w *writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	if w.enc != nil {
		err := w.enc.Close()
		w.release()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCompression, err)
		}
	}

	entry := Entry{
		Name:        w.name,
		Compression: w.compression,
		Size:        w.size,
		StoredSize:  int64(w.buf.Len()),
		ModTime:     w.modTime,
	}
	if w.raw {
		entry.Size = w.peer.Size
		entry.Digest = w.peer.Digest
	} else {
		entry.Digest = w.digester.Digest()
	}

	w.archive.put(&record{entry: entry, data: w.buf.Bytes()})
	w.archive.log().Debug("entry written", "entry", w.name, "size", entry.Size, "stored", entry.StoredSize)
	return nil
}

// Discard drops the entry, leaving the archive unchanged.
func (w *writer) Discard() error {
	if w.done {
		return nil
	}
	w.done = true
	if w.enc != nil {
		w.release()
	}
	w.buf.Reset()
	return nil
}
