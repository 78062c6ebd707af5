// Package archive provides sockets for entries of an in-memory archive whose
// entries may be stored zstd-compressed.
//
// When an entry is copied between two archives that use the same
// compression, the input and output sockets see each other's entry through
// the socket connection and transfer the stored bytes as they are, without
// decompressing and recompressing them.
package archive

import (
	"errors"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/iosocket/internal/zstdpool"
)

// DefaultMaxDecoderMemory is the default maximum decoder memory (256MB).
const DefaultMaxDecoderMemory = 256 << 20

var (
	// ErrDigestMismatch is returned when entry content does not match its digest.
	ErrDigestMismatch = errors.New("archive: digest mismatch")

	// ErrDecompression is returned when decompression fails.
	ErrDecompression = errors.New("archive: decompression failed")

	// ErrCompression is returned when compression fails.
	ErrCompression = errors.New("archive: compression failed")

	// ErrInvalidImage is returned when an archive image cannot be loaded.
	ErrInvalidImage = errors.New("archive: invalid image")

	// ErrClosed is returned when writing to a closed entry writer.
	ErrClosed = errors.New("archive: writer closed")
)

// Compression identifies how an entry is stored.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// String returns the human-readable name of the compression algorithm.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Entry describes an archive entry.
type Entry struct {
	// Name is the slash-separated path of the entry.
	Name string
	// Compression is the encoding of the stored bytes.
	Compression Compression
	// Size is the uncompressed size in bytes.
	Size int64
	// StoredSize is the size of the stored bytes.
	StoredSize int64
	// Digest is the digest of the uncompressed content.
	Digest digest.Digest
	// ModTime is the modification time of the content.
	ModTime time.Time
}

type record struct {
	entry Entry
	data  []byte
}

// Archive is a set of named entries.
//
// Archive is safe for concurrent use. Entries are replaced atomically when
// an output stream is closed.
type Archive struct {
	mu          sync.RWMutex
	entries     map[string]*record
	compression Compression
	level       zstd.EncoderLevel
	maxDecMem   uint64
	pool        *zstdpool.Pool
	logger      *slog.Logger
}

// Option configures an Archive.
type Option func(*Archive)

// WithCompression sets the compression for entries written to the archive.
// The default is CompressionZstd.
func WithCompression(c Compression) Option {
	return func(a *Archive) {
		a.compression = c
	}
}

// WithEncoderLevel sets the zstd level for entries written to the archive.
func WithEncoderLevel(level zstd.EncoderLevel) Option {
	return func(a *Archive) {
		a.level = level
	}
}

// WithMaxDecoderMemory sets the maximum decoder memory limit.
// Set to 0 to disable the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(a *Archive) {
		a.maxDecMem = limit
	}
}

// WithLogger sets the logger for archive operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// New creates an empty archive.
func New(opts ...Option) *Archive {
	a := &Archive{
		entries:     make(map[string]*record),
		compression: CompressionZstd,
		level:       zstd.SpeedDefault,
		maxDecMem:   DefaultMaxDecoderMemory,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.pool = zstdpool.New(
		zstdpool.WithEncoderLevel(a.level),
		zstdpool.WithMaxDecoderMemory(a.maxDecMem),
	)
	return a
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// Compression returns the compression used for new entries.
func (a *Archive) Compression() Compression {
	return a.compression
}

// Entry returns the entry with the given name.
func (a *Archive) Entry(name string) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.entries[name]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// Entries returns all entries sorted by name.
func (a *Archive) Entries() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	recs := a.sorted()
	entries := make([]Entry, len(recs))
	for i, rec := range recs {
		entries[i] = rec.entry
	}
	return entries
}

// sorted returns the records ordered by name. The caller must hold a.mu.
func (a *Archive) sorted() []*record {
	recs := make([]*record, 0, len(a.entries))
	for _, rec := range a.entries {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(x, y *record) int {
		return strings.Compare(x.entry.Name, y.entry.Name)
	})
	return recs
}

// Len returns the number of entries.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Raw returns a copy of the stored bytes of an entry.
func (a *Archive) Raw(name string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.entries[name]
	if !ok {
		return nil, false
	}
	return slices.Clone(rec.data), true
}

// Remove deletes an entry. It reports whether the entry existed.
func (a *Archive) Remove(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.entries[name]
	delete(a.entries, name)
	return ok
}

// lookup returns the record of an existing entry.
func (a *Archive) lookup(op, name string) (*record, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.entries[name]
	if !ok {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return rec, nil
}

// put publishes a record, replacing any entry of the same name.
func (a *Archive) put(rec *record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[rec.entry.Name] = rec
}
