// Package stargz provides input sockets for regular files of an eStargz
// layer.
//
// Layers compressed with gzip and with zstd:chunked are supported. Entry
// content is verified against the digest recorded in the layer's table of
// contents while it is read.
package stargz

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/containerd/stargz-snapshotter/estargz"
	"github.com/containerd/stargz-snapshotter/estargz/zstdchunked"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/iosocket"
)

var (
	// ErrNotRegular is returned when an entry is not a regular file.
	ErrNotRegular = errors.New("stargz: not a regular file")

	// ErrDigestMismatch is returned when entry content does not match the
	// digest in the table of contents.
	ErrDigestMismatch = errors.New("stargz: digest mismatch")

	// ErrInvalidLayer is returned when a layer cannot be opened.
	ErrInvalidLayer = errors.New("stargz: invalid layer")
)

// Entry describes a regular file of a layer.
type Entry struct {
	// Name is the slash-separated path of the file in the layer.
	Name       string
	Size       int64
	Digest     digest.Digest
	FileMode   fs.FileMode
	ModifiedAt time.Time
}

// Mode returns the file mode.
func (e Entry) Mode() fs.FileMode {
	return e.FileMode
}

// ModTime returns the modification time.
func (e Entry) ModTime() time.Time {
	return e.ModifiedAt
}

// Layer is an opened eStargz layer.
type Layer struct {
	r      *estargz.Reader
	logger *slog.Logger
}

// Option configures Open.
type Option func(*layerConfig)

type layerConfig struct {
	tocDigest digest.Digest
	logger    *slog.Logger
}

// WithTOCDigest verifies the table of contents against d when the layer is
// opened, so that entry digests can be trusted.
func WithTOCDigest(d digest.Digest) Option {
	return func(c *layerConfig) {
		c.tocDigest = d
	}
}

// WithLogger sets the logger for layer operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *layerConfig) {
		c.logger = logger
	}
}

// Open opens the layer blob in sr.
func Open(sr *io.SectionReader, opts ...Option) (*Layer, error) {
	var cfg layerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	r, err := estargz.Open(sr, estargz.WithDecompressors(new(zstdchunked.Decompressor)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayer, err)
	}
	if cfg.tocDigest != "" {
		if _, err := r.VerifyTOC(cfg.tocDigest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLayer, err)
		}
	}
	return &Layer{r: r, logger: cfg.logger}, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (l *Layer) log() *slog.Logger {
	if l.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logger
}

// TOCDigest returns the digest of the table of contents.
func (l *Layer) TOCDigest() digest.Digest {
	return l.r.TOCDigest()
}

// Entries returns the regular files of the layer sorted by name.
func (l *Layer) Entries() []Entry {
	root, ok := l.r.Lookup("")
	if !ok {
		return nil
	}
	var entries []Entry
	var walk func(dir string, e *estargz.TOCEntry)
	walk = func(dir string, e *estargz.TOCEntry) {
		e.ForeachChild(func(name string, child *estargz.TOCEntry) bool {
			p := path.Join(dir, name)
			switch child.Type {
			case "dir":
				walk(p, child)
			case "reg":
				if p == estargz.PrefetchLandmark || p == estargz.NoPrefetchLandmark {
					return true
				}
				entries = append(entries, entryOf(p, child))
			}
			return true
		})
	}
	walk("", root)
	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Name, b.Name)
	})
	return entries
}

// Entry returns the regular file at name.
func (l *Layer) Entry(name string) (Entry, error) {
	e, err := l.lookup("stat", name)
	if err != nil {
		return Entry{}, err
	}
	return entryOf(name, e), nil
}

func (l *Layer) lookup(op, name string) (*estargz.TOCEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	e, ok := l.r.Lookup(name)
	if !ok {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	if e.Type != "reg" {
		return nil, &fs.PathError{Op: op, Path: name, Err: ErrNotRegular}
	}
	return e, nil
}

func entryOf(name string, e *estargz.TOCEntry) Entry {
	return Entry{
		Name:       name,
		Size:       e.Size,
		Digest:     digest.Digest(e.Digest),
		FileMode:   e.Stat().Mode(),
		ModifiedAt: e.ModTime(),
	}
}

// NewInputSocket returns a socket reading the named regular file of l.
func NewInputSocket[PT any](l *Layer, name string) *iosocket.InputSocket[Entry, PT] {
	return iosocket.NewInputSocket[Entry, PT](&entryReader[PT]{layer: l, name: name})
}

type entryReader[PT any] struct {
	layer *Layer
	name  string
}

func (f *entryReader[PT]) LocalTarget() (Entry, error) {
	return f.layer.Entry(f.name)
}

func (f *entryReader[PT]) NewReader(*iosocket.InputSocket[Entry, PT]) (io.ReadCloser, error) {
	e, err := f.layer.lookup("open", f.name)
	if err != nil {
		return nil, err
	}
	sr, err := f.layer.r.OpenFile(f.name)
	if err != nil {
		return nil, err
	}
	r := &verifyingReader{r: sr, name: f.name}
	if d := digest.Digest(e.Digest); d.Validate() == nil {
		r.verifier = d.Verifier()
	}
	f.layer.log().Debug("opening entry", "entry", f.name, "size", e.Size)
	return r, nil
}

// verifyingReader checks the digest of the content when reaching EOF.
type verifyingReader struct {
	r        io.Reader
	name     string
	verifier digest.Verifier
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if r.verifier != nil && n > 0 {
		_, _ = r.verifier.Write(p[:n]) //nolint:errcheck // hash writes never fail
	}
	if errors.Is(err, io.EOF) && r.verifier != nil && !r.verifier.Verified() {
		return n, fmt.Errorf("read %s: %w", r.name, ErrDigestMismatch)
	}
	return n, err
}

// Close is a no-op; section readers hold no resources.
func (r *verifyingReader) Close() error {
	return nil
}
