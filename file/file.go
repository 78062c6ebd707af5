// Package file provides sockets for regular files below a directory.
//
// All paths are resolved through an [os.Root], so sockets cannot reach files
// outside the directory. Output sockets write to a temporary file next to the
// destination and rename it into place when the stream is closed, so a failed
// copy never leaves a partially written file at the destination.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/meigma/iosocket/internal/platform"
)

var (
	// ErrSymlink is returned when an input path is a symbolic link.
	ErrSymlink = platform.ErrSymlink

	// ErrNotRegular is returned when an input path is not a regular file.
	ErrNotRegular = platform.ErrNotRegular

	// ErrClosed is returned when writing to a closed file writer.
	ErrClosed = errors.New("file: writer closed")
)

// tempPrefix marks temporary files created by output streams.
const tempPrefix = ".iosocket-"

// Target describes a file.
type Target struct {
	// Name is the slash-separated path below the directory.
	Name string
	// Exists reports whether the file existed when the target was taken.
	Exists     bool
	Size       int64
	FileMode   fs.FileMode
	ModifiedAt time.Time
	UID        uint32
	GID        uint32
}

// Mode returns the file mode.
func (t Target) Mode() fs.FileMode {
	return t.FileMode
}

// ModTime returns the modification time.
func (t Target) ModTime() time.Time {
	return t.ModifiedAt
}

// String returns a compact description of the target.
func (t Target) String() string {
	if !t.Exists {
		return t.Name + " (absent)"
	}
	return fmt.Sprintf("%s (%d bytes, %v)", t.Name, t.Size, t.FileMode)
}

// Dir is a directory holding the files sockets read and write.
type Dir struct {
	root          *os.Root
	overwrite     bool
	preserveMode  bool
	preserveTimes bool
	logger        *slog.Logger
}

// Option configures a Dir.
type Option func(*Dir)

// WithOverwrite allows output sockets to replace existing files.
// By default, creating a writer for an existing file fails with fs.ErrExist.
func WithOverwrite(overwrite bool) Option {
	return func(d *Dir) {
		d.overwrite = overwrite
	}
}

// WithPreserveMode applies the peer target's permission bits to written
// files when the peer exposes a Mode() fs.FileMode method.
// By default, files are created with mode 0o644.
func WithPreserveMode(preserve bool) Option {
	return func(d *Dir) {
		d.preserveMode = preserve
	}
}

// WithPreserveTimes applies the peer target's modification time to written
// files when the peer exposes a ModTime() time.Time method.
// By default, files keep the time they were written.
func WithPreserveTimes(preserve bool) Option {
	return func(d *Dir) {
		d.preserveTimes = preserve
	}
}

// WithLogger sets the logger for file operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dir) {
		d.logger = logger
	}
}

// Open opens the directory at path.
func Open(path string, opts ...Option) (*Dir, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	d := &Dir{root: root}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close releases the directory handle. Sockets of d fail after Close.
func (d *Dir) Close() error {
	return d.root.Close()
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.root.Name()
}

// log returns the logger, falling back to a discard logger if nil.
func (d *Dir) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

// stat describes the file at name without following a final symlink.
// A missing file is not an error.
func (d *Dir) stat(name string) (Target, error) {
	if !fs.ValidPath(name) {
		return Target{}, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	info, err := d.root.Lstat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return Target{Name: name}, nil
	}
	if err != nil {
		return Target{}, err
	}
	return targetOf(name, info), nil
}

func targetOf(name string, info fs.FileInfo) Target {
	uid, gid := platform.Owner(info)
	return Target{
		Name:       name,
		Exists:     true,
		Size:       info.Size(),
		FileMode:   info.Mode(),
		ModifiedAt: info.ModTime(),
		UID:        uid,
		GID:        gid,
	}
}
