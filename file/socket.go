package file

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/meigma/iosocket"
	"github.com/meigma/iosocket/internal/platform"
)

// NewInputSocket returns a socket reading the named file of d.
func NewInputSocket[PT any](d *Dir, name string) *iosocket.InputSocket[Target, PT] {
	return iosocket.NewInputSocket[Target, PT](&fileReader[PT]{dir: d, name: name})
}

// NewOutputSocket returns a socket writing the named file of d.
func NewOutputSocket[PT any](d *Dir, name string) *iosocket.OutputSocket[Target, PT] {
	return iosocket.NewOutputSocket[Target, PT](&fileWriter[PT]{dir: d, name: name})
}

type fileReader[PT any] struct {
	dir  *Dir
	name string
}

func (f *fileReader[PT]) LocalTarget() (Target, error) {
	t, err := f.dir.stat(f.name)
	if err != nil {
		return Target{}, err
	}
	if !t.Exists {
		return Target{}, &fs.PathError{Op: "stat", Path: f.name, Err: fs.ErrNotExist}
	}
	return t, nil
}

func (f *fileReader[PT]) NewReader(*iosocket.InputSocket[Target, PT]) (io.ReadCloser, error) {
	if !fs.ValidPath(f.name) {
		return nil, &fs.PathError{Op: "open", Path: f.name, Err: fs.ErrInvalid}
	}
	file, _, err := platform.OpenRegular(f.dir.root, f.name)
	if err != nil {
		return nil, err
	}
	return file, nil
}

type fileWriter[PT any] struct {
	dir  *Dir
	name string
}

func (f *fileWriter[PT]) LocalTarget() (Target, error) {
	return f.dir.stat(f.name)
}

func (f *fileWriter[PT]) NewWriter(s *iosocket.OutputSocket[Target, PT]) (io.WriteCloser, error) {
	d := f.dir
	current, err := d.stat(f.name)
	if err != nil {
		return nil, err
	}
	if current.Exists {
		if !d.overwrite {
			return nil, &fs.PathError{Op: "create", Path: f.name, Err: fs.ErrExist}
		}
		if !current.FileMode.IsRegular() {
			return nil, fmt.Errorf("create %s: %w", f.name, ErrNotRegular)
		}
	}

	dir := path.Dir(f.name)
	if err := d.root.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	// Create temp file in same directory (for atomic rename)
	tempName := path.Join(dir, tempPrefix+rand.Text())
	temp, err := d.root.OpenFile(tempName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	w := &committer{dir: d, name: f.name, tempName: tempName, temp: temp}
	if pt, err := s.PeerTarget(); err == nil {
		peer := any(pt)
		if m, ok := peer.(interface{ Mode() fs.FileMode }); ok && d.preserveMode {
			w.mode = m.Mode().Perm()
			w.setMode = true
		}
		if m, ok := peer.(interface{ ModTime() time.Time }); ok && d.preserveTimes && !m.ModTime().IsZero() {
			w.modTime = m.ModTime()
		}
	}
	return w, nil
}

// committer writes to a temp file and renames it into place on Close.
type committer struct {
	dir      *Dir
	name     string
	tempName string
	temp     *os.File

	setMode bool
	mode    fs.FileMode
	modTime time.Time

	done bool
}

// Write implements io.Writer.
func (c *committer) Write(p []byte) (int, error) {
	if c.done {
		return 0, ErrClosed
	}
	return c.temp.Write(p)
}

// Close closes the temp file, applies metadata, and renames it to the
// destination.
func (c *committer) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	root := c.dir.root

	if err := c.temp.Close(); err != nil {
		c.removeTemp()
		return fmt.Errorf("close temp file: %w", err)
	}
	if c.setMode {
		if err := root.Chmod(c.tempName, c.mode); err != nil {
			c.removeTemp()
			return fmt.Errorf("chmod: %w", err)
		}
	}
	if !c.modTime.IsZero() {
		if err := root.Chtimes(c.tempName, c.modTime, c.modTime); err != nil {
			c.removeTemp()
			return fmt.Errorf("chtimes: %w", err)
		}
	}
	if err := root.Rename(c.tempName, c.name); err != nil {
		c.removeTemp()
		return fmt.Errorf("rename to %s: %w", c.name, err)
	}

	c.dir.log().Debug("file written", "path", c.name, "dir", c.dir.Path())
	return nil
}

// Discard closes and removes the temp file.
func (c *committer) Discard() error {
	if c.done {
		return nil
	}
	c.done = true
	_ = c.temp.Close() //nolint:errcheck // we're cleaning up
	if err := c.dir.root.Remove(c.tempName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *committer) removeTemp() {
	_ = c.dir.root.Remove(c.tempName) //nolint:errcheck // best-effort cleanup
}
