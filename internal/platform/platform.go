// Package platform wraps filesystem calls whose behavior differs between
// operating systems.
package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

var (
	// ErrSymlink is returned when attempting to open a symbolic link.
	ErrSymlink = errors.New("platform: symbolic links not supported")

	// ErrNotRegular is returned when a path is not a regular file.
	ErrNotRegular = errors.New("platform: not a regular file")
)

// OpenRegular opens a regular file under root for reading without following
// a symlink at the final path element.
//
// os.Root resolves symlinks that stay inside the root even with O_NOFOLLOW,
// so the name is checked with Lstat first and the opened file must be the
// one that was checked.
func OpenRegular(root *os.Root, name string) (*os.File, os.FileInfo, error) {
	linfo, err := root.Lstat(name)
	if err != nil {
		return nil, nil, err
	}
	if linfo.Mode()&fs.ModeSymlink != 0 {
		return nil, nil, fmt.Errorf("open %s: %w", name, ErrSymlink)
	}
	f, err := openNoFollow(root, name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close() //nolint:errcheck // already failing
		return nil, nil, err
	}
	if !os.SameFile(linfo, info) {
		_ = f.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("open %s: %w", name, ErrSymlink)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("open %s: %w", name, ErrNotRegular)
	}
	return f, info, nil
}
