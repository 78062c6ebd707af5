//go:build unix

package platform

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

func openNoFollow(root *os.Root, name string) (*os.File, error) {
	f, err := root.OpenFile(name, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if errors.Is(err, syscall.ELOOP) {
			return nil, fmt.Errorf("open %s: %w", name, ErrSymlink)
		}
		return nil, err
	}
	return f, nil
}
