//go:build linux
// +build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

func openSegmentFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	// Linux: sequential access hint
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	return f, nil
}

// syncFile uses fdatasync; file size changes are still covered.
func syncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
