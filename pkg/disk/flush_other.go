//go:build !linux
// +build !linux

package disk

import "os"

func openSegmentFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}

func syncFile(f *os.File) error {
	return f.Sync()
}
