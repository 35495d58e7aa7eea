package state

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/downfa11-org/go-journal/util"
)

// Flush asks the hook to persist pending state into the data directory.
func (s *LocalState) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hook.Flush(s.DataPath())
}

// Clear removes every state file and abandons a running installation.
func (s *LocalState) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installing = nil
	return s.clearLocked()
}

func (s *LocalState) clearLocked() error {
	if err := s.hook.Clear(s.DataPath()); err != nil {
		return fmt.Errorf("clear hook: %w", err)
	}
	if err := os.RemoveAll(s.DataPath()); err != nil {
		return err
	}
	return os.MkdirAll(s.DataPath(), 0o755)
}

// Dump flushes the state and copies the data directory to dest/data.
func (s *LocalState) Dump(dest string) error {
	if err := s.Flush(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	files, err := s.listFiles()
	if err != nil {
		return err
	}
	var total int64
	for _, f := range files {
		src := filepath.Join(s.DataPath(), filepath.FromSlash(f.rel))
		dst := filepath.Join(dest, DataDir, filepath.FromSlash(f.rel))
		n, err := copyFile(src, dst)
		if err != nil {
			return fmt.Errorf("dump %s: %w", f.rel, err)
		}
		total += n
	}
	util.Debug("dumped %d state file(s), %s, to %s", len(files), util.FormatSize(total), dest)
	return nil
}

func copyFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
