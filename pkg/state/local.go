// Package state linearizes a state machine's directory into an offset-addressed
// byte stream and installs such a stream into a fresh directory, so that bulk
// state can be moved between nodes in resumable chunks.
package state

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/downfa11-org/go-journal/pkg/metrics"
	"github.com/downfa11-org/go-journal/pkg/types"
	"github.com/downfa11-org/go-journal/util"
)

const (
	DataDir     = "data"
	MetadataDir = "metadata"
)

var delimiter = []byte{0x0D, 0x0A}

// Hook lets the owner of the state files take part in the lifecycle: Recover
// after the directory is ready or a snapshot is installed, Flush before the files
// are dumped and Clear before they are wiped.
type Hook interface {
	Recover(dataDir string) error
	Flush(dataDir string) error
	Clear(dataDir string) error
}

type NopHook struct{}

func (NopHook) Recover(string) error { return nil }
func (NopHook) Flush(string) error   { return nil }
func (NopHook) Clear(string) error   { return nil }

type stateFile struct {
	rel  string // slash separated, relative to the data directory
	size int64
}

// installingFile is a file announced by an installed header.
type installingFile struct {
	path    string
	start   int64 // stream offset of the first body byte
	size    int64
	written int64
}

// LocalState owns <root>/data and <root>/metadata. Reads of the serialized
// stream share the lock; installs, flushes and clears take it exclusively.
type LocalState struct {
	root string
	hook Hook

	mu         sync.RWMutex
	installing []*installingFile
}

// Recover prepares the state directories under root and runs the hook's Recover.
func Recover(root string, hook Hook) (*LocalState, error) {
	if hook == nil {
		hook = NopHook{}
	}
	s := &LocalState{root: root, hook: hook}
	for _, dir := range []string{s.DataPath(), s.MetadataPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &types.RecoverError{Path: dir, Err: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := hook.Recover(s.DataPath()); err != nil {
		return nil, &types.RecoverError{Path: s.DataPath(), Err: err}
	}
	return s, nil
}

func (s *LocalState) DataPath() string     { return filepath.Join(s.root, DataDir) }
func (s *LocalState) MetadataPath() string { return filepath.Join(s.root, MetadataDir) }

// listFiles returns every regular file under the data directory ordered by its
// relative path.
func (s *LocalState) listFiles() ([]stateFile, error) {
	dataDir := s.DataPath()
	var files []stateFile
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		files = append(files, stateFile{rel: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}

func headerSize(files []stateFile) int64 {
	var n int64
	for _, f := range files {
		n += 4 + int64(len(f.rel)) + int64(len(delimiter))
	}
	return n
}

func encodeHeader(files []stateFile) ([]byte, error) {
	buf := make([]byte, 0, headerSize(files))
	for _, f := range files {
		if f.size > int64(^uint32(0)) {
			return nil, fmt.Errorf("state file %s is too large to serialize: %s", f.rel, util.FormatSize(f.size))
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(f.size))
		buf = append(buf, f.rel...)
		buf = append(buf, delimiter...)
	}
	return buf, nil
}

// SerializedDataSize is the length of the whole serialized stream.
func (s *LocalState) SerializedDataSize() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files, err := s.listFiles()
	if err != nil {
		return 0, err
	}
	n := headerSize(files)
	for _, f := range files {
		n += f.size
	}
	return n, nil
}

// ReadSerializedTrunk returns the chunk of the serialized stream at offset. An
// offset inside the header yields the rest of the header, whatever size is. In
// the body at most size bytes are returned and a chunk never spans two files;
// size must be positive. Past the end of the stream the chunk is empty.
func (s *LocalState) ReadSerializedTrunk(offset int64, size int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}
	hs := headerSize(files)
	if offset < 0 {
		return nil, fmt.Errorf("invalid serialized offset %d", offset)
	}
	if offset < hs {
		header, err := encodeHeader(files)
		if err != nil {
			return nil, err
		}
		return header[offset:], nil
	}

	if size <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d at offset %d", size, offset)
	}
	pos := hs
	for _, f := range files {
		if offset >= pos && offset < pos+f.size {
			rel := offset - pos
			n := f.size - rel
			if int64(size) < n {
				n = int64(size)
			}
			chunk, err := readFileAt(filepath.Join(s.DataPath(), filepath.FromSlash(f.rel)), rel, int(n))
			if err == nil {
				metrics.SnapshotBytes.WithLabelValues("read").Add(float64(len(chunk)))
			}
			return chunk, err
		}
		pos += f.size
	}
	return []byte{}, nil
}

func readFileAt(path string, off int64, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}
