package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/downfa11-org/go-journal/pkg/metrics"
	"github.com/downfa11-org/go-journal/pkg/types"
	"github.com/downfa11-org/go-journal/util"
)

const MetadataFile = "snapshot.yaml"

// Metadata describes the last installed snapshot.
type Metadata struct {
	ID          string    `yaml:"id"`
	InstalledAt time.Time `yaml:"installed_at"`
	Size        int64     `yaml:"size"`
	Files       int       `yaml:"files"`
}

// InstallSerializedTrunk writes one chunk of a serialized stream. Offset 0 carries
// the header and restarts the installation; any other chunk must continue the file
// whose body range covers offset exactly where the previous chunk ended. The last
// chunk completes the installation.
func (s *LocalState) InstallSerializedTrunk(data []byte, offset int64, isLast bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if offset == 0 {
		err = s.installHeader(data)
	} else {
		err = s.installBody(data, offset)
	}
	if err != nil {
		return err
	}
	metrics.SnapshotBytes.WithLabelValues("install").Add(float64(len(data)))

	if isLast {
		return s.finishInstall(offset + int64(len(data)))
	}
	return nil
}

func (s *LocalState) installHeader(data []byte) error {
	s.installing = nil
	files, err := parseHeader(data)
	if err != nil {
		return &types.InstallError{Offset: 0, Reason: err.Error()}
	}

	if err := s.clearLocked(); err != nil {
		return &types.InstallError{Offset: 0, Reason: err.Error()}
	}

	next := int64(len(data))
	installing := make([]*installingFile, 0, len(files))
	for _, f := range files {
		p := filepath.Join(s.DataPath(), filepath.FromSlash(f.rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return &types.InstallError{Offset: 0, Reason: err.Error()}
		}
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			return &types.InstallError{Offset: 0, Reason: err.Error()}
		}
		installing = append(installing, &installingFile{path: p, start: next, size: f.size})
		next += f.size
	}
	s.installing = installing
	util.Debug("installing snapshot: %d file(s), %s", len(files), util.FormatSize(next))
	return nil
}

func parseHeader(data []byte) ([]stateFile, error) {
	var files []stateFile
	for rest := data; len(rest) > 0; {
		if len(rest) < 4 {
			return nil, fmt.Errorf("truncated header: %d trailing byte(s)", len(rest))
		}
		size := int64(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		end := bytes.Index(rest, delimiter)
		if end < 0 {
			return nil, fmt.Errorf("unterminated path in header")
		}
		rel := string(rest[:end])
		if err := checkRelPath(rel); err != nil {
			return nil, err
		}
		files = append(files, stateFile{rel: rel, size: size})
		rest = rest[end+len(delimiter):]
	}
	return files, nil
}

func checkRelPath(rel string) error {
	if rel == "" {
		return fmt.Errorf("empty path in header")
	}
	if path.IsAbs(rel) || filepath.IsAbs(filepath.FromSlash(rel)) {
		return fmt.Errorf("absolute path %q in header", rel)
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the data directory", rel)
	}
	return nil
}

func (s *LocalState) installBody(data []byte, offset int64) error {
	i := sort.Search(len(s.installing), func(i int) bool {
		return s.installing[i].start > offset
	}) - 1
	if i < 0 {
		return &types.InstallError{Offset: offset, Reason: "no installing file at this offset"}
	}
	f := s.installing[i]
	if f.written != offset-f.start {
		return &types.InstallError{Offset: offset, Reason: fmt.Sprintf("%s holds %d byte(s), chunk starts at %d", f.path, f.written, offset-f.start)}
	}
	if f.written+int64(len(data)) > f.size {
		return &types.InstallError{Offset: offset, Reason: fmt.Sprintf("chunk overflows %s: %d > %d", f.path, f.written+int64(len(data)), f.size)}
	}

	out, err := os.OpenFile(f.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &types.InstallError{Offset: offset, Reason: err.Error()}
	}
	_, err = out.Write(data)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &types.InstallError{Offset: offset, Reason: err.Error()}
	}
	f.written += int64(len(data))
	return nil
}

func (s *LocalState) finishInstall(end int64) error {
	if s.installing == nil {
		return &types.InstallError{Offset: end, Reason: "no header installed"}
	}
	for _, f := range s.installing {
		if f.written != f.size {
			return &types.InstallError{Offset: end, Reason: fmt.Sprintf("%s incomplete: %d of %d bytes", f.path, f.written, f.size)}
		}
	}

	meta := Metadata{
		ID:          uuid.New().String(),
		InstalledAt: time.Now().UTC(),
		Size:        end,
		Files:       len(s.installing),
	}
	b, err := yaml.Marshal(&meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.MetadataPath(), MetadataFile), b, 0o644); err != nil {
		return &types.InstallError{Offset: end, Reason: err.Error()}
	}
	s.installing = nil

	if err := s.hook.Recover(s.DataPath()); err != nil {
		return fmt.Errorf("recover installed state: %w", err)
	}
	util.Info("snapshot %s installed: %d file(s), %s", meta.ID, meta.Files, util.FormatSize(meta.Size))
	return nil
}

// Metadata returns the description of the last installed snapshot, or nil when
// none was installed.
func (s *LocalState) Metadata() (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := os.ReadFile(filepath.Join(s.MetadataPath(), MetadataFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := yaml.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", MetadataFile, err)
	}
	return &meta, nil
}
