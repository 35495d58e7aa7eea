package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/mmap"
)

// segment is one file of a Store. The writable tail keeps an *os.File; a sealed
// segment is switched to a read-only mapping once all of its bytes are synced.
type segment struct {
	start  int64
	path   string
	size   int64 // bytes written
	synced int64 // bytes known to be on stable storage

	file   *os.File
	mapped *mmap.ReaderAt
}

func segmentPath(dir string, start int64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d", start))
}

// listSegments returns the start positions of all numerically named files in dir.
func listSegments(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var starts []int64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		start, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil || start < 0 {
			continue
		}
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

func createSegment(dir string, start int64) (*segment, error) {
	seg := &segment{start: start, path: segmentPath(dir, start)}
	if err := seg.openWritable(); err != nil {
		return nil, err
	}
	if err := seg.file.Truncate(0); err != nil {
		_ = seg.file.Close()
		return nil, err
	}
	return seg, nil
}

func (seg *segment) openWritable() error {
	if seg.file != nil {
		return nil
	}
	if seg.mapped != nil {
		if err := seg.mapped.Close(); err != nil {
			return err
		}
		seg.mapped = nil
	}
	f, err := openSegmentFile(seg.path)
	if err != nil {
		return err
	}
	seg.file = f
	return nil
}

// seal maps a fully synced segment read-only and drops its write handle.
func (seg *segment) seal() error {
	if seg.mapped != nil {
		return nil
	}
	m, err := mmap.Open(seg.path)
	if err != nil {
		return err
	}
	seg.mapped = m
	if seg.file != nil {
		err = seg.file.Close()
		seg.file = nil
	}
	return err
}

func (seg *segment) readAt(p []byte, off int64) (int, error) {
	if seg.mapped != nil {
		return seg.mapped.ReadAt(p, off)
	}
	return seg.file.ReadAt(p, off)
}

func (seg *segment) truncate(size int64) error {
	if err := seg.openWritable(); err != nil {
		return err
	}
	if err := seg.file.Truncate(size); err != nil {
		return err
	}
	if err := syncFile(seg.file); err != nil {
		return err
	}
	seg.size = size
	if seg.synced > size {
		seg.synced = size
	}
	return nil
}

func (seg *segment) close() error {
	var result *multierror.Error
	if seg.mapped != nil {
		if err := seg.mapped.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		seg.mapped = nil
	}
	if seg.file != nil {
		if err := syncFile(seg.file); err != nil {
			result = multierror.Append(result, fmt.Errorf("sync %s: %w", seg.path, err))
		}
		if err := seg.file.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		seg.file = nil
	}
	return result.ErrorOrNil()
}

// remove closes the segment and deletes its file.
func (seg *segment) remove() error {
	var result *multierror.Error
	if seg.mapped != nil {
		if err := seg.mapped.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		seg.mapped = nil
	}
	if seg.file != nil {
		if err := seg.file.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		seg.file = nil
	}
	if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Store) closeAll() error {
	var result *multierror.Error
	for _, seg := range s.segments {
		if err := seg.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
