package disk

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/downfa11-org/go-journal/pkg/metrics"
	"github.com/downfa11-org/go-journal/pkg/types"
	"github.com/downfa11-org/go-journal/util"
)

const DefaultSegmentSize = 128 * 1024 * 1024

// Options configures a Store.
type Options struct {
	// Dir holds the segment files.
	Dir string
	// Name labels the store in logs and metrics.
	Name string
	// SegmentSize is the byte capacity of a segment file.
	SegmentSize int64
	// RecordSize, when set, declares fixed-width records: a segment may only hold
	// whole records and a sealed segment must be full.
	RecordSize int64
}

// Store is an append-only byte sequence addressed by global position and split
// over numerically named segment files. Each file is named by the position of its
// first byte, so positions stay contiguous across files. Only the last segment
// accepts writes.
type Store struct {
	opts Options

	mu       sync.RWMutex // segments and their sizes
	flushMu  sync.Mutex   // Flush vs Truncate/Compact/Close
	segments []*segment
	closed   bool
}

// Open loads the segments under opts.Dir, creating the directory and a first
// segment when needed. A discontinuity between files, or a sealed segment that
// breaks the record layout, is repaired by dropping everything from that point on.
func Open(opts Options) (*Store, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.RecordSize > 0 && opts.SegmentSize%opts.RecordSize != 0 {
		opts.SegmentSize -= opts.SegmentSize % opts.RecordSize
		if opts.SegmentSize == 0 {
			opts.SegmentSize = opts.RecordSize
		}
	}
	if opts.Name == "" {
		opts.Name = opts.Dir
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, &types.RecoverError{Path: opts.Dir, Err: err}
	}

	s := &Store{opts: opts}
	if err := s.load(); err != nil {
		_ = s.closeAll()
		return nil, &types.RecoverError{Path: opts.Dir, Err: err}
	}
	return s, nil
}

func (s *Store) load() error {
	starts, err := listSegments(s.opts.Dir)
	if err != nil {
		return err
	}

	var expected int64
	for i, start := range starts {
		path := segmentPath(s.opts.Dir, start)
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if i > 0 && start != expected {
			util.Warn("%s: segment %s starts at %d, expected %d; dropping it and %d later segment(s)",
				s.opts.Name, path, start, expected, len(starts)-i-1)
			metrics.Repairs.WithLabelValues("segment_gap").Inc()
			if err := s.dropFrom(starts[i:]); err != nil {
				return err
			}
			break
		}
		seg := &segment{start: start, path: path, size: info.Size()}
		s.segments = append(s.segments, seg)
		expected = start + seg.size

		last := i == len(starts)-1
		if s.opts.RecordSize > 0 && !last && seg.size != s.opts.SegmentSize {
			util.Warn("%s: sealed segment %s holds %d bytes, want %d; truncating the store there",
				s.opts.Name, path, seg.size, s.opts.SegmentSize)
			metrics.Repairs.WithLabelValues("segment_gap").Inc()
			if err := s.dropFrom(starts[i+1:]); err != nil {
				return err
			}
			break
		}
	}

	if len(s.segments) == 0 {
		seg, err := createSegment(s.opts.Dir, 0)
		if err != nil {
			return err
		}
		s.segments = append(s.segments, seg)
		return nil
	}

	for _, seg := range s.segments[:len(s.segments)-1] {
		seg.synced = seg.size
		if err := seg.seal(); err != nil {
			return err
		}
	}

	last := s.segments[len(s.segments)-1]
	if err := last.openWritable(); err != nil {
		return err
	}
	if rs := s.opts.RecordSize; rs > 0 && last.size%rs != 0 {
		keep := last.size - last.size%rs
		util.Warn("%s: dropping %d trailing byte(s) of a partial record in %s", s.opts.Name, last.size-keep, last.path)
		metrics.Repairs.WithLabelValues("partial_record").Inc()
		if err := last.truncate(keep); err != nil {
			return err
		}
	}
	last.synced = last.size
	return nil
}

// dropFrom removes the listed segment files.
func (s *Store) dropFrom(starts []int64) error {
	for _, start := range starts {
		if err := os.Remove(segmentPath(s.opts.Dir, start)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Min is the first readable position.
func (s *Store) Min() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segments[0].start
}

// Max is the position the next Append will write to.
func (s *Store) Max() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxLocked()
}

func (s *Store) maxLocked() int64 {
	last := s.segments[len(s.segments)-1]
	return last.start + last.size
}

// SegmentStarts returns the first position of every live segment.
func (s *Store) SegmentStarts() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, len(s.segments))
	for i, seg := range s.segments {
		out[i] = seg.start
	}
	return out
}

// Append writes b at the tail, rolling to a new segment first when b would not fit
// in a non-empty current segment. It returns the position b was written at.
func (s *Store) Append(b []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, types.ErrClosed
	}

	last := s.segments[len(s.segments)-1]
	if last.size > 0 && last.size+int64(len(b)) > s.opts.SegmentSize {
		seg, err := createSegment(s.opts.Dir, last.start+last.size)
		if err != nil {
			return 0, fmt.Errorf("%s: roll segment: %w", s.opts.Name, err)
		}
		util.Debug("%s: rolled to segment %s", s.opts.Name, seg.path)
		metrics.SegmentRolls.WithLabelValues(s.opts.Name).Inc()
		s.segments = append(s.segments, seg)
		last = seg
	}

	if _, err := last.file.WriteAt(b, last.size); err != nil {
		return 0, fmt.Errorf("%s: write %s: %w", s.opts.Name, last.path, err)
	}
	pos := last.start + last.size
	last.size += int64(len(b))
	return pos, nil
}

// ReadAt returns a copy of n bytes starting at pos. The range must lie inside one
// segment.
func (s *Store) ReadAt(pos int64, n int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrClosed
	}

	min, max := s.segments[0].start, s.maxLocked()
	if pos < min || pos+int64(n) > max || n < 0 {
		return nil, &types.RangeError{Index: pos, Min: min, Max: max}
	}

	seg := s.segments[s.find(pos)]
	rel := pos - seg.start
	if rel+int64(n) > seg.size {
		return nil, &types.RangeError{Index: pos + int64(n), Min: seg.start, Max: seg.start + seg.size}
	}

	buf := make([]byte, n)
	if _, err := seg.readAt(buf, rel); err != nil {
		return nil, fmt.Errorf("%s: read %s at %d: %w", s.opts.Name, seg.path, rel, err)
	}
	return buf, nil
}

// SegmentRemaining is the number of readable bytes from pos to the end of its
// segment.
func (s *Store) SegmentRemaining(pos int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos < s.segments[0].start || pos >= s.maxLocked() {
		return 0
	}
	seg := s.segments[s.find(pos)]
	return seg.start + seg.size - pos
}

// find returns the index of the segment holding pos. Callers hold s.mu.
func (s *Store) find(pos int64) int {
	i := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].start > pos
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// Close syncs and releases every segment.
func (s *Store) Close() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeAll()
}
