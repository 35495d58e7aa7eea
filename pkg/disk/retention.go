package disk

import (
	"fmt"

	"github.com/downfa11-org/go-journal/pkg/metrics"
	"github.com/downfa11-org/go-journal/pkg/types"
	"github.com/downfa11-org/go-journal/util"
)

// Truncate discards every byte at or after pos. Segments wholly above pos are
// deleted and the segment holding pos becomes the writable tail.
func (s *Store) Truncate(pos int64) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrClosed
	}
	min, max := s.segments[0].start, s.maxLocked()
	if pos < min || pos > max {
		return &types.RangeError{Index: pos, Min: min, Max: max}
	}
	if pos == max {
		return nil
	}

	i := s.find(pos)
	for j := len(s.segments) - 1; j > i; j-- {
		seg := s.segments[j]
		if err := seg.remove(); err != nil {
			return fmt.Errorf("%s: remove %s: %w", s.opts.Name, seg.path, err)
		}
		s.segments = s.segments[:j]
	}

	seg := s.segments[i]
	if err := seg.truncate(pos - seg.start); err != nil {
		return fmt.Errorf("%s: truncate %s: %w", s.opts.Name, seg.path, err)
	}
	util.Debug("%s: truncated to %d", s.opts.Name, pos)
	return nil
}

// Compact deletes leading segments that end at or before pos and returns the new
// Min. The last segment is never deleted, so compaction is segment-granular.
func (s *Store) Compact(pos int64) (int64, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, types.ErrClosed
	}

	removed := 0
	for len(s.segments) > 1 {
		seg := s.segments[0]
		if seg.start+seg.size > pos {
			break
		}
		if err := seg.remove(); err != nil {
			return s.segments[0].start, fmt.Errorf("%s: remove %s: %w", s.opts.Name, seg.path, err)
		}
		s.segments = s.segments[1:]
		removed++
	}

	if removed > 0 {
		metrics.SegmentsCompacted.WithLabelValues(s.opts.Name).Add(float64(removed))
		util.Debug("%s: compacted %d segment(s), min is now %d", s.opts.Name, removed, s.segments[0].start)
	}
	return s.segments[0].start, nil
}

// Reset deletes every segment and restarts the store empty at pos.
func (s *Store) Reset(pos int64) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrClosed
	}
	if s.opts.RecordSize > 0 && pos%s.opts.RecordSize != 0 {
		return fmt.Errorf("%s: reset position %d is not a record boundary", s.opts.Name, pos)
	}

	for len(s.segments) > 0 {
		last := s.segments[len(s.segments)-1]
		if err := last.remove(); err != nil {
			return fmt.Errorf("%s: remove %s: %w", s.opts.Name, last.path, err)
		}
		s.segments = s.segments[:len(s.segments)-1]
	}
	seg, err := createSegment(s.opts.Dir, pos)
	if err != nil {
		return fmt.Errorf("%s: create segment at %d: %w", s.opts.Name, pos, err)
	}
	s.segments = append(s.segments, seg)
	util.Debug("%s: reset to %d", s.opts.Name, pos)
	return nil
}
