package disk

import (
	"fmt"
	"os"

	"github.com/downfa11-org/go-journal/pkg/types"
	"github.com/downfa11-org/go-journal/util"
)

type flushTarget struct {
	seg  *segment
	file *os.File
	size int64
}

// Flush makes every appended byte durable. The set of dirty segments is captured
// under the read lock and synced without it, so appends keep going while the
// disk catches up. Sealed segments that end up fully synced are switched to a
// read-only mapping.
func (s *Store) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return types.ErrClosed
	}
	var targets []flushTarget
	for _, seg := range s.segments {
		if seg.synced < seg.size && seg.file != nil {
			targets = append(targets, flushTarget{seg: seg, file: seg.file, size: seg.size})
		}
	}
	s.mu.RUnlock()

	for _, t := range targets {
		if err := syncFile(t.file); err != nil {
			return fmt.Errorf("%s: sync %s: %w", s.opts.Name, t.seg.path, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range targets {
		if t.size > t.seg.synced {
			t.seg.synced = t.size
		}
	}
	for _, seg := range s.segments[:len(s.segments)-1] {
		if seg.mapped == nil && seg.synced == seg.size {
			if err := seg.seal(); err != nil {
				util.Warn("%s: keeping %s unmapped: %v", s.opts.Name, seg.path, err)
			}
		}
	}
	return nil
}

// IsDirty reports whether some appended bytes have not been synced yet.
func (s *Store) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, seg := range s.segments {
		if seg.synced < seg.size {
			return true
		}
	}
	return false
}

// Flushed is the position up to which every byte is durable.
func (s *Store) Flushed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, seg := range s.segments {
		if seg.synced < seg.size {
			return seg.start + seg.synced
		}
	}
	return s.maxLocked()
}
