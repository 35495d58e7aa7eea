package journal

import (
	"fmt"

	"github.com/downfa11-org/go-journal/pkg/entry"
	"github.com/downfa11-org/go-journal/pkg/metrics"
	"github.com/downfa11-org/go-journal/pkg/types"
	"github.com/downfa11-org/go-journal/util"
)

// recover brings the index and data stores back to the longest prefix of entries
// that are fully present in both. Index records pointing past intact data are
// dropped, entries present in data but missing from the index are re-indexed, and
// a torn or garbage data tail is cut off.
func (j *Journal) recover() error {
	const rs = types.IndexEntrySize

	first := uint64(j.index.Min() / rs)
	last := uint64(j.index.Max() / rs)

	good := last
	for good > first {
		rec, err := j.record(good - 1)
		if err != nil {
			return err
		}
		if j.intact(rec) {
			break
		}
		good--
	}
	if good < last {
		util.Warn("journal recover: dropping %d index record(s) in [%d, %d) with no intact entry", last-good, good, last)
		metrics.Repairs.WithLabelValues("index_dropped").Add(float64(last - good))
		if err := j.index.Truncate(int64(good) * rs); err != nil {
			return fmt.Errorf("truncate index: %w", err)
		}
	}

	var pos int64
	switch {
	case good > first:
		rec, err := j.record(good - 1)
		if err != nil {
			return err
		}
		h, err := j.headerAt(rec.Position)
		if err != nil {
			return err
		}
		pos = rec.Position + int64(h.Length)
	case first == 0:
		pos = j.data.Min()
	default:
		pos = j.replayStart(first)
	}

	rebuilt, err := j.reindexFrom(pos)
	if err != nil {
		return err
	}
	if rebuilt > 0 {
		util.Warn("journal recover: rebuilt %d index record(s)", rebuilt)
		metrics.Repairs.WithLabelValues("index_rebuilt").Add(float64(rebuilt))
	}

	j.minIndex.Store(uint64(j.index.Min() / rs))
	j.maxIndex.Store(uint64(j.index.Max() / rs))
	return j.stores.FlushAll()
}

// intact reports whether rec points at a complete entry of the recorded term.
func (j *Journal) intact(rec types.IndexEntry) bool {
	if rec.Position < j.data.Min() || rec.Position >= j.data.Max() {
		return false
	}
	h, err := j.headerAt(rec.Position)
	if err != nil {
		return false
	}
	return h.Term == rec.Term && int64(h.Length) <= j.data.SegmentRemaining(rec.Position)
}

// reindexFrom parses entries from pos to the end of the data store, appending an
// index record for each complete one. The data store is truncated at the first
// entry that does not parse.
func (j *Journal) reindexFrom(pos int64) (int, error) {
	rebuilt := 0
	rec := make([]byte, types.IndexEntrySize)
	for pos < j.data.Max() {
		remaining := j.data.SegmentRemaining(pos)
		h, err := j.tailHeader(pos, remaining)
		if err != nil {
			util.Warn("journal recover: %v; truncating %s of trailing data at %d",
				err, util.FormatSize(j.data.Max()-pos), pos)
			metrics.Repairs.WithLabelValues("data_tail").Inc()
			if err := j.data.Truncate(pos); err != nil {
				return rebuilt, fmt.Errorf("truncate journal: %w", err)
			}
			break
		}

		types.IndexEntry{Position: pos, Term: h.Term}.Marshal(rec)
		if _, err := j.index.Append(rec); err != nil {
			return rebuilt, fmt.Errorf("rebuild index: %w", err)
		}
		rebuilt++
		pos += int64(h.Length)
	}
	return rebuilt, nil
}

func (j *Journal) tailHeader(pos, remaining int64) (entry.Header, error) {
	if remaining < int64(entry.HeaderLength()) {
		return entry.Header{}, &types.ParseError{Position: pos, Reason: fmt.Sprintf("truncated header: %d byte(s) left", remaining)}
	}
	h, err := j.headerAt(pos)
	if err != nil {
		return entry.Header{}, err
	}
	if int64(h.Length) > remaining {
		return entry.Header{}, &types.ParseError{Position: pos, Reason: fmt.Sprintf("truncated payload: %d of %d bytes", remaining, h.Length)}
	}
	return h, nil
}
