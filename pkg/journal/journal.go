// Package journal is the replicated log: an append-only sequence of entries
// addressed by a dense global index, with commit tracking, suffix truncation for
// conflict resolution and segment-granular prefix compaction.
package journal

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/go-journal/pkg/disk"
	"github.com/downfa11-org/go-journal/pkg/entry"
	"github.com/downfa11-org/go-journal/pkg/metrics"
	"github.com/downfa11-org/go-journal/pkg/types"
	"github.com/downfa11-org/go-journal/util"
)

const (
	DataDir  = "journal"
	IndexDir = "index"

	DefaultIndexSegmentRecords = 1024 * 1024
)

// Options configures segment sizes and the tracked partitions.
type Options struct {
	// JournalSegmentSize is the byte capacity of a data segment.
	JournalSegmentSize int64
	// IndexSegmentRecords is the number of index records per index segment.
	IndexSegmentRecords int64
	// Partitions is the initial set of tracked partitions.
	Partitions []uint16
}

func DefaultOptions() Options {
	return Options{
		JournalSegmentSize:  disk.DefaultSegmentSize,
		IndexSegmentRecords: DefaultIndexSegmentRecords,
		Partitions:          []uint16{0},
	}
}

// Journal owns a data store of serialized entries and an index store with one
// fixed-width record per entry. A single writer appends, truncates and compacts;
// readers run concurrently and only see entries below the published maxIndex.
type Journal struct {
	path string
	opts Options

	stores *disk.Manager
	data   *disk.Store
	index  *disk.Store

	writeMu     sync.Mutex
	minIndex    atomic.Uint64
	maxIndex    atomic.Uint64
	commitIndex atomic.Uint64
	closed      atomic.Bool

	partitions *partitionIndex
}

// Open recovers the journal stored under path. Torn or garbage tails left by a
// crash are repaired before Open returns; commitIndex is the last commit point
// known to the caller and is clamped to the recovered range.
func Open(path string, commitIndex uint64, opts Options) (*Journal, error) {
	def := DefaultOptions()
	if opts.JournalSegmentSize <= 0 {
		opts.JournalSegmentSize = def.JournalSegmentSize
	}
	if opts.IndexSegmentRecords <= 0 {
		opts.IndexSegmentRecords = def.IndexSegmentRecords
	}
	if opts.Partitions == nil {
		opts.Partitions = def.Partitions
	}

	j := &Journal{path: path, opts: opts, stores: disk.NewManager()}

	var err error
	j.data, err = j.stores.Open(disk.Options{
		Dir:         filepath.Join(path, DataDir),
		Name:        DataDir,
		SegmentSize: opts.JournalSegmentSize,
	})
	if err != nil {
		return nil, err
	}
	j.index, err = j.stores.Open(disk.Options{
		Dir:         filepath.Join(path, IndexDir),
		Name:        IndexDir,
		SegmentSize: opts.IndexSegmentRecords * types.IndexEntrySize,
		RecordSize:  types.IndexEntrySize,
	})
	if err != nil {
		_ = j.stores.CloseAll()
		return nil, err
	}

	if err := j.recover(); err != nil {
		_ = j.stores.CloseAll()
		return nil, &types.RecoverError{Path: path, Err: err}
	}

	min, max := j.minIndex.Load(), j.maxIndex.Load()
	if commitIndex > max {
		commitIndex = max
	}
	if commitIndex < min {
		commitIndex = min
	}
	j.commitIndex.Store(commitIndex)
	j.partitions = newPartitionIndex(j, opts.Partitions)
	metrics.SetIndexes(min, max, commitIndex)

	util.Info("journal %s opened: index [%d, %d) commit %d, %s on disk",
		path, min, max, commitIndex, util.FormatSize(j.data.Max()-j.data.Min()))
	return j, nil
}

func (j *Journal) MinIndex() uint64    { return j.minIndex.Load() }
func (j *Journal) MaxIndex() uint64    { return j.maxIndex.Load() }
func (j *Journal) CommitIndex() uint64 { return j.commitIndex.Load() }

// Path is the directory holding the journal and index segments.
func (j *Journal) Path() string { return j.path }

// Append serializes e and appends it, returning the new maxIndex.
func (j *Journal) Append(e entry.Entry) (uint64, error) {
	return j.AppendBatchRaw([][]byte{entry.Encode(e)})
}

// AppendBatchRaw appends pre-serialized entries verbatim. Every entry is validated
// before anything is written.
func (j *Journal) AppendBatchRaw(raws [][]byte) (uint64, error) {
	headers, err := validateRaw(raws)
	if err != nil {
		return 0, err
	}

	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	if j.closed.Load() {
		return 0, types.ErrClosed
	}
	return j.appendLocked(raws, headers)
}

func validateRaw(raws [][]byte) ([]entry.Header, error) {
	headers := make([]entry.Header, len(raws))
	for i, raw := range raws {
		h, err := entry.Validate(raw)
		if err != nil {
			return nil, fmt.Errorf("entry %d of batch: %w", i, err)
		}
		headers[i] = h
	}
	return headers, nil
}

// appendLocked writes data then index for each entry and publishes maxIndex once
// the whole batch is in place. A failed write rolls both stores back.
func (j *Journal) appendLocked(raws [][]byte, headers []entry.Header) (uint64, error) {
	max := j.maxIndex.Load()
	if len(raws) == 0 {
		return max, nil
	}

	dataMark, indexMark := j.data.Max(), j.index.Max()
	rec := make([]byte, types.IndexEntrySize)
	size := 0
	for i, raw := range raws {
		pos, err := j.data.Append(raw)
		if err == nil {
			types.IndexEntry{Position: pos, Term: headers[i].Term}.Marshal(rec)
			_, err = j.index.Append(rec)
		}
		if err != nil {
			j.rollback(dataMark, indexMark)
			return max, fmt.Errorf("append entry %d: %w", max+uint64(i), err)
		}
		size += len(raw)
	}

	max += uint64(len(raws))
	j.maxIndex.Store(max)
	metrics.PushAppend(len(raws), size)
	metrics.Indexes.WithLabelValues("max").Set(float64(max))
	return max, nil
}

func (j *Journal) rollback(dataMark, indexMark int64) {
	if err := j.index.Truncate(indexMark); err != nil {
		util.Error("rollback index to %d: %v", indexMark, err)
	}
	if err := j.data.Truncate(dataMark); err != nil {
		util.Error("rollback journal to %d: %v", dataMark, err)
	}
}

// CompareOrAppendRaw applies the log matching rule. Entries are compared with the
// existing log by term starting at startIndex; at the first position where the
// terms differ, or where the existing log ends, everything from that position on
// is discarded and the remaining entries are appended. When the entries run out
// before any mismatch the existing tail is kept.
func (j *Journal) CompareOrAppendRaw(raws [][]byte, startIndex uint64) (uint64, error) {
	headers, err := validateRaw(raws)
	if err != nil {
		return 0, err
	}

	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	if j.closed.Load() {
		return 0, types.ErrClosed
	}

	min, max := j.minIndex.Load(), j.maxIndex.Load()
	if startIndex < min || startIndex > max {
		return max, rangeError(startIndex, min, max)
	}

	i := 0
	for ; i < len(raws); i++ {
		idx := startIndex + uint64(i)
		if idx == max {
			break
		}
		term, err := j.termAt(idx)
		if err != nil {
			return max, err
		}
		if term != headers[i].Term {
			if err := j.truncateLocked(idx); err != nil {
				return j.maxIndex.Load(), err
			}
			break
		}
	}
	if i == len(raws) {
		return max, nil
	}
	return j.appendLocked(raws[i:], headers[i:])
}

// Commit advances the commit index. Lower values are ignored and values past
// maxIndex are clamped.
func (j *Journal) Commit(index uint64) {
	// under writeMu so a concurrent truncation cannot leave commit past max
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	if max := j.maxIndex.Load(); index > max {
		index = max
	}
	if index <= j.commitIndex.Load() {
		return
	}
	j.commitIndex.Store(index)
	metrics.Indexes.WithLabelValues("commit").Set(float64(index))
}

// Flush makes every appended entry durable, data before index.
func (j *Journal) Flush() error {
	if j.closed.Load() {
		return types.ErrClosed
	}
	start := time.Now()
	if err := j.stores.FlushAll(); err != nil {
		return err
	}
	metrics.FlushLatency.Observe(time.Since(start).Seconds())
	return nil
}

// IsDirty reports whether appended entries are waiting for Flush.
func (j *Journal) IsDirty() bool {
	return j.stores.Dirty()
}

// Read returns the entry at index.
func (j *Journal) Read(index uint64) (entry.Entry, error) {
	raw, err := j.readRaw(index)
	if err != nil {
		return entry.Entry{}, err
	}
	return entry.Decode(raw)
}

// ReadRaw returns up to count serialized entries starting at index.
func (j *Journal) ReadRaw(index uint64, count int) ([][]byte, error) {
	if count <= 0 {
		return nil, fmt.Errorf("read count must be positive, got %d", count)
	}
	min, max := j.minIndex.Load(), j.maxIndex.Load()
	if index < min || index >= max {
		return nil, rangeError(index, min, max)
	}
	if rest := max - index; uint64(count) > rest {
		count = int(rest)
	}
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		raw, err := j.readRaw(index + uint64(i))
		if err != nil {
			return out, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// GetTerm returns the term of the entry at index without reading its payload.
func (j *Journal) GetTerm(index uint64) (uint32, error) {
	min, max := j.minIndex.Load(), j.maxIndex.Load()
	if index < min || index >= max {
		return 0, rangeError(index, min, max)
	}
	return j.termAt(index)
}

func (j *Journal) readRaw(index uint64) ([]byte, error) {
	min, max := j.minIndex.Load(), j.maxIndex.Load()
	if index < min || index >= max {
		return nil, rangeError(index, min, max)
	}
	rec, err := j.record(index)
	if err != nil {
		return nil, err
	}
	h, err := j.headerAt(rec.Position)
	if err != nil {
		return nil, err
	}
	return j.data.ReadAt(rec.Position, int(h.Length))
}

func (j *Journal) record(index uint64) (types.IndexEntry, error) {
	b, err := j.index.ReadAt(int64(index)*types.IndexEntrySize, types.IndexEntrySize)
	if err != nil {
		return types.IndexEntry{}, err
	}
	return types.UnmarshalIndexEntry(b), nil
}

func (j *Journal) termAt(index uint64) (uint32, error) {
	rec, err := j.record(index)
	if err != nil {
		return 0, err
	}
	return rec.Term, nil
}

func (j *Journal) headerAt(pos int64) (entry.Header, error) {
	b, err := j.data.ReadAt(pos, entry.HeaderLength())
	if err != nil {
		return entry.Header{}, err
	}
	h, err := entry.ParseHeader(b)
	var pe *types.ParseError
	if errors.As(err, &pe) {
		pe.Position = pos
	}
	return h, err
}

// Truncate discards every entry at or after index. A commit index above index is
// lowered with it.
func (j *Journal) Truncate(index uint64) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	if j.closed.Load() {
		return types.ErrClosed
	}
	min, max := j.minIndex.Load(), j.maxIndex.Load()
	if index < min || index > max {
		return rangeError(index, min, max)
	}
	return j.truncateLocked(index)
}

func (j *Journal) truncateLocked(index uint64) error {
	max := j.maxIndex.Load()
	if index >= max {
		return nil
	}
	rec, err := j.record(index)
	if err != nil {
		return err
	}

	j.maxIndex.Store(index)
	for {
		cur := j.commitIndex.Load()
		if cur <= index || j.commitIndex.CompareAndSwap(cur, index) {
			break
		}
	}
	j.partitions.truncate(index)

	if err := j.index.Truncate(int64(index) * types.IndexEntrySize); err != nil {
		return fmt.Errorf("truncate index at %d: %w", index, err)
	}
	if err := j.data.Truncate(rec.Position); err != nil {
		return fmt.Errorf("truncate journal at %d: %w", rec.Position, err)
	}

	metrics.EntriesTruncated.Add(float64(max - index))
	metrics.SetIndexes(j.minIndex.Load(), index, j.commitIndex.Load())
	util.Debug("journal truncated from %d to %d", max, index)
	return nil
}

// Compact discards the prefix below toIndex. Only committed entries can be
// compacted, and whole segments only, so the resulting MinIndex may be lower than
// requested. Compact never moves MinIndex backwards.
func (j *Journal) Compact(toIndex uint64) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	if j.closed.Load() {
		return types.ErrClosed
	}

	if commit := j.commitIndex.Load(); toIndex > commit {
		toIndex = commit
	}
	min := j.minIndex.Load()
	if toIndex <= min {
		return nil
	}

	// partition numbering must not skip entries that were never scanned
	if err := j.partitions.catchUp(); err != nil {
		return err
	}

	pos, err := j.index.Compact(int64(toIndex) * types.IndexEntrySize)
	if err != nil {
		return fmt.Errorf("compact index: %w", err)
	}
	newMin := uint64(pos / types.IndexEntrySize)
	if newMin <= min {
		return nil
	}
	j.minIndex.Store(newMin)

	dataPos := j.data.Max()
	if newMin < j.maxIndex.Load() {
		rec, err := j.record(newMin)
		if err != nil {
			return err
		}
		dataPos = rec.Position
	}
	// an older checkpoint still points at retained data if this write fails
	cpErr := j.writeCheckpoint(checkpoint{Index: newMin, Position: dataPos})
	if _, err := j.data.Compact(dataPos); err != nil {
		return fmt.Errorf("compact journal: %w", err)
	}
	j.partitions.compact(newMin)

	metrics.Indexes.WithLabelValues("min").Set(float64(newMin))
	util.Debug("journal compacted: min index %d -> %d", min, newMin)
	if cpErr != nil {
		return fmt.Errorf("write checkpoint: %w", cpErr)
	}
	return nil
}

// Close releases both stores. Appended entries are synced first.
func (j *Journal) Close() error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	if j.closed.Swap(true) {
		return nil
	}
	return j.stores.CloseAll()
}

func rangeError(index, min, max uint64) error {
	return &types.RangeError{Index: int64(index), Min: int64(min), Max: int64(max)}
}

// Reset discards the whole log and restarts it empty at index. It is used when
// installed state is ahead of everything the log holds.
func (j *Journal) Reset(index uint64) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	if j.closed.Load() {
		return types.ErrClosed
	}

	if err := j.writeCheckpoint(checkpoint{Index: index, Position: j.data.Max()}); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	j.maxIndex.Store(j.minIndex.Load())
	j.partitions.reset(index)
	if err := j.index.Reset(int64(index) * types.IndexEntrySize); err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	if err := j.data.Reset(j.data.Max()); err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	j.minIndex.Store(index)
	j.maxIndex.Store(index)
	j.commitIndex.Store(index)

	metrics.SetIndexes(index, index, index)
	util.Info("journal reset to index %d", index)
	return nil
}
