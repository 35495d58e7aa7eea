package journal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/downfa11-org/go-journal/pkg/entry"
	"github.com/downfa11-org/go-journal/pkg/types"
)

// partitionItem maps the first partition-relative index of a physical entry to
// its global index. An entry with batch size b covers [start, start+b).
type partitionItem struct {
	start  uint64
	global uint64
	batch  uint16
}

func lessItem(a, b partitionItem) bool { return a.start < b.start }

type partitionLog struct {
	items    *btree.BTreeG[partitionItem]
	min, max uint64
	cursor   uint64 // next global index to scan
}

func newPartitionLog(cursor uint64) *partitionLog {
	return &partitionLog{items: btree.NewG[partitionItem](16, lessItem), cursor: cursor}
}

func (l *partitionLog) add(global uint64, batch uint16) {
	if batch == 0 {
		batch = 1
	}
	l.items.ReplaceOrInsert(partitionItem{start: l.max, global: global, batch: batch})
	l.max += uint64(batch)
}

// partitionIndex presents every tracked partition as its own dense log over the
// committed part of the journal. It is rebuilt from entry headers on demand and
// never persisted; relative indexes count from the journal's MinIndex at the
// time a partition starts being tracked.
type partitionIndex struct {
	j *Journal

	mu   sync.Mutex
	logs map[uint16]*partitionLog
}

func newPartitionIndex(j *Journal, partitions []uint16) *partitionIndex {
	pi := &partitionIndex{j: j, logs: make(map[uint16]*partitionLog)}
	for _, p := range partitions {
		pi.logs[p] = newPartitionLog(j.MinIndex())
	}
	return pi
}

// catchUpLocked indexes the committed entries every tracked partition has not
// seen yet.
func (pi *partitionIndex) catchUpLocked() error {
	commit := pi.j.CommitIndex()
	from := commit
	for _, l := range pi.logs {
		if l.cursor < from {
			from = l.cursor
		}
	}
	if min := pi.j.MinIndex(); from < min {
		from = min
	}

	for idx := from; idx < commit; idx++ {
		rec, err := pi.j.record(idx)
		if err != nil {
			return err
		}
		h, err := pi.j.headerAt(rec.Position)
		if err != nil {
			return err
		}
		if l, ok := pi.logs[h.Partition]; ok && l.cursor <= idx {
			l.add(idx, h.BatchSize)
		}
	}
	for _, l := range pi.logs {
		if l.cursor < commit {
			l.cursor = commit
		}
	}
	return nil
}

func (pi *partitionIndex) catchUp() error {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.catchUpLocked()
}

func (pi *partitionIndex) log(p uint16) (*partitionLog, error) {
	l, ok := pi.logs[p]
	if !ok {
		return nil, fmt.Errorf("%w: %d", types.ErrUntrackedPartition, p)
	}
	if err := pi.catchUpLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

func (pi *partitionIndex) bounds(p uint16) (uint64, uint64, error) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	l, err := pi.log(p)
	if err != nil {
		return 0, 0, err
	}
	return l.min, l.max, nil
}

// locate returns the item covering rel in partition p.
func (pi *partitionIndex) locate(p uint16, rel uint64) (partitionItem, error) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	l, err := pi.log(p)
	if err != nil {
		return partitionItem{}, err
	}
	if rel < l.min || rel >= l.max {
		return partitionItem{}, rangeError(rel, l.min, l.max)
	}
	var found partitionItem
	l.items.DescendLessOrEqual(partitionItem{start: rel}, func(it partitionItem) bool {
		found = it
		return false
	})
	return found, nil
}

// truncate forgets items at or above global index and rewinds the cursors.
func (pi *partitionIndex) truncate(index uint64) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	for _, l := range pi.logs {
		for {
			it, ok := l.items.Max()
			if !ok || it.global < index {
				break
			}
			l.items.DeleteMax()
			l.max = it.start
		}
		if l.cursor > index {
			l.cursor = index
		}
	}
}

// compact forgets items below the new global MinIndex.
func (pi *partitionIndex) compact(min uint64) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	for _, l := range pi.logs {
		for {
			it, ok := l.items.Min()
			if !ok || it.global >= min {
				break
			}
			l.items.DeleteMin()
		}
		if it, ok := l.items.Min(); ok {
			l.min = it.start
		} else {
			l.min = l.max
		}
		if l.cursor < min {
			l.cursor = min
		}
	}
}

// reset forgets every item; relative numbering carries on from max.
func (pi *partitionIndex) reset(index uint64) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	for _, l := range pi.logs {
		l.items.Clear(false)
		l.min = l.max
		l.cursor = index
	}
}

func (pi *partitionIndex) repartition(partitions []uint16) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	logs := make(map[uint16]*partitionLog, len(partitions))
	for _, p := range partitions {
		if l, ok := pi.logs[p]; ok {
			logs[p] = l
			continue
		}
		logs[p] = newPartitionLog(pi.j.MinIndex())
	}
	pi.logs = logs
}

func (pi *partitionIndex) list() []uint16 {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	out := make([]uint16, 0, len(pi.logs))
	for p := range pi.logs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}

// RePartition replaces the set of tracked partitions. Partitions that stay
// tracked keep their index; newly tracked ones are indexed from MinIndex.
func (j *Journal) RePartition(partitions []uint16) {
	j.partitions.repartition(partitions)
}

// Partitions returns the tracked partitions in ascending order.
func (j *Journal) Partitions() []uint16 {
	return j.partitions.list()
}

// MinIndexOf is the first readable relative index of partition p.
func (j *Journal) MinIndexOf(p uint16) (uint64, error) {
	min, _, err := j.partitions.bounds(p)
	return min, err
}

// MaxIndexOf is one past the last committed relative index of partition p,
// counting every sub-entry of a batch.
func (j *Journal) MaxIndexOf(p uint16) (uint64, error) {
	_, max, err := j.partitions.bounds(p)
	return max, err
}

// ReadByPartition returns the physical entry holding relative index rel of
// partition p. Offset is set to the position of rel inside the entry's batch.
func (j *Journal) ReadByPartition(p uint16, rel uint64) (entry.Entry, error) {
	it, err := j.partitions.locate(p, rel)
	if err != nil {
		return entry.Entry{}, err
	}
	e, err := j.Read(it.global)
	if err != nil {
		return entry.Entry{}, err
	}
	e.Offset = uint16(rel - it.start)
	return e, nil
}
