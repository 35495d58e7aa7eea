// Package replication binds the journal and the local state to hashicorp/raft:
// the journal backs raft's log and the state directory is what raft snapshots.
package replication

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"

	"github.com/downfa11-org/go-journal/pkg/entry"
)

// Journal is the part of journal.Journal the log store needs.
type Journal interface {
	MinIndex() uint64
	MaxIndex() uint64
	Read(index uint64) (entry.Entry, error)
	CompareOrAppendRaw(raws [][]byte, startIndex uint64) (uint64, error)
	Commit(index uint64)
	Truncate(index uint64) error
	Compact(toIndex uint64) error
	Reset(index uint64) error
	Flush() error
}

// logRecord is the payload of a journal entry holding a raft log. The term
// lives in the entry header.
type logRecord struct {
	Index      uint64
	Type       uint8
	Data       []byte
	Extensions []byte
	AppendedAt int64
}

// LogStore implements raft.LogStore. Raft index n is stored at journal index
// n-1 and raft terms must fit the 32-bit entry term.
type LogStore struct {
	j         Journal
	partition uint16
}

func NewLogStore(j Journal, partition uint16) *LogStore {
	return &LogStore{j: j, partition: partition}
}

func (s *LogStore) FirstIndex() (uint64, error) {
	min, max := s.j.MinIndex(), s.j.MaxIndex()
	if min == max {
		return 0, nil
	}
	return min + 1, nil
}

func (s *LogStore) LastIndex() (uint64, error) {
	min, max := s.j.MinIndex(), s.j.MaxIndex()
	if min == max {
		return 0, nil
	}
	return max, nil
}

func (s *LogStore) GetLog(index uint64, log *raft.Log) error {
	if index == 0 || index-1 < s.j.MinIndex() || index-1 >= s.j.MaxIndex() {
		return raft.ErrLogNotFound
	}
	e, err := s.j.Read(index - 1)
	if err != nil {
		return err
	}

	var rec logRecord
	if err := decodeMsgPack(e.Payload, &rec); err != nil {
		return fmt.Errorf("decode raft log %d: %w", index, err)
	}
	if rec.Index != index {
		return fmt.Errorf("raft log %d holds index %d", index, rec.Index)
	}
	*log = raft.Log{
		Index:      rec.Index,
		Term:       uint64(e.Term),
		Type:       raft.LogType(rec.Type),
		Data:       rec.Data,
		Extensions: rec.Extensions,
	}
	if rec.AppendedAt != 0 {
		log.AppendedAt = time.Unix(0, rec.AppendedAt)
	}
	return nil
}

func (s *LogStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs writes consecutive logs. Logs past the end of the journal, as after
// a snapshot install, restart the journal at the first of them.
func (s *LogStore) StoreLogs(logs []*raft.Log) error {
	if len(logs) == 0 {
		return nil
	}
	raws := make([][]byte, len(logs))
	for i, l := range logs {
		if i > 0 && l.Index != logs[i-1].Index+1 {
			return fmt.Errorf("raft logs not consecutive: %d after %d", l.Index, logs[i-1].Index)
		}
		raw, err := s.encode(l)
		if err != nil {
			return err
		}
		raws[i] = raw
	}

	if logs[0].Index == 0 {
		return fmt.Errorf("raft log index 0 is reserved")
	}
	start := logs[0].Index - 1
	min, max := s.j.MinIndex(), s.j.MaxIndex()
	if start > max || (min == max && start != min) {
		if err := s.j.Reset(start); err != nil {
			return err
		}
	}
	if _, err := s.j.CompareOrAppendRaw(raws, start); err != nil {
		return err
	}
	return s.j.Flush()
}

func (s *LogStore) encode(l *raft.Log) ([]byte, error) {
	if l.Term > math.MaxUint32 {
		return nil, fmt.Errorf("raft term %d exceeds the entry term range", l.Term)
	}
	rec := logRecord{
		Index:      l.Index,
		Type:       uint8(l.Type),
		Data:       l.Data,
		Extensions: l.Extensions,
	}
	if !l.AppendedAt.IsZero() {
		rec.AppendedAt = l.AppendedAt.UnixNano()
	}
	payload, err := encodeMsgPack(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode raft log %d: %w", l.Index, err)
	}
	return entry.Encode(entry.New(payload, uint32(l.Term), s.partition)), nil
}

// DeleteRange removes raft logs [min, max]. Raft only deletes a conflicting
// suffix or a snapshotted prefix. A prefix is compacted, which works on whole
// segments, so FirstIndex may stay below max+1.
func (s *LogStore) DeleteRange(min, max uint64) error {
	if min == 0 || min > max {
		return fmt.Errorf("invalid raft log range [%d, %d]", min, max)
	}
	first, end := s.j.MinIndex(), s.j.MaxIndex()
	from, to := min-1, max // journal indexes [from, to)

	switch {
	case to <= first || from >= end:
		return nil
	case from <= first && to >= end:
		return s.j.Reset(to)
	case to >= end:
		return s.j.Truncate(from)
	case from <= first:
		s.j.Commit(to)
		return s.j.Compact(to)
	default:
		return fmt.Errorf("cannot delete raft logs [%d, %d] from the middle of [%d, %d]", min, max, first+1, end)
	}
}

func decodeMsgPack(buf []byte, out interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(buf), &codec.MsgpackHandle{})
	return dec.Decode(out)
}

func encodeMsgPack(in interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
