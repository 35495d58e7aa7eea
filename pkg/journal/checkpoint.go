package journal

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/downfa11-org/go-journal/util"
)

const (
	checkpointFile = "checkpoint"
	checkpointSize = 24
)

// checkpoint is the data position of the entry at Index. Compact and Reset write
// one whenever MinIndex moves, so recovery still has a replay start when no
// record of the first live index segment survived a crash.
//
// Layout: [index u64][position u64][xxhash u64 of the first 16 bytes].
type checkpoint struct {
	Index    uint64
	Position int64
}

func (j *Journal) checkpointPath() string {
	return filepath.Join(j.path, IndexDir, checkpointFile)
}

// writeCheckpoint replaces the checkpoint file atomically.
func (j *Journal) writeCheckpoint(cp checkpoint) error {
	b := make([]byte, checkpointSize)
	binary.BigEndian.PutUint64(b[0:8], cp.Index)
	binary.BigEndian.PutUint64(b[8:16], uint64(cp.Position))
	binary.BigEndian.PutUint64(b[16:24], util.Checksum(b[:16]))

	path := j.checkpointPath()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readCheckpoint returns false when there is no checkpoint or it fails its checksum.
func (j *Journal) readCheckpoint() (checkpoint, bool) {
	b, err := os.ReadFile(j.checkpointPath())
	if err != nil {
		if !os.IsNotExist(err) {
			util.Warn("journal recover: read checkpoint: %v", err)
		}
		return checkpoint{}, false
	}
	if len(b) != checkpointSize || binary.BigEndian.Uint64(b[16:24]) != util.Checksum(b[:16]) {
		util.Warn("journal recover: ignoring corrupt checkpoint %s", j.checkpointPath())
		return checkpoint{}, false
	}
	return checkpoint{
		Index:    binary.BigEndian.Uint64(b[0:8]),
		Position: int64(binary.BigEndian.Uint64(b[8:16])),
	}, true
}

// replayStart is the data position of the entry at first, for an index that
// holds no intact record. A checkpoint older than first is walked forward over
// the entries compacted out of the index but still present in data. Without a
// usable checkpoint nothing in data can be tied to an index and replay starts at
// the data tail.
func (j *Journal) replayStart(first uint64) int64 {
	cp, ok := j.readCheckpoint()
	if !ok {
		return j.data.Max()
	}
	if cp.Index > first || cp.Position < j.data.Min() || cp.Position > j.data.Max() {
		util.Warn("journal recover: checkpoint (index %d, position %d) does not cover index %d in data [%d, %d)",
			cp.Index, cp.Position, first, j.data.Min(), j.data.Max())
		return j.data.Max()
	}

	pos := cp.Position
	for i := cp.Index; i < first; i++ {
		h, err := j.tailHeader(pos, j.data.SegmentRemaining(pos))
		if err != nil {
			util.Warn("journal recover: walking checkpoint to index %d: %v", first, err)
			return j.data.Max()
		}
		pos += int64(h.Length)
	}
	return pos
}
