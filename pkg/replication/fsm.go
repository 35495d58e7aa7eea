package replication

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/hashicorp/raft"

	"github.com/downfa11-org/go-journal/pkg/state"
	"github.com/downfa11-org/go-journal/util"
)

// Committer is told how far raft has committed the log.
type Committer interface {
	Commit(index uint64)
}

// ApplyFunc is handed every committed command entry.
type ApplyFunc func(index uint64, data []byte) interface{}

// JournalFSM implements raft.FSM. Raft's log already lives in the journal, so
// applying an entry advances the journal commit index; snapshots carry the
// local state directory.
type JournalFSM struct {
	j       Committer
	st      *state.LocalState
	onApply ApplyFunc

	chunkSize int
	codec     util.CompressionCodec
	applied   atomic.Uint64
}

func NewJournalFSM(j Committer, st *state.LocalState, chunkSize int, codec util.CompressionCodec, onApply ApplyFunc) *JournalFSM {
	return &JournalFSM{j: j, st: st, onApply: onApply, chunkSize: chunkSize, codec: codec}
}

func (f *JournalFSM) Apply(l *raft.Log) interface{} {
	// raft index n is journal index n-1, so n entries are committed
	f.j.Commit(l.Index)
	f.applied.Store(l.Index)
	if l.Type != raft.LogCommand || f.onApply == nil {
		return nil
	}
	return f.onApply(l.Index, l.Data)
}

// Applied is the last raft index handed to Apply.
func (f *JournalFSM) Applied() uint64 { return f.applied.Load() }

// Snapshot dumps the state directory to a private copy so Persist can stream it
// while the state keeps changing.
func (f *JournalFSM) Snapshot() (raft.FSMSnapshot, error) {
	dir, err := os.MkdirTemp("", "journal-snapshot-")
	if err != nil {
		return nil, err
	}
	if err := f.st.Dump(dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("dump state: %w", err)
	}
	src, err := state.Recover(dir, nil)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	snap := NewStateSnapshot(src, f.chunkSize, f.codec)
	snap.release = func() {
		if err := os.RemoveAll(dir); err != nil {
			util.Warn("failed to remove snapshot copy %s: %v", dir, err)
		}
	}
	util.Debug("state snapshot prepared at applied index %d", f.applied.Load())
	return snap, nil
}

func (f *JournalFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := Restore(rc, f.st); err != nil {
		util.Error("failed to restore state snapshot: %v", err)
		return err
	}
	return nil
}
