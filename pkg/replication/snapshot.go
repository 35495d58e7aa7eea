package replication

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/downfa11-org/go-journal/util"
)

const DefaultSnapshotChunkSize = 1 << 20

// Source is the read side of a serialized state stream, see state.LocalState.
type Source interface {
	SerializedDataSize() (int64, error)
	ReadSerializedTrunk(offset int64, size int) ([]byte, error)
}

// Target installs a serialized state stream chunk by chunk.
type Target interface {
	InstallSerializedTrunk(data []byte, offset int64, isLast bool) error
}

// StateSnapshot streams a Source as a sequence of frames. It implements
// raft.FSMSnapshot.
type StateSnapshot struct {
	src       Source
	chunkSize int
	codec     util.CompressionCodec
	release   func()
}

func NewStateSnapshot(src Source, chunkSize int, codec util.CompressionCodec) *StateSnapshot {
	if chunkSize <= 0 {
		chunkSize = DefaultSnapshotChunkSize
	}
	return &StateSnapshot{src: src, chunkSize: chunkSize, codec: codec}
}

// WriteTo writes the whole stream. At least one frame is written, so an empty
// state still installs.
func (s *StateSnapshot) WriteTo(w io.Writer) (int64, error) {
	total, err := s.src.SerializedDataSize()
	if err != nil {
		return 0, err
	}

	var written, offset int64
	frames := 0
	for {
		chunk, err := s.src.ReadSerializedTrunk(offset, s.chunkSize)
		if err != nil {
			return written, fmt.Errorf("read state at %d: %w", offset, err)
		}
		n, err := WriteFrame(w, offset, chunk, s.codec)
		written += int64(n)
		if err != nil {
			return written, err
		}
		frames++

		next := offset + int64(len(chunk))
		if next >= total {
			break
		}
		if len(chunk) == 0 {
			return written, fmt.Errorf("state stream stalled at %d of %d", offset, total)
		}
		offset = next
	}

	util.Debug("state snapshot written: %d frame(s), %s (%s)", frames, util.FormatSize(written), s.codec)
	return written, nil
}

func (s *StateSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := s.WriteTo(sink); err != nil {
		if cerr := sink.Cancel(); cerr != nil {
			util.Error("failed to cancel snapshot %s: %v", sink.ID(), cerr)
		}
		return err
	}
	return sink.Close()
}

func (s *StateSnapshot) Release() {
	if s.release != nil {
		s.release()
	}
}

// Restore installs every frame read from r into dst. The frame before the end of
// the stream is installed as the last one.
func Restore(r io.Reader, dst Target) error {
	cur, err := ReadFrame(r)
	if err == io.EOF {
		return errors.New("restore state: empty snapshot")
	}
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	for frames := 1; ; frames++ {
		next, err := ReadFrame(r)
		last := err == io.EOF
		if err != nil && !last {
			return fmt.Errorf("restore state: %w", err)
		}
		if err := dst.InstallSerializedTrunk(cur.Data, cur.Offset, last); err != nil {
			return err
		}
		if last {
			util.Debug("state restored from %d frame(s)", frames)
			return nil
		}
		cur = next
	}
}
