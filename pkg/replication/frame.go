package replication

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/downfa11-org/go-journal/util"
)

// frameHeaderSize covers offset(8) rawLen(4) dataLen(4) codec(1) checksum(8).
const frameHeaderSize = 25

// maxFrameData bounds a single frame so a corrupt length cannot force a huge
// allocation.
const maxFrameData = 256 << 20

// Frame is one chunk of a serialized state stream together with the stream
// offset it was read at.
type Frame struct {
	Offset int64
	Data   []byte
}

// WriteFrame compresses chunk with codec and writes it as one frame.
func WriteFrame(w io.Writer, offset int64, chunk []byte, codec util.CompressionCodec) (int, error) {
	data, err := util.Compress(chunk, codec)
	if err != nil {
		return 0, fmt.Errorf("compress frame at %d: %w", offset, err)
	}

	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(offset))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(chunk)))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(data)))
	hdr[16] = byte(codec)
	binary.BigEndian.PutUint64(hdr[17:25], util.Checksum(data))

	n, err := w.Write(hdr[:])
	if err != nil {
		return n, err
	}
	m, err := w.Write(data)
	return n + m, err
}

// ReadFrame reads the next frame. A clean end of stream returns io.EOF; a frame
// cut short returns io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	offset := int64(binary.BigEndian.Uint64(hdr[0:8]))
	rawLen := binary.BigEndian.Uint32(hdr[8:12])
	dataLen := binary.BigEndian.Uint32(hdr[12:16])
	codec := util.CompressionCodec(hdr[16])
	sum := binary.BigEndian.Uint64(hdr[17:25])

	if dataLen > maxFrameData || rawLen > maxFrameData {
		return Frame{}, fmt.Errorf("frame at %d too large: %d/%d bytes", offset, dataLen, rawLen)
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	if got := util.Checksum(data); got != sum {
		return Frame{}, fmt.Errorf("frame at %d: checksum mismatch %x != %x", offset, got, sum)
	}

	raw, err := util.Decompress(data, codec)
	if err != nil {
		return Frame{}, fmt.Errorf("decompress frame at %d (%s): %w", offset, codec, err)
	}
	if uint32(len(raw)) != rawLen {
		return Frame{}, fmt.Errorf("frame at %d: decoded %d bytes, want %d", offset, len(raw), rawLen)
	}
	return Frame{Offset: offset, Data: raw}, nil
}
