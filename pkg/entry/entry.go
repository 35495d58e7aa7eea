// Package entry implements the binary layout of a single journal entry: a fixed
// header followed by an opaque payload.
package entry

import (
	"encoding/binary"
	"fmt"

	"github.com/downfa11-org/go-journal/pkg/types"
)

// Magic marks the start of every serialized entry; a mismatch means the reader is
// out of sync with the stream or the bytes are corrupt.
const Magic uint16 = 0xF43C

// Header carries the fixed-width attributes of an entry. Length covers header and
// payload and is filled in by Encode.
type Header struct {
	Length    uint32
	Term      uint32
	Partition uint16
	BatchSize uint16
}

// PayloadLength is the number of payload bytes described by the header.
func (h Header) PayloadLength() int {
	return int(h.Length) - HeaderLength()
}

// Entry is one physical record of the journal.
type Entry struct {
	Header
	Payload []byte

	// Offset is the position of a logical sub-entry inside its batch. It is only
	// set on entries read by partition and is never serialized.
	Offset uint16
}

// New builds a single-entry batch.
func New(payload []byte, term uint32, partition uint16) Entry {
	return Entry{
		Header:  Header{Term: term, Partition: partition, BatchSize: 1},
		Payload: payload,
	}
}

func (e Entry) String() string {
	return fmt.Sprintf("entry{term=%d partition=%d batch=%d offset=%d len=%d}",
		e.Term, e.Partition, e.BatchSize, e.Offset, len(e.Payload))
}

// HeaderLength is the fixed header width.
func HeaderLength() int { return HeaderSchema.Length() }

// Size is the serialized size of e.
func Size(e Entry) int { return HeaderLength() + len(e.Payload) }

// Encode serializes e into a new buffer.
func Encode(e Entry) []byte {
	buf := make([]byte, Size(e))
	EncodeTo(buf, e)
	return buf
}

// EncodeTo serializes e into dst, which must hold Size(e) bytes, and returns the
// number of bytes written. A zero batch size is written as 1.
func EncodeTo(dst []byte, e Entry) int {
	n := Size(e)
	batch := e.BatchSize
	if batch == 0 {
		batch = 1
	}
	binary.BigEndian.PutUint32(dst[off(fieldLength):], uint32(n))
	binary.BigEndian.PutUint16(dst[off(fieldMagic):], Magic)
	binary.BigEndian.PutUint32(dst[off(fieldTerm):], e.Term)
	binary.BigEndian.PutUint16(dst[off(fieldPartition):], e.Partition)
	binary.BigEndian.PutUint16(dst[off(fieldBatchSize):], batch)
	copy(dst[HeaderLength():n], e.Payload)
	return n
}

// ParseHeader decodes and validates the header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength() {
		return Header{}, &types.ParseError{Position: -1, Reason: fmt.Sprintf("truncated header: %d of %d bytes", len(b), HeaderLength())}
	}
	if m := binary.BigEndian.Uint16(b[off(fieldMagic):]); m != Magic {
		return Header{}, &types.ParseError{Position: -1, Reason: fmt.Sprintf("check magic failed: %#04x", m)}
	}
	h := Header{
		Length:    binary.BigEndian.Uint32(b[off(fieldLength):]),
		Term:      binary.BigEndian.Uint32(b[off(fieldTerm):]),
		Partition: binary.BigEndian.Uint16(b[off(fieldPartition):]),
		BatchSize: binary.BigEndian.Uint16(b[off(fieldBatchSize):]),
	}
	if int(h.Length) < HeaderLength() {
		return Header{}, &types.ParseError{Position: -1, Reason: fmt.Sprintf("invalid length %d", h.Length)}
	}
	return h, nil
}

// Decode parses one complete entry from the start of b. The payload aliases b.
func Decode(b []byte) (Entry, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Entry{}, err
	}
	if len(b) < int(h.Length) {
		return Entry{}, &types.ParseError{Position: -1, Reason: fmt.Sprintf("truncated payload: %d of %d bytes", len(b), h.Length)}
	}
	return Entry{Header: h, Payload: b[HeaderLength():h.Length]}, nil
}

// Validate checks that raw holds exactly one well-formed entry.
func Validate(raw []byte) (Header, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return Header{}, err
	}
	if int(h.Length) != len(raw) {
		return Header{}, &types.ParseError{Position: -1, Reason: fmt.Sprintf("length field %d does not match %d raw bytes", h.Length, len(raw))}
	}
	return h, nil
}

// Payload returns the payload portion of a serialized entry.
func Payload(raw []byte) []byte {
	return raw[HeaderLength():]
}

func off(field int) int { return HeaderSchema.field(field).Offset }
