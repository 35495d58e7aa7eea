package types

import "encoding/binary"

const (
	IndexEntrySize = 12 // position(8) + term(4)
)

// IndexEntry locates one physical journal entry inside the data segments.
type IndexEntry struct {
	Position int64
	Term     uint32
}

// Marshal writes the entry into b, which must hold IndexEntrySize bytes.
func (e IndexEntry) Marshal(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], uint64(e.Position))
	binary.BigEndian.PutUint32(b[8:12], e.Term)
}

func (e IndexEntry) Bytes() []byte {
	b := make([]byte, IndexEntrySize)
	e.Marshal(b)
	return b
}

func UnmarshalIndexEntry(b []byte) IndexEntry {
	return IndexEntry{
		Position: int64(binary.BigEndian.Uint64(b[0:8])),
		Term:     binary.BigEndian.Uint32(b[8:12]),
	}
}
