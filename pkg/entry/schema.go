package entry

// Field is one fixed-width header attribute.
type Field struct {
	Name   string
	Width  int
	Offset int
}

// Schema is an ordered, immutable header layout. Offsets are derived once when the
// schema is built and never change afterwards.
type Schema struct {
	fields []Field
	length int
}

func newSchema(defs ...Field) Schema {
	s := Schema{fields: make([]Field, len(defs))}
	for i, f := range defs {
		f.Offset = s.length
		s.fields[i] = f
		s.length += f.Width
	}
	return s
}

// Length is the total header width in bytes.
func (s Schema) Length() int { return s.length }

// Fields returns a copy of the layout in wire order.
func (s Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

func (s Schema) field(i int) Field { return s.fields[i] }

// Field order is a durable on-disk contract.
const (
	fieldLength = iota
	fieldMagic
	fieldTerm
	fieldPartition
	fieldBatchSize
)

// HeaderSchema is the layout of every journal entry header.
var HeaderSchema = newSchema(
	Field{Name: "LENGTH", Width: 4},
	Field{Name: "MAGIC", Width: 2},
	Field{Name: "TERM", Width: 4},
	Field{Name: "PARTITION", Width: 2},
	Field{Name: "BATCH_SIZE", Width: 2},
)
