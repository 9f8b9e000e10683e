package types

// Provenance distinguishes rows ingested from producers from rows the
// pipeline itself duplicated (e.g. the second aggregate row emitted per
// metric group). Publishers forward only Ingested rows.
type Provenance uint8

const (
	Ingested Provenance = iota
	Duplicated
)

// Column is one (name, value) pair of a row.
type Column struct {
	Name  string
	Value *Value
}

// reservedColumns are metadata column names the ignore-metadata add path
// filters out; they are synthesized by the batch writer, never stored by
// producers.
var reservedColumns = map[string]struct{}{
	"TIMESTAMP":        {},
	"PreciseTimeStamp": {},
	"PartitionKey":     {},
	"RowKey":           {},
	"N":                {},
	"RowIndex":         {},
}

// IsReservedColumn reports whether name is one of the synthesized
// metadata columns.
func IsReservedColumn(name string) bool {
	_, ok := reservedColumns[name]
	return ok
}

// Row is the canonical in-memory record: an ordered column list plus the
// metadata every destination needs. Row assembly is single-threaded per
// task; rows crossing goroutines are copied first.
type Row struct {
	columns []Column

	Timestamp    TimeValue
	PartitionKey string
	RowKey       string
	SchemaID     uint64
	Origin       Provenance
}

// NewRow returns an empty row with capacity for n columns.
func NewRow(n int) *Row {
	return &Row{columns: make([]Column, 0, n)}
}

// AddColumn appends a column. Columns named PartitionKey or RowKey are
// never stored as data; their string payload promotes to the dedicated
// fields instead.
func (r *Row) AddColumn(name string, v *Value) {
	switch name {
	case "PartitionKey":
		r.PartitionKey = v.String()
		return
	case "RowKey":
		r.RowKey = v.String()
		return
	}
	r.columns = append(r.columns, Column{Name: name, Value: v})
}

// AddString is shorthand for AddColumn with a string value.
func (r *Row) AddString(name, s string) {
	r.AddColumn(name, StringValue(s))
}

// AddColumnIgnoreMetadata appends a column unless its name belongs to
// the reserved metadata set.
func (r *Row) AddColumnIgnoreMetadata(name string, v *Value) {
	if IsReservedColumn(name) {
		return
	}
	r.columns = append(r.columns, Column{Name: name, Value: v})
}

// Find returns the value of the named column, or nil.
func (r *Row) Find(name string) *Value {
	for i := range r.columns {
		if r.columns[i].Name == name {
			return r.columns[i].Value
		}
	}
	return nil
}

// Columns exposes the ordered column list. Callers must not mutate it.
func (r *Row) Columns() []Column { return r.columns }

// Len returns the column count.
func (r *Row) Len() int { return len(r.columns) }

// Copy deep-copies the row, values included.
func (r *Row) Copy() *Row {
	c := &Row{
		columns:      make([]Column, len(r.columns)),
		Timestamp:    r.Timestamp,
		PartitionKey: r.PartitionKey,
		RowKey:       r.RowKey,
		SchemaID:     r.SchemaID,
		Origin:       r.Origin,
	}
	for i, col := range r.columns {
		c.columns[i] = Column{Name: col.Name, Value: col.Value.Copy()}
	}
	return c
}

// WireSize estimates the serialized row size for the table sink's
// 1 MiB per-row budget: key bytes double-counted plus per-column name
// and payload estimates.
func (r *Row) WireSize() int {
	size := 2*(len(r.PartitionKey)+len(r.RowKey)) + 4
	for i := range r.columns {
		size += 2*len(r.columns[i].Name) + r.columns[i].Value.WireSize()
	}
	return size
}
