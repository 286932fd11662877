package table

import (
	"fmt"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// ArrowSchema returns the table's Arrow schema: a millisecond timestamp
// column followed by one nullable float64 field per series column.
func (t *Table) ArrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, 0, 1+len(t.columns))
	fields = append(fields, arrow.Field{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_ms})
	for _, c := range t.columns {
		fields = append(fields, arrow.Field{Name: c.Key, Type: arrow.PrimitiveTypes.Float64, Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}

// ArrowRecord materializes the table as an Arrow record. The caller owns the
// returned record and must Release it.
func (t *Table) ArrowRecord(mem memory.Allocator) (arrow.Record, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	schema := t.ArrowSchema()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	tsb, ok := b.Field(0).(*array.TimestampBuilder)
	if !ok {
		return nil, fmt.Errorf("unexpected builder type for timestamp column: %T", b.Field(0))
	}
	for _, ts := range t.timestamps {
		tsb.Append(arrow.Timestamp(ts.UnixNano() / int64(time.Millisecond)))
	}

	for i, c := range t.columns {
		vb, ok := b.Field(i + 1).(*array.Float64Builder)
		if !ok {
			return nil, fmt.Errorf("unexpected builder type for column %q: %T", c.Key, b.Field(i+1))
		}
		for row := range t.timestamps {
			if c.Valid[row] {
				vb.Append(c.Values[row])
			} else {
				vb.AppendNull()
			}
		}
	}

	return b.NewRecord(), nil
}

// ArrowTable materializes the table as an Arrow table for writers that
// consume tables rather than records. The caller must Release it.
func (t *Table) ArrowTable(mem memory.Allocator) (arrow.Table, error) {
	rec, err := t.ArrowRecord(mem)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	return array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec}), nil
}
