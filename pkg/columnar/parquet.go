package columnar

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
)

// leafDecoder converts a non-null parquet value into a Go value.
type leafDecoder func(parquet.Value) any

// ParquetTable is a Table over a flat Parquet file.
// It streams rows by iterating through row groups.
type ParquetTable struct {
	path     string
	osFile   *os.File
	file     *parquet.File
	columns  []Column
	decoders []leafDecoder

	// Row group iteration state
	rowGroups    []parquet.RowGroup
	currentRGIdx int
	currentRows  parquet.Rows
	rowBuf       []parquet.Row
	bufIdx       int
	bufLen       int
}

// OpenParquet opens a Parquet file whose schema has only top-level leaf columns.
func OpenParquet(path string) (*ParquetTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat parquet: %w", err)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, &TransformError{Path: path, Err: fmt.Errorf("open parquet file: %w", err)}
	}

	columns, decoders, err := describeSchema(pf.Schema())
	if err != nil {
		f.Close()
		return nil, &TransformError{Path: path, Err: err}
	}

	return &ParquetTable{
		path:         path,
		osFile:       f,
		file:         pf,
		columns:      columns,
		decoders:     decoders,
		rowGroups:    pf.RowGroups(),
		currentRGIdx: -1,
		rowBuf:       make([]parquet.Row, 1024),
	}, nil
}

// describeSchema maps each top-level field to a Column and a decoder.
func describeSchema(schema *parquet.Schema) ([]Column, []leafDecoder, error) {
	fields := schema.Fields()
	columns := make([]Column, len(fields))
	decoders := make([]leafDecoder, len(fields))

	for i, field := range fields {
		if !field.Leaf() {
			return nil, nil, fmt.Errorf("column %q: nested columns are not supported", field.Name())
		}
		col, dec := describeLeaf(field.Type())
		col.Name = field.Name()
		columns[i] = col
		decoders[i] = dec
	}
	return columns, decoders, nil
}

func describeLeaf(t parquet.Type) (Column, leafDecoder) {
	lt := t.LogicalType()

	switch t.Kind() {
	case parquet.Boolean:
		return Column{Type: TypeBool}, func(v parquet.Value) any { return v.Boolean() }
	case parquet.Int32:
		if lt != nil && lt.Date != nil {
			return Column{Type: TypeTimestamp}, func(v parquet.Value) any {
				return time.Unix(int64(v.Int32())*86400, 0).UTC()
			}
		}
		return Column{Type: TypeInt64}, func(v parquet.Value) any { return int64(v.Int32()) }
	case parquet.Int64:
		if lt != nil && lt.Timestamp != nil {
			unit := lt.Timestamp.Unit
			switch {
			case unit.Millis != nil:
				return Column{Type: TypeTimestamp}, func(v parquet.Value) any { return time.UnixMilli(v.Int64()).UTC() }
			case unit.Nanos != nil:
				return Column{Type: TypeTimestamp}, func(v parquet.Value) any { return time.Unix(0, v.Int64()).UTC() }
			default:
				return Column{Type: TypeTimestamp}, func(v parquet.Value) any { return time.UnixMicro(v.Int64()).UTC() }
			}
		}
		return Column{Type: TypeInt64}, func(v parquet.Value) any { return v.Int64() }
	case parquet.Float:
		return Column{Type: TypeFloat64}, func(v parquet.Value) any { return float64(v.Float()) }
	case parquet.Double:
		return Column{Type: TypeFloat64}, func(v parquet.Value) any { return v.Double() }
	default:
		// ByteArray, FixedLenByteArray and the deprecated Int96.
		return Column{Type: TypeString}, func(v parquet.Value) any { return v.String() }
	}
}

// Columns returns the file's columns.
func (t *ParquetTable) Columns() []Column {
	return t.columns
}

// NumRows returns the row count recorded in the file footer.
func (t *ParquetTable) NumRows() int64 {
	return t.file.NumRows()
}

// Next returns the next row.
func (t *ParquetTable) Next() ([]any, error) {
	for {
		if t.bufIdx < t.bufLen {
			row := t.rowBuf[t.bufIdx]
			t.bufIdx++
			return t.decode(row), nil
		}

		if t.currentRows != nil {
			n, err := t.currentRows.ReadRows(t.rowBuf)
			if n > 0 {
				t.bufIdx = 0
				t.bufLen = n
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, &TransformError{Path: t.path, Err: fmt.Errorf("read parquet rows: %w", err)}
			}
			// Current row group exhausted
			t.currentRows.Close()
			t.currentRows = nil
		}

		t.currentRGIdx++
		if t.currentRGIdx >= len(t.rowGroups) {
			return nil, io.EOF
		}
		t.currentRows = t.rowGroups[t.currentRGIdx].Rows()
	}
}

func (t *ParquetTable) decode(row parquet.Row) []any {
	out := make([]any, len(t.columns))
	for _, v := range row {
		col := v.Column()
		if v.IsNull() || col < 0 || col >= len(out) {
			continue
		}
		out[col] = t.decoders[col](v)
	}
	return out
}

// Close releases the file.
func (t *ParquetTable) Close() error {
	if t.currentRows != nil {
		t.currentRows.Close()
		t.currentRows = nil
	}
	return t.osFile.Close()
}
