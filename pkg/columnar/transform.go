package columnar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/eunmann/tlc-sync/pkg/fileutil"
	"github.com/parquet-go/parquet-go"
)

// writeBatchRows is the number of rows buffered per WriteRows call.
const writeBatchRows = 1024

// Stats describes a completed conversion.
type Stats struct {
	Rows    int64
	Columns int
	Bytes   int64
}

// Transformer converts CSV(.gz) files into Parquet.
type Transformer struct {
	opts CSVOptions
}

// NewTransformer creates a Transformer with the given inference options.
func NewTransformer(opts CSVOptions) *Transformer {
	return &Transformer{opts: opts}
}

// Transform reads src as CSV with schema inference and writes dst as Parquet.
// dst appears only when the whole file converted successfully.
func (t *Transformer) Transform(ctx context.Context, src, dst string) (Stats, error) {
	table, err := OpenCSV(src, t.opts)
	if err != nil {
		return Stats{}, err
	}
	defer table.Close()

	var stats Stats
	err = fileutil.WriteTmpThenMove(dst, func(tmpPath string) error {
		out, err := os.Create(tmpPath)
		if err != nil {
			return fmt.Errorf("create parquet file: %w", err)
		}
		rows, err := WriteParquet(ctx, out, table)
		closeErr := out.Close()
		if err != nil {
			var te *TransformError
			if errors.As(err, &te) && te.Path == "" {
				te.Path = src
			}
			return err
		}
		if closeErr != nil {
			return fmt.Errorf("close parquet file: %w", closeErr)
		}
		stats.Rows = rows
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	stats.Columns = len(table.Columns())
	if stats.Bytes, err = fileutil.Size(dst); err != nil {
		return stats, fmt.Errorf("stat parquet file: %w", err)
	}
	return stats, nil
}

// Schema builds a flat Parquet schema with one optional leaf per column.
// Parquet orders group fields by name; LeafIndexes maps column positions
// to leaf indexes.
func Schema(name string, columns []Column) *parquet.Schema {
	group := make(parquet.Group, len(columns))
	for _, c := range columns {
		group[c.Name] = parquet.Optional(leafNode(c.Type))
	}
	return parquet.NewSchema(name, group)
}

func leafNode(t ColumnType) parquet.Node {
	switch t {
	case TypeInt64:
		return parquet.Int(64)
	case TypeFloat64:
		return parquet.Leaf(parquet.DoubleType)
	case TypeBool:
		return parquet.Leaf(parquet.BooleanType)
	case TypeTimestamp:
		return parquet.Timestamp(parquet.Microsecond)
	default:
		return parquet.String()
	}
}

// LeafIndexes returns, for each column, its leaf index in schema.
func LeafIndexes(schema *parquet.Schema, columns []Column) []int {
	byName := make(map[string]int, len(columns))
	for i, path := range schema.Columns() {
		byName[path[0]] = i
	}
	idx := make([]int, len(columns))
	for i, c := range columns {
		idx[i] = byName[c.Name]
	}
	return idx
}

// WriteParquet streams every row of table into w as Parquet and returns the
// number of rows written.
func WriteParquet(ctx context.Context, w io.Writer, table Table) (int64, error) {
	columns := table.Columns()
	schema := Schema("trips", columns)
	if n := len(schema.Columns()); n != len(columns) {
		return 0, &TransformError{Err: fmt.Errorf("%d columns map to %d parquet fields: column names must be unique", len(columns), n)}
	}
	leaves := LeafIndexes(schema, columns)

	pw := parquet.NewWriter(w, schema, parquet.Compression(&parquet.Snappy))

	var (
		total int64
		batch = make([]parquet.Row, 0, writeBatchRows)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := pw.WriteRows(batch); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
		total += int64(len(batch))
		batch = batch[:0]
		return ctx.Err()
	}

	for {
		values, err := table.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, err
		}
		batch = append(batch, toRow(values, columns, leaves))
		if len(batch) == writeBatchRows {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}

	if err := pw.Close(); err != nil {
		return total, fmt.Errorf("close parquet writer: %w", err)
	}
	return total, nil
}

// toRow lays values out in leaf order with definition levels for nulls.
func toRow(values []any, columns []Column, leaves []int) parquet.Row {
	row := make(parquet.Row, len(columns))
	for i, v := range values {
		leaf := leaves[i]
		if v == nil {
			row[leaf] = parquet.NullValue().Level(0, 0, leaf)
			continue
		}
		row[leaf] = toValue(v, columns[i].Type).Level(0, 1, leaf)
	}
	return row
}

func toValue(v any, t ColumnType) parquet.Value {
	switch t {
	case TypeInt64:
		return parquet.Int64Value(v.(int64))
	case TypeFloat64:
		return parquet.DoubleValue(v.(float64))
	case TypeBool:
		return parquet.BooleanValue(v.(bool))
	case TypeTimestamp:
		return parquet.Int64Value(v.(time.Time).UnixMicro())
	default:
		return parquet.ByteArrayValue([]byte(v.(string)))
	}
}
