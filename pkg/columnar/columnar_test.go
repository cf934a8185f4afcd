package columnar

import (
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

// readByName reads every row of the Parquet file keyed by column name.
func readByName(t *testing.T, path string) ([]Column, []map[string]any) {
	t.Helper()
	table, err := OpenParquet(path)
	require.NoError(t, err)
	defer table.Close()

	rows, err := ReadAll(table)
	require.NoError(t, err)

	cols := table.Columns()
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		m := make(map[string]any, len(cols))
		for j, c := range cols {
			m[c.Name] = row[j]
		}
		out[i] = m
	}
	return cols, out
}

func columnTypes(cols []Column) map[string]ColumnType {
	m := make(map[string]ColumnType, len(cols))
	for _, c := range cols {
		m[c.Name] = c.Type
	}
	return m
}

const greenSample = `VendorID,lpep_pickup_datetime,store_and_fwd_flag,trip_distance,ehail_fee,congestion_surcharge
2,2019-03-01 00:10:56,N,1.42,,
1,2019-03-01 00:22:18,N,3,,2.75
2,2019-03-01 00:41:05,Y,0.5,,
`

func TestTransformGzipCSV(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "green_tripdata_2019-03.csv.gz")
	dst := filepath.Join(dir, "green_tripdata_2019-03.parquet")
	writeGzip(t, src, greenSample)

	tr := NewTransformer(CSVOptions{ParseTimestamps: true})
	stats, err := tr.Transform(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Rows)
	assert.Equal(t, 6, stats.Columns)
	assert.Positive(t, stats.Bytes)
	assert.NoFileExists(t, dst+".tmp")

	cols, rows := readByName(t, dst)
	types := columnTypes(cols)
	assert.Equal(t, TypeInt64, types["VendorID"])
	assert.Equal(t, TypeTimestamp, types["lpep_pickup_datetime"])
	assert.Equal(t, TypeString, types["store_and_fwd_flag"])
	assert.Equal(t, TypeFloat64, types["trip_distance"])
	assert.Equal(t, TypeString, types["ehail_fee"], "all-empty column falls back to string")
	assert.Equal(t, TypeFloat64, types["congestion_surcharge"])

	require.Len(t, rows, 3)
	assert.Equal(t, int64(2), rows[0]["VendorID"])
	pickup, ok := rows[0]["lpep_pickup_datetime"].(time.Time)
	require.True(t, ok)
	assert.True(t, pickup.Equal(time.Date(2019, 3, 1, 0, 10, 56, 0, time.UTC)), "pickup = %v", pickup)
	assert.Equal(t, 3.0, rows[1]["trip_distance"])
	assert.Equal(t, 2.75, rows[1]["congestion_surcharge"])
	assert.Nil(t, rows[0]["congestion_surcharge"])
	assert.Nil(t, rows[2]["ehail_fee"])
	assert.Equal(t, "Y", rows[2]["store_and_fwd_flag"])
}

func TestTimestampsStayStringsByDefault(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.csv")
	require.NoError(t, os.WriteFile(src, []byte(greenSample), 0o644))

	table, err := OpenCSV(src, CSVOptions{})
	require.NoError(t, err)
	defer table.Close()

	assert.Equal(t, TypeString, columnTypes(table.Columns())["lpep_pickup_datetime"])
}

func TestInferSparseColumn(t *testing.T) {
	var b strings.Builder
	b.WriteString("id,sparse\n")
	for i := 0; i < 500; i++ {
		b.WriteString("1,\n")
	}
	b.WriteString("2,7\n")

	dir := t.TempDir()
	src := filepath.Join(dir, "sparse.csv")
	require.NoError(t, os.WriteFile(src, []byte(b.String()), 0o644))

	table, err := OpenCSV(src, CSVOptions{})
	require.NoError(t, err)
	defer table.Close()

	assert.Equal(t, TypeInt64, columnTypes(table.Columns())["sparse"])

	rows, err := ReadAll(table)
	require.NoError(t, err)
	require.Len(t, rows, 501)
	assert.Equal(t, int64(7), rows[500][1])
}

func TestTypeMismatchAfterSample(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "mismatch.csv")
	dst := filepath.Join(dir, "mismatch.parquet")
	require.NoError(t, os.WriteFile(src, []byte("id,fare\n1,5\n2,6\n3,6.5\n"), 0o644))

	tr := NewTransformer(CSVOptions{InferRows: 2})
	_, err := tr.Transform(context.Background(), src, dst)

	var te *TransformError
	require.True(t, errors.As(err, &te), "expected TransformError, got %v", err)
	assert.Equal(t, 4, te.Line)
	assert.Equal(t, "fare", te.Column)
	assert.NoFileExists(t, dst)
	assert.NoFileExists(t, dst+".tmp")
}

func TestMalformedRow(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(src, []byte("a,b\n1,2\n3\n"), 0o644))

	_, err := OpenCSV(src, CSVOptions{})

	var te *TransformError
	require.True(t, errors.As(err, &te), "expected TransformError, got %v", err)
	assert.Equal(t, 3, te.Line)
}

func TestEmptyInput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(src, nil, 0o644))

	_, err := OpenCSV(src, CSVOptions{})

	var te *TransformError
	assert.True(t, errors.As(err, &te), "expected TransformError, got %v", err)
}

func TestCorruptGzip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "corrupt.csv.gz")
	require.NoError(t, os.WriteFile(src, []byte{0x1f, 0x8b, 0x00, 0x01, 0x02}, 0o644))

	_, err := NewTransformer(CSVOptions{}).Transform(context.Background(), src, filepath.Join(dir, "out.parquet"))

	var te *TransformError
	assert.True(t, errors.As(err, &te), "expected TransformError, got %v", err)
}

func TestHeaderNames(t *testing.T) {
	got := headerNames([]string{"\ufeffLocationID", "", "zone", "zone"})
	assert.Equal(t, []string{"LocationID", "column_2", "zone", "zone_duplicated_1"}, got)
}

func TestHeaderNames_GeneratedNameAlreadyUsed(t *testing.T) {
	got := headerNames([]string{"a", "a_duplicated_1", "a", "a"})
	assert.Equal(t, []string{"a", "a_duplicated_1", "a_duplicated_2", "a_duplicated_3"}, got)

	got = headerNames([]string{"a", "a", "a_duplicated_1"})
	assert.Equal(t, []string{"a", "a_duplicated_1", "a_duplicated_1_duplicated_1"}, got)
}

func TestTransformCollidingHeader(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "collide.csv")
	dst := filepath.Join(dir, "collide.parquet")
	require.NoError(t, os.WriteFile(src, []byte("a,a_duplicated_1,a\n1,x,2\n"), 0o644))

	stats, err := NewTransformer(CSVOptions{}).Transform(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Columns)

	_, rows := readByName(t, dst)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["a"])
	assert.Equal(t, "x", rows[0]["a_duplicated_1"])
	assert.Equal(t, int64(2), rows[0]["a_duplicated_2"])
}

// dupTable reports the same column name twice.
type dupTable struct{}

func (dupTable) Columns() []Column {
	return []Column{{Name: "a", Type: TypeInt64}, {Name: "a", Type: TypeInt64}}
}
func (dupTable) Next() ([]any, error) { return []any{int64(1), int64(2)}, nil }
func (dupTable) Close() error { return nil }

func TestWriteParquet_DuplicateColumns(t *testing.T) {
	var buf strings.Builder
	_, err := WriteParquet(context.Background(), &buf, dupTable{})

	var te *TransformError
	require.True(t, errors.As(err, &te), "expected TransformError, got %v", err)
	assert.Contains(t, te.Error(), "unique")
}

func TestBoolInference(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "flags.csv")
	require.NoError(t, os.WriteFile(src, []byte("flag\ntrue\nFALSE\n\n"), 0o644))

	table, err := OpenCSV(src, CSVOptions{})
	require.NoError(t, err)
	defer table.Close()

	assert.Equal(t, TypeBool, table.Columns()[0].Type)
	rows, err := ReadAll(table)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, true, rows[0][0])
	assert.Equal(t, false, rows[1][0])
}
