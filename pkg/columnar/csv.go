package columnar

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultInferRows is the number of leading data rows sampled for schema
// inference. It is wide so sparse columns are not mistyped.
const DefaultInferRows = 20000

// CSVOptions configures OpenCSV.
type CSVOptions struct {
	// InferRows is the number of rows sampled for inference (default DefaultInferRows).
	InferRows int
	// ParseTimestamps enables timestamp inference. When false, date-time
	// columns stay strings.
	ParseTimestamps bool
}

// CSVTable is a Table over a CSV file whose first record is the header.
// Gzip-compressed input is detected by its magic bytes.
type CSVTable struct {
	path    string
	file    *os.File
	gz      *gzip.Reader
	reader  *csv.Reader
	columns []Column

	// Sampled rows are replayed before streaming the rest of the file.
	sample     [][]string
	sampleLine []int
	sampleIdx  int
}

// OpenCSV opens path, reads the header, samples up to InferRows rows and
// infers a type per column. Any parse failure is a *TransformError.
func OpenCSV(path string, opts CSVOptions) (*CSVTable, error) {
	if opts.InferRows <= 0 {
		opts.InferRows = DefaultInferRows
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}

	t := &CSVTable{path: path, file: f}

	br := bufio.NewReaderSize(f, 256*1024)
	var src io.Reader = br
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		t.gz, err = gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, &TransformError{Path: path, Err: fmt.Errorf("open gzip stream: %w", err)}
		}
		src = t.gz
	}

	t.reader = csv.NewReader(src)
	// FieldsPerRecord 0: every row must match the header width.

	header, err := t.reader.Read()
	if err != nil {
		t.Close()
		if errors.Is(err, io.EOF) {
			return nil, &TransformError{Path: path, Err: errors.New("empty input: missing header")}
		}
		return nil, t.wrapReadErr(err)
	}
	names := headerNames(header)

	inf := newInference(len(names), opts.ParseTimestamps)
	for len(t.sample) < opts.InferRows {
		record, err := t.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Close()
			return nil, t.wrapReadErr(err)
		}
		line, _ := t.reader.FieldPos(0)
		inf.observe(record)
		t.sample = append(t.sample, record)
		t.sampleLine = append(t.sampleLine, line)
	}

	types := inf.types()
	t.columns = make([]Column, len(names))
	for i, name := range names {
		t.columns[i] = Column{Name: name, Type: types[i]}
	}
	return t, nil
}

// headerNames strips a UTF-8 BOM and makes names non-empty and unique.
func headerNames(header []string) []string {
	names := make([]string, len(header))
	used := make(map[string]int, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		h = strings.TrimSpace(h)
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		if n, dup := used[h]; dup {
			base := h
			for ; ; n++ {
				h = base + "_duplicated_" + strconv.Itoa(n)
				if _, taken := used[h]; !taken {
					break
				}
			}
			used[base] = n + 1
		}
		used[h] = 1
		names[i] = h
	}
	return names
}

func (t *CSVTable) wrapReadErr(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &TransformError{Path: t.path, Line: pe.Line, Err: pe.Err}
	}
	return &TransformError{Path: t.path, Err: err}
}

// Columns returns the inferred columns.
func (t *CSVTable) Columns() []Column {
	return t.columns
}

// Next returns the next converted row.
func (t *CSVTable) Next() ([]any, error) {
	var (
		record []string
		line   int
	)
	if t.sampleIdx < len(t.sample) {
		record, line = t.sample[t.sampleIdx], t.sampleLine[t.sampleIdx]
		t.sample[t.sampleIdx] = nil
		t.sampleIdx++
	} else {
		var err error
		record, err = t.reader.Read()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, t.wrapReadErr(err)
		}
		line, _ = t.reader.FieldPos(0)
	}

	row := make([]any, len(t.columns))
	for i, s := range record {
		if s == "" {
			continue
		}
		v, err := convert(s, t.columns[i].Type)
		if err != nil {
			return nil, &TransformError{Path: t.path, Line: line, Column: t.columns[i].Name, Err: err}
		}
		row[i] = v
	}
	return row, nil
}

// Close releases the underlying file.
func (t *CSVTable) Close() error {
	if t.gz != nil {
		t.gz.Close()
	}
	return t.file.Close()
}
