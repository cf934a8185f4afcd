// Package columnar reads row-oriented trip files with schema inference and
// converts them to Parquet.
package columnar

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ColumnType is the inferred or declared type of a column.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeInt64
	TypeFloat64
	TypeBool
	TypeTimestamp
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "string"
	}
}

// Column describes one column of a Table.
type Column struct {
	Name string
	Type ColumnType
}

// Table is a typed row source. Next returns one value per column: int64,
// float64, bool, time.Time, string, or nil for a missing value. It returns
// io.EOF after the last row.
type Table interface {
	Columns() []Column
	Next() ([]any, error)
	Close() error
}

// TransformError reports input that cannot be parsed or converted.
// Line is the 1-based line in the source file, 0 when unknown.
type TransformError struct {
	Path   string
	Line   int
	Column string
	Err    error
}

func (e *TransformError) Error() string {
	var b strings.Builder
	b.WriteString("transform ")
	b.WriteString(e.Path)
	if e.Line > 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(e.Line))
	}
	if e.Column != "" {
		fmt.Fprintf(&b, " column %q", e.Column)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// timestampLayouts are tried in order when inferring timestamp columns.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseBool(s string) (bool, bool) {
	switch {
	case strings.EqualFold(s, "true"):
		return true, true
	case strings.EqualFold(s, "false"):
		return false, true
	}
	return false, false
}

// convert parses a non-empty field as t.
func convert(s string, t ColumnType) (any, error) {
	switch t {
	case TypeInt64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q as int64", s)
		}
		return v, nil
	case TypeFloat64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q as float64", s)
		}
		return v, nil
	case TypeBool:
		v, ok := parseBool(s)
		if !ok {
			return nil, fmt.Errorf("parse %q as bool", s)
		}
		return v, nil
	case TypeTimestamp:
		v, ok := parseTimestamp(s)
		if !ok {
			return nil, fmt.Errorf("parse %q as timestamp", s)
		}
		return v, nil
	default:
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("invalid UTF-8 in %q", s)
		}
		return s, nil
	}
}

// candidate bits tracked per column during inference.
const (
	canInt = 1 << iota
	canFloat
	canBool
	canTimestamp
)

type inference struct {
	parseTimestamps bool
	masks           []uint8
	seen            []bool
}

func newInference(columns int, parseTimestamps bool) *inference {
	inf := &inference{
		parseTimestamps: parseTimestamps,
		masks:           make([]uint8, columns),
		seen:            make([]bool, columns),
	}
	for i := range inf.masks {
		inf.masks[i] = canInt | canFloat | canBool
		if parseTimestamps {
			inf.masks[i] |= canTimestamp
		}
	}
	return inf
}

// observe narrows each column's candidates by one row of fields.
func (inf *inference) observe(record []string) {
	for i, s := range record {
		if s == "" {
			continue
		}
		inf.seen[i] = true
		m := inf.masks[i]
		if m&canInt != 0 {
			if _, err := strconv.ParseInt(s, 10, 64); err != nil {
				m &^= canInt
			}
		}
		if m&canFloat != 0 {
			if _, err := strconv.ParseFloat(s, 64); err != nil {
				m &^= canFloat
			}
		}
		if m&canBool != 0 {
			if _, ok := parseBool(s); !ok {
				m &^= canBool
			}
		}
		if m&canTimestamp != 0 {
			if _, ok := parseTimestamp(s); !ok {
				m &^= canTimestamp
			}
		}
		inf.masks[i] = m
	}
}

// types resolves the narrowest type per column. Columns with no sampled
// values are strings.
func (inf *inference) types() []ColumnType {
	out := make([]ColumnType, len(inf.masks))
	for i, m := range inf.masks {
		switch {
		case !inf.seen[i]:
			out[i] = TypeString
		case m&canInt != 0:
			out[i] = TypeInt64
		case m&canFloat != 0:
			out[i] = TypeFloat64
		case m&canBool != 0:
			out[i] = TypeBool
		case m&canTimestamp != 0:
			out[i] = TypeTimestamp
		default:
			out[i] = TypeString
		}
	}
	return out
}

// ReadAll drains t into memory. Intended for small tables and tests.
func ReadAll(t Table) ([][]any, error) {
	var rows [][]any
	for {
		row, err := t.Next()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
}
