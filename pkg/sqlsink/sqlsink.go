// Package sqlsink loads columnar tables into a relational database with
// full-replace semantics.
package sqlsink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eunmann/tlc-sync/pkg/columnar"
	"github.com/eunmann/tlc-sync/pkg/logging"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// MultiRowBatchSize is the number of rows per multi-row INSERT, reduced
// when the column count would exceed the driver's bind parameter limit.
const MultiRowBatchSize = 256

// ErrUnsupportedDriver indicates a driver name other than pgx or sqlite3.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

type dialect struct {
	// maxParams is the bind parameter limit of one statement.
	maxParams int
	types     map[columnar.ColumnType]string
	// placeholder renders the n-th (1-based) bind parameter.
	placeholder func(n int) string
}

var dialects = map[string]dialect{
	DriverPostgres: {
		maxParams: 65535,
		types: map[columnar.ColumnType]string{
			columnar.TypeInt64:     "BIGINT",
			columnar.TypeFloat64:   "DOUBLE PRECISION",
			columnar.TypeBool:      "BOOLEAN",
			columnar.TypeTimestamp: "TIMESTAMP",
			columnar.TypeString:    "TEXT",
		},
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	},
	DriverSQLite: {
		maxParams: 999,
		types: map[columnar.ColumnType]string{
			columnar.TypeInt64:     "INTEGER",
			columnar.TypeFloat64:   "REAL",
			columnar.TypeBool:      "BOOLEAN",
			columnar.TypeTimestamp: "TIMESTAMP",
			columnar.TypeString:    "TEXT",
		},
		placeholder: func(int) string { return "?" },
	},
}

// Sink writes tables to one database.
type Sink struct {
	db      *sql.DB
	driver  string
	dialect dialect
}

// Open connects to the database. dsn is a PostgreSQL connection string for
// pgx or a file path for sqlite3.
func Open(driver, dsn string) (*Sink, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s, %s)", ErrUnsupportedDriver, driver, DriverPostgres, DriverSQLite)
	}
	if dsn == "" {
		return nil, errors.New("database DSN is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA temp_store=MEMORY"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("execute pragma %q: %w", pragma, err)
			}
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s database: %w", driver, err)
	}

	log := logging.WithPhase("db_open")
	log.Debug().Str("driver", driver).Msg("opened database")
	return &Sink{db: db, driver: driver, dialect: d}, nil
}

// DB exposes the underlying connection pool.
func (s *Sink) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

// ReplaceTable drops table name, recreates it from the columns of table and
// inserts every row. The whole replacement runs in one transaction, so
// readers see either the old table or the complete new one.
// Returns the number of rows inserted.
func (s *Sink) ReplaceTable(ctx context.Context, name string, table columnar.Table) (int64, error) {
	cols := table.Columns()
	if len(cols) == 0 {
		return 0, fmt.Errorf("replace table %s: no columns", name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return 0, fmt.Errorf("drop table %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, s.createTableSQL(name, cols)); err != nil {
		return 0, fmt.Errorf("create table %s: %w", name, err)
	}

	batchRows := s.batchRows(len(cols))
	stmt, err := tx.PrepareContext(ctx, s.insertSQL(name, cols, batchRows))
	if err != nil {
		return 0, fmt.Errorf("prepare multi-row insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, 0, batchRows*len(cols))
	var inserted int64
	pending := 0

	for {
		row, err := table.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read row %d: %w", inserted+int64(pending)+1, err)
		}
		args = append(args, row...)
		pending++

		if pending == batchRows {
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return 0, fmt.Errorf("insert into %s: %w", name, err)
			}
			inserted += int64(pending)
			args = args[:0]
			pending = 0
		}
	}

	// Remainder
	if pending > 0 {
		if _, err := tx.ExecContext(ctx, s.insertSQL(name, cols, pending), args...); err != nil {
			return 0, fmt.Errorf("insert into %s: %w", name, err)
		}
		inserted += int64(pending)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit table %s: %w", name, err)
	}
	committed = true
	return inserted, nil
}

// CountRows returns the number of rows in table name.
func (s *Sink) CountRows(ctx context.Context, name string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", name, err)
	}
	return n, nil
}

func (s *Sink) batchRows(numCols int) int {
	n := MultiRowBatchSize
	if limit := s.dialect.maxParams / numCols; limit < n {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Sink) createTableSQL(name string, cols []columnar.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c.Name) + " " + s.dialect.types[c.Type]
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
}

// insertSQL builds a multi-row INSERT for n rows.
func (s *Sink) insertSQL(name string, cols []columnar.Column, n int) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", quoteIdent(name), strings.Join(names, ", "))
	param := 1
	for r := 0; r < n; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range cols {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(s.dialect.placeholder(param))
			param++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// quoteIdent quotes an identifier for both PostgreSQL and SQLite.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
