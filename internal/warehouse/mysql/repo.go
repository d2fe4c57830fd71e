// Package mysql implements the warehouse contract on MySQL via database/sql.
// Datasets map to databases; batches are written as one multi-row INSERT per
// call.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"bqsink/internal/schema"
	"bqsink/internal/warehouse"
	"bqsink/pkg/records"
)

func init() {
	warehouse.Register("mysql", func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return New(ctx, cfg)
	})
}

// Repo is a MySQL-backed warehouse.
type Repo struct {
	db *sql.DB

	mu   sync.Mutex
	cols map[warehouse.Destination][]string
}

// New opens a connection for the given DSN and pings it to fail fast.
func New(ctx context.Context, cfg warehouse.Config) (*Repo, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("mysql: DSN must not be empty")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return &Repo{db: db, cols: map[warehouse.Destination][]string{}}, nil
}

// EnsureDataset creates the database when absent.
func (r *Repo) EnsureDataset(ctx context.Context, dataset string) error {
	_, err := r.db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+myIdent(dataset))
	if err != nil {
		return classify(fmt.Errorf("mysql: create database %s: %w", dataset, err))
	}
	return nil
}

// TableExists checks information_schema for the destination table.
func (r *Repo) TableExists(ctx context.Context, dest warehouse.Destination) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = ? AND table_name = ?`,
		dest.Dataset, dest.Table,
	).Scan(&n)
	if err != nil {
		return false, classify(fmt.Errorf("mysql: table %s: %w", dest, err))
	}
	return n > 0, nil
}

// CreateTable renders the inferred schema as DDL. All columns are nullable:
// later batches may omit any field.
func (r *Repo) CreateTable(ctx context.Context, dest warehouse.Destination, s schema.Schema) error {
	cols := make([]string, 0, len(s))
	names := make([]string, 0, len(s))
	for _, f := range s {
		cols = append(cols, myIdent(f.Name)+" "+sqlType(f))
		names = append(names, f.Name)
	}
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s.%s (%s)",
		myIdent(dest.Dataset), myIdent(dest.Table), strings.Join(cols, ", "),
	)
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return classify(fmt.Errorf("mysql: create table %s: %w", dest, err))
	}
	r.mu.Lock()
	r.cols[dest] = names
	r.mu.Unlock()
	return nil
}

// InsertRows writes one batch as a single multi-row INSERT. MySQL reports
// failures per statement, so the per-row error list holds only rows that
// could not be bound.
func (r *Repo) InsertRows(ctx context.Context, dest warehouse.Destination, rows []*records.Record) ([]warehouse.RowError, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	columns, err := r.columns(ctx, dest)
	if err != nil {
		return nil, err
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = myIdent(c)
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"

	var rowErrs []warehouse.RowError
	var tuples []string
	var args []any
	for i, rec := range rows {
		vals, err := warehouse.RowValues(rec, columns)
		if err != nil {
			rowErrs = append(rowErrs, warehouse.RowError{Index: i, Reason: err.Error()})
			continue
		}
		tuples = append(tuples, tuple)
		args = append(args, vals...)
	}
	if len(tuples) == 0 {
		return rowErrs, nil
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s.%s (%s) VALUES %s",
		myIdent(dest.Dataset), myIdent(dest.Table),
		strings.Join(quoted, ", "), strings.Join(tuples, ", "),
	)
	if _, err := r.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, classify(fmt.Errorf("mysql: insert %s: %w", dest, err))
	}
	return rowErrs, nil
}

// Close releases the connection pool.
func (r *Repo) Close() error { return r.db.Close() }

// columns returns dest's column order, introspecting pre-existing tables on
// first use.
func (r *Repo) columns(ctx context.Context, dest warehouse.Destination) ([]string, error) {
	r.mu.Lock()
	cached, ok := r.cols[dest]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = ? AND table_name = ?
		 ORDER BY ordinal_position`,
		dest.Dataset, dest.Table,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("mysql: columns %s: %w", dest, err))
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, classify(err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("mysql: table %s has no columns", dest)
	}
	r.mu.Lock()
	r.cols[dest] = names
	r.mu.Unlock()
	return names, nil
}

// sqlType maps a schema field to a MySQL column type. Nested records and
// repeated fields land in JSON.
func sqlType(f schema.Field) string {
	if f.Repeated || f.Kind == schema.KindRecord {
		return "JSON"
	}
	switch f.Kind {
	case schema.KindBool:
		return "TINYINT(1)"
	case schema.KindInt:
		return "BIGINT"
	case schema.KindFloat:
		return "DOUBLE"
	case schema.KindDate:
		return "DATE"
	case schema.KindTimestamp:
		return "DATETIME"
	default:
		return "TEXT"
	}
}

// myIdent quotes an identifier for MySQL.
func myIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// classify wraps retry-worthy failures in warehouse.TransientError. Server
// errors carrying a MySQL error number are permanent; connection-level
// trouble is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return err
	}
	return &warehouse.TransientError{Err: err}
}
