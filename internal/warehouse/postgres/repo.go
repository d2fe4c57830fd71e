// Package postgres implements the warehouse contract on Postgres using pgx
// v5. Datasets map to schemas; batches are written with one queued INSERT
// per row inside a single pgx batch round trip.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bqsink/internal/schema"
	"bqsink/internal/warehouse"
	"bqsink/pkg/records"
)

func init() {
	warehouse.Register("postgres", func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return New(ctx, cfg)
	})
}

// Repo is a Postgres-backed warehouse.
type Repo struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	cols map[warehouse.Destination][]string
}

// New opens a pool for the given DSN.
func New(ctx context.Context, cfg warehouse.Config) (*Repo, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: DSN must not be empty")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}
	return &Repo{pool: pool, cols: map[warehouse.Destination][]string{}}, nil
}

// EnsureDataset creates the schema when absent.
func (r *Repo) EnsureDataset(ctx context.Context, dataset string) error {
	_, err := r.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgIdent(dataset))
	if err != nil {
		return classify(fmt.Errorf("postgres: create schema %s: %w", dataset, err))
	}
	return nil
}

// TableExists reports whether dest resolves to an existing relation.
func (r *Repo) TableExists(ctx context.Context, dest warehouse.Destination) (bool, error) {
	var reg *string
	err := r.pool.QueryRow(ctx,
		"SELECT to_regclass($1)::text", pgIdent(dest.Dataset)+"."+pgIdent(dest.Table),
	).Scan(&reg)
	if err != nil {
		return false, classify(fmt.Errorf("postgres: table %s: %w", dest, err))
	}
	return reg != nil, nil
}

// CreateTable renders the inferred schema as DDL and executes it. All
// columns are nullable: later batches may omit any field.
func (r *Repo) CreateTable(ctx context.Context, dest warehouse.Destination, s schema.Schema) error {
	cols := make([]string, 0, len(s))
	names := make([]string, 0, len(s))
	for _, f := range s {
		cols = append(cols, pgIdent(f.Name)+" "+sqlType(f))
		names = append(names, f.Name)
	}
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s.%s (%s)",
		pgIdent(dest.Dataset), pgIdent(dest.Table), strings.Join(cols, ", "),
	)
	if _, err := r.pool.Exec(ctx, stmt); err != nil {
		return classify(fmt.Errorf("postgres: create table %s: %w", dest, err))
	}
	r.mu.Lock()
	r.cols[dest] = names
	r.mu.Unlock()
	return nil
}

// InsertRows writes one batch inside a single pgx batch round trip.
// Postgres reports failures per call, not per row, so the per-row error list
// is always empty here.
func (r *Repo) InsertRows(ctx context.Context, dest warehouse.Destination, rows []*records.Record) ([]warehouse.RowError, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	columns, err := r.columns(ctx, dest)
	if err != nil {
		return nil, err
	}

	placeholders := make([]string, len(columns))
	quoted := make([]string, len(columns))
	for i, c := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		quoted[i] = pgIdent(c)
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s.%s (%s) VALUES (%s)",
		pgIdent(dest.Dataset), pgIdent(dest.Table),
		strings.Join(quoted, ", "), strings.Join(placeholders, ", "),
	)

	var rowErrs []warehouse.RowError
	b := &pgx.Batch{}
	queued := 0
	for i, rec := range rows {
		vals, err := warehouse.RowValues(rec, columns)
		if err != nil {
			rowErrs = append(rowErrs, warehouse.RowError{Index: i, Reason: err.Error()})
			continue
		}
		b.Queue(stmt, vals...)
		queued++
	}
	br := r.pool.SendBatch(ctx, b)
	defer br.Close()
	for i := 0; i < queued; i++ {
		if _, err := br.Exec(); err != nil {
			return nil, classify(fmt.Errorf("postgres: insert %s: %w", dest, err))
		}
	}
	return rowErrs, nil
}

// Close releases the pool.
func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

// columns returns dest's column order, introspecting pre-existing tables on
// first use.
func (r *Repo) columns(ctx context.Context, dest warehouse.Destination) ([]string, error) {
	r.mu.Lock()
	cached, ok := r.cols[dest]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2
		 ORDER BY ordinal_position`,
		dest.Dataset, dest.Table,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: columns %s: %w", dest, err))
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
		return nil, fmt.Errorf("postgres: table %s has no columns", dest)
	}
	r.mu.Lock()
	r.cols[dest] = names
	r.mu.Unlock()
	return names, nil
}

// sqlType maps a schema field to a Postgres column type. Nested records and
// repeated fields land in JSONB.
func sqlType(f schema.Field) string {
	if f.Repeated || f.Kind == schema.KindRecord {
		return "JSONB"
	}
	switch f.Kind {
	case schema.KindBool:
		return "BOOLEAN"
	case schema.KindInt:
		return "BIGINT"
	case schema.KindFloat:
		return "DOUBLE PRECISION"
	case schema.KindDate:
		return "DATE"
	case schema.KindTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// pgIdent quotes an identifier for Postgres.
func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// classify wraps retry-worthy failures in warehouse.TransientError. Server
// errors with a SQLSTATE are permanent (the statement will not start
// working on its own); connection-level trouble is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	return &warehouse.TransientError{Err: err}
}
