// Package sqlite implements the warehouse contract on SQLite via
// database/sql. SQLite has no dataset concept, so a destination's dataset is
// folded into the table name ("dataset__table"). The backend exists mainly
// for local development and for exercising the pipeline against a real store
// in tests; there is no bulk-load API, but transactions keep batched INSERTs
// acceptable for moderate volumes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"bqsink/internal/schema"
	"bqsink/internal/warehouse"
	"bqsink/pkg/records"
)

func init() {
	warehouse.Register("sqlite", func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return New(ctx, cfg)
	})
}

// Repo is a SQLite-backed warehouse.
type Repo struct {
	db *sql.DB

	mu   sync.Mutex
	cols map[warehouse.Destination][]string
}

// New opens a SQLite database using the provided DSN, for example:
//
//	"file:sink.db?cache=shared"
//	"sink.db"
//	":memory:"
func New(ctx context.Context, cfg warehouse.Config) (*Repo, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Repo{db: db, cols: map[warehouse.Destination][]string{}}, nil
}

// tableName folds the dataset into the physical table name.
func tableName(dest warehouse.Destination) string {
	return dest.Dataset + "__" + dest.Table
}

// EnsureDataset is a no-op: datasets only exist as table-name prefixes.
func (r *Repo) EnsureDataset(ctx context.Context, dataset string) error { return nil }

// TableExists consults sqlite_master.
func (r *Repo) TableExists(ctx context.Context, dest warehouse.Destination) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		tableName(dest),
	).Scan(&n)
	if err != nil {
		return false, classify(fmt.Errorf("sqlite: table %s: %w", dest, err))
	}
	return n > 0, nil
}

// CreateTable renders the inferred schema as DDL. All columns are nullable:
// later batches may omit any field.
func (r *Repo) CreateTable(ctx context.Context, dest warehouse.Destination, s schema.Schema) error {
	cols := make([]string, 0, len(s))
	names := make([]string, 0, len(s))
	for _, f := range s {
		cols = append(cols, liteIdent(f.Name)+" "+sqlType(f))
		names = append(names, f.Name)
	}
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s)",
		liteIdent(tableName(dest)), strings.Join(cols, ", "),
	)
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return classify(fmt.Errorf("sqlite: create table %s: %w", dest, err))
	}
	r.mu.Lock()
	r.cols[dest] = names
	r.mu.Unlock()
	return nil
}

// InsertRows writes one batch inside a transaction with a prepared INSERT.
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
		quoted[i] = liteIdent(c)
	}
	stmtSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		liteIdent(tableName(dest)),
		strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?,", len(columns)), ","),
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("sqlite: begin tx: %w", err))
	}
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return nil, classify(fmt.Errorf("sqlite: prepare insert: %w", err))
	}
	defer stmt.Close()

	var rowErrs []warehouse.RowError
	for i, rec := range rows {
		vals, err := warehouse.RowValues(rec, columns)
		if err != nil {
			rowErrs = append(rowErrs, warehouse.RowError{Index: i, Reason: err.Error()})
			continue
		}
		// Boolean columns are INTEGER in SQLite; normalize here.
		for j, v := range vals {
			if b, ok := v.(bool); ok {
				if b {
					vals[j] = 1
				} else {
					vals[j] = 0
				}
			}
		}
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			_ = tx.Rollback()
			return nil, classify(fmt.Errorf("sqlite: insert %s: %w", dest, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(fmt.Errorf("sqlite: commit: %w", err))
	}
	return rowErrs, nil
}

// Close releases the database handle.
func (r *Repo) Close() error { return r.db.Close() }

// columns returns dest's column order, introspecting pre-existing tables on
// first use via PRAGMA table_info.
func (r *Repo) columns(ctx context.Context, dest warehouse.Destination) ([]string, error) {
	r.mu.Lock()
	cached, ok := r.cols[dest]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("PRAGMA table_info(%s)", liteIdent(tableName(dest))),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("sqlite: columns %s: %w", dest, err))
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, classify(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("sqlite: table %s has no columns", dest)
	}
	r.mu.Lock()
	r.cols[dest] = names
	r.mu.Unlock()
	return names, nil
}

// sqlType maps a schema field to a SQLite column type. Nested records,
// repeated fields, dates and timestamps all land in TEXT.
func sqlType(f schema.Field) string {
	if f.Repeated || f.Kind == schema.KindRecord {
		return "TEXT"
	}
	switch f.Kind {
	case schema.KindBool, schema.KindInt:
		return "INTEGER"
	case schema.KindFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// liteIdent quotes an identifier for SQLite.
func liteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// classify marks lock contention as transient (a concurrent writer holds
// the file); everything else from a local SQLite file is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return &warehouse.TransientError{Err: err}
	}
	return err
}
