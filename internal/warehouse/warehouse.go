// Package warehouse contains the backend-agnostic contracts for writing
// batches of records into a remote analytical store.
//
// The core pipeline depends only on the Warehouse interface and the small
// value types here; concrete clients (BigQuery, Postgres, MySQL, SQLite)
// live in subpackages and register themselves with the factory at init time,
// mirroring the usual blank-import wiring pattern:
//
//	import _ "bqsink/internal/warehouse/all"
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"bqsink/internal/schema"
	"bqsink/pkg/records"
)

// Destination is the immutable (dataset, table) pair a batch is written to.
type Destination struct {
	Dataset string
	Table   string
}

// identRe and maxIdentLen bound dataset and table names to what every
// supported backend accepts without quoting games. The length is checked
// separately because regexp repeat counts cap out at 1000.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const maxIdentLen = 1024

// Validate reports whether the destination names are structurally usable.
// A failure here is fatal for this destination's batches only.
func (d Destination) Validate() error {
	if len(d.Dataset) > maxIdentLen || !identRe.MatchString(d.Dataset) {
		return fmt.Errorf("warehouse: invalid dataset name %q", d.Dataset)
	}
	if len(d.Table) > maxIdentLen || !identRe.MatchString(d.Table) {
		return fmt.Errorf("warehouse: invalid table name %q", d.Table)
	}
	return nil
}

func (d Destination) String() string {
	return d.Dataset + "." + d.Table
}

// RowError is a non-retryable, validation-class outcome for a single row of
// a bulk insert (schema mismatch, malformed value). The row is identified by
// its index within the submitted batch.
type RowError struct {
	Index  int
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Index, e.Reason)
}

// TransientError marks a whole-call failure that is worth retrying: network
// trouble, service unavailability, rate limiting. Backends wrap such errors;
// everything else is treated as permanent by the caller.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Warehouse is the capability contract the pipeline requires from a backend.
//
// InsertRows submits one batch as a single unit and returns the
// validation-class per-row failures; rows not listed were accepted. A
// non-nil error means the whole call failed and no per-row interpretation is
// possible.
type Warehouse interface {
	// EnsureDataset creates the dataset when absent. Idempotent.
	EnsureDataset(ctx context.Context, dataset string) error

	// TableExists reports whether the destination table already exists.
	TableExists(ctx context.Context, dest Destination) (bool, error)

	// CreateTable creates the destination table with the given schema.
	// Concurrent creation of the same table must not fail the loser.
	CreateTable(ctx context.Context, dest Destination, s schema.Schema) error

	// InsertRows bulk-inserts rows into dest.
	InsertRows(ctx context.Context, dest Destination, rows []*records.Record) ([]RowError, error)

	// Close releases client resources.
	Close() error
}

// Config carries everything a backend factory may need. Unused fields are
// ignored by backends that do not need them.
type Config struct {
	// Kind selects the registered backend.
	Kind string

	// Project is the warehouse project (BigQuery). When empty, backends that
	// need it derive it from the credential.
	Project string

	// Credentials is the raw credential blob (base64 or plain service
	// account JSON for BigQuery). Decoded once at construction; the decoded
	// handle is shared read-only by every insert afterwards.
	Credentials string

	// DSN is the connection string for SQL backends.
	DSN string
}

// Factory constructs a backend from its config.
type Factory func(ctx context.Context, cfg Config) (Warehouse, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) a backend factory for the given kind. It
// is typically called from backend packages' init() functions.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = f
}

// New locates the factory for cfg.Kind and invokes it. Callers do not need
// to know which backend they are using beyond the kind string.
func New(ctx context.Context, cfg Config) (Warehouse, error) {
	regMu.RLock()
	f, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("warehouse: no backend registered for kind=%q", cfg.Kind)
	}
	return f(ctx, cfg)
}
