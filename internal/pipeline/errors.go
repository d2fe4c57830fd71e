package pipeline

import (
	"errors"
	"fmt"

	"bqsink/internal/warehouse"
)

var (
	// ErrClosed is returned by Process after Close has been called.
	ErrClosed = errors.New("pipeline: closed")

	// ErrShutdownTimeout is returned by Close when in-flight flushes did not
	// finish within the configured shutdown timeout. Records handed to those
	// flushes may or may not have been persisted.
	ErrShutdownTimeout = errors.New("pipeline: shutdown timeout with flushes outstanding")
)

// SchemaError reports that auto-provisioning a destination failed. The batch
// that triggered provisioning is dropped; the destination stays unknown so a
// later batch retries provisioning.
type SchemaError struct {
	Dest warehouse.Destination
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("pipeline: provision %s: %v", e.Dest, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }
