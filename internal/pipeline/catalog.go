package pipeline

import (
	"context"
	"sync"

	"bqsink/internal/schema"
	"bqsink/internal/warehouse"
	"bqsink/pkg/records"
)

// catalog caches which destinations are known to exist for the lifetime of
// the process and provisions the ones that are not. Entries are monotonic:
// once a destination is marked known it is never re-checked.
type catalog struct {
	wh warehouse.Warehouse

	mu      sync.Mutex
	entries map[warehouse.Destination]*catalogEntry
}

// catalogEntry carries its own lock so provisioning of one destination never
// serializes against another. Concurrent Ensure calls for the same
// destination do serialize on it: the first caller provisions, the rest
// observe known.
type catalogEntry struct {
	mu    sync.Mutex
	known bool
}

func newCatalog(wh warehouse.Warehouse) *catalog {
	return &catalog{
		wh:      wh,
		entries: make(map[warehouse.Destination]*catalogEntry),
	}
}

func (c *catalog) entryFor(dest warehouse.Destination) *catalogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[dest]
	if !ok {
		e = &catalogEntry{}
		c.entries[dest] = e
	}
	return e
}

// Ensure makes the destination exist, creating the dataset and, when the
// table is absent, inferring a schema from the sample rows and creating the
// table. On failure the destination stays unknown and the next batch headed
// there retries provisioning with its own sample.
func (c *catalog) Ensure(ctx context.Context, dest warehouse.Destination, sample []*records.Record) error {
	e := c.entryFor(dest)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.known {
		return nil
	}

	if err := dest.Validate(); err != nil {
		return &SchemaError{Dest: dest, Err: err}
	}
	if err := c.wh.EnsureDataset(ctx, dest.Dataset); err != nil {
		return &SchemaError{Dest: dest, Err: err}
	}

	exists, err := c.wh.TableExists(ctx, dest)
	if err != nil {
		return &SchemaError{Dest: dest, Err: err}
	}
	if !exists {
		s, err := schema.Infer(sample)
		if err != nil {
			return &SchemaError{Dest: dest, Err: err}
		}
		if err := c.wh.CreateTable(ctx, dest, s); err != nil {
			return &SchemaError{Dest: dest, Err: err}
		}
	}

	e.known = true
	return nil
}
