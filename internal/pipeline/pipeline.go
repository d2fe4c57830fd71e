// Package pipeline implements the batching, routing and flush engine that
// lands scraped records into warehouse tables.
//
// Records enter through Process, which routes each one to a destination
// (honoring per-record override keys), projects and enriches it, and buffers
// it per destination. Full batches are handed to a bounded worker pool that
// writes them to the warehouse, provisioning unknown destinations on first
// write with a schema inferred from the batch itself. Close drains every
// buffer and waits for in-flight flushes with a bounded timeout.
//
// Delivery is at-most-once: a batch that exhausts its retries is logged and
// dropped, and records buffered below the batch threshold survive only an
// orderly Close.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"bqsink/internal/config"
	"bqsink/internal/metrics"
	"bqsink/internal/warehouse"
	"bqsink/pkg/records"
)

// Option tweaks pipeline construction. Used mainly by tests and embedding
// programs.
type Option func(*Pipeline)

// WithWarehouse injects an already-constructed warehouse backend instead of
// building one from config.
func WithWarehouse(wh warehouse.Warehouse) Option {
	return func(p *Pipeline) { p.wh = wh }
}

// WithSessionID overrides the generated scraper session id.
func WithSessionID(id string) Option {
	return func(p *Pipeline) { p.sessionID = id }
}

// WithBatchDone registers a callback invoked after every batch reaches a
// terminal outcome. err is nil unless the whole batch failed. The callback
// runs on a flush worker and must not block for long.
func WithBatchDone(fn func(b *Batch, err error)) Option {
	return func(p *Pipeline) { p.onDone = fn }
}

// Pipeline is one open sink instance. Process may be called from any number
// of goroutines; Close is called once.
type Pipeline struct {
	cfg         config.Sink
	wh          warehouse.Warehouse
	ownedClient bool

	sessionID string
	onDone    func(*Batch, error)

	transformer *Transformer
	buffers     *bufferSet
	flusher     *flusher

	// mu serializes intake against Close: Process holds the read side for
	// its whole run, so once Close acquires the write side no record can
	// land in a drained buffer or hit the closed dispatch channel.
	mu     sync.RWMutex
	closed bool
}

// Open validates the config, builds the warehouse client and starts the
// flush workers. Startup-class problems (bad config, bad credential) are
// returned here and nothing is left running.
func Open(ctx context.Context, cfg config.Sink, opts ...Option) (*Pipeline, error) {
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	if issues := config.ValidateSink(cfg); config.HasErrors(issues) {
		for _, is := range issues {
			if is.Severity == config.SeverityError {
				return nil, fmt.Errorf("pipeline: %s", is.Error())
			}
		}
	}

	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}

	if p.sessionID == "" {
		p.sessionID = uuid.NewString()
	}
	if p.wh == nil {
		wh, err := warehouse.New(ctx, warehouse.Config{
			Kind:        cfg.Warehouse,
			Project:     cfg.Project,
			Credentials: cfg.ServiceAccount,
			DSN:         cfg.DSN,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: open warehouse: %w", err)
		}
		p.wh = wh
		p.ownedClient = true
	}

	p.transformer = NewTransformer(cfg, p.sessionID)
	p.buffers = newBufferSet(cfg.BatchSize)
	// Workers outlive the caller's context: Close is the only cancellation
	// point, and it bounds the wait with the shutdown timeout instead.
	p.flusher = newFlusher(context.WithoutCancel(ctx), p.wh, newCatalog(p.wh), cfg.Runtime, p.onDone)
	return p, nil
}

// SessionID returns the scraper session identifier for this pipeline
// instance.
func (p *Pipeline) SessionID() string { return p.sessionID }

// Process routes, projects, enriches and buffers one record, and returns
// the transformed row that was buffered. When the record completes a batch,
// the batch is handed to the flush pool; Process then blocks only if the
// pool's dispatch queue is full. The input record is not mutated and may be
// reused by the caller; the returned row is owned by the pipeline and must
// not be modified.
func (p *Pipeline) Process(rec *records.Record) (*records.Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	dest, row := p.transformer.Transform(rec)
	if batch := p.buffers.Append(dest, row); batch != nil {
		p.flusher.Dispatch(batch)
	}
	return row, nil
}

// Close stops intake, flushes every buffered remainder regardless of size,
// and waits for in-flight flushes up to the configured shutdown timeout.
// Safe to call once; later Process calls return ErrClosed.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for _, batch := range p.buffers.DrainAll() {
		p.flusher.Dispatch(batch)
	}

	timeout := time.Duration(p.cfg.Runtime.ShutdownTimeoutMs) * time.Millisecond
	err := p.flusher.Shutdown(timeout)

	// On a timed-out shutdown stuck workers may still hold the client, so
	// closing it would fail their in-flight flushes. Leak it instead.
	if p.ownedClient && !errors.Is(err, ErrShutdownTimeout) {
		if cerr := p.wh.Close(); cerr != nil && err == nil {
			err = cerr
		}
	} else if p.ownedClient {
		log.Printf("pipeline: shutdown timed out, leaving warehouse client open session=%s", p.sessionID)
	}
	if ferr := metrics.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	return err
}
