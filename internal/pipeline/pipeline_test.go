package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bqsink/internal/config"
	"bqsink/internal/schema"
	"bqsink/internal/warehouse"
	"bqsink/pkg/records"
)

/*
Tests for the batching/routing/flush engine against a fake warehouse.

We cover:
  - batch accounting: BATCH_SIZE=2 with three records yields one batch of 2
    during intake and one batch of 1 at close, no duplicates, no omissions
  - override routing into a separate destination
  - the queue-length invariant of the buffer manager
  - transient-failure retry up to the ceiling, then drop
  - permanent failure on one destination not affecting another
  - catalog provisioning: memoized on success, retried after failure
  - ErrClosed after Close
  - the transformed row returned by Process
  - ErrShutdownTimeout on a stuck flush
  - intake blocking once the flush pool saturates
*/

// fakeWarehouse is an in-memory warehouse.Warehouse. Error queues let tests
// script per-destination failures; everything else records what happened.
type fakeWarehouse struct {
	mu         sync.Mutex
	datasets   map[string]int
	created    map[warehouse.Destination]schema.Schema
	inserts    map[string][][]*records.Record
	attempts   map[string]int
	insertErrs map[string][]error              // popped per InsertRows call
	createErrs map[string][]error              // popped per CreateTable call
	rowErrs    map[string][]warehouse.RowError // returned with successful calls

	// When set, InsertRows signals entry on insertEntered and then blocks
	// until blockInsert is closed. Used by shutdown and backpressure tests.
	blockInsert   chan struct{}
	insertEntered chan struct{}

	closeCalls int
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		datasets:   map[string]int{},
		created:    map[warehouse.Destination]schema.Schema{},
		inserts:    map[string][][]*records.Record{},
		attempts:   map[string]int{},
		insertErrs: map[string][]error{},
		createErrs: map[string][]error{},
		rowErrs:    map[string][]warehouse.RowError{},
	}
}

func (f *fakeWarehouse) EnsureDataset(ctx context.Context, dataset string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets[dataset]++
	return nil
}

func (f *fakeWarehouse) TableExists(ctx context.Context, dest warehouse.Destination) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.created[dest]
	return ok, nil
}

func (f *fakeWarehouse) CreateTable(ctx context.Context, dest warehouse.Destination, s schema.Schema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.createErrs[dest.String()]; len(q) > 0 {
		err := q[0]
		f.createErrs[dest.String()] = q[1:]
		return err
	}
	f.created[dest] = s
	return nil
}

func (f *fakeWarehouse) InsertRows(ctx context.Context, dest warehouse.Destination, rows []*records.Record) ([]warehouse.RowError, error) {
	f.mu.Lock()
	gate, entered := f.blockInsert, f.insertEntered
	f.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := dest.String()
	f.attempts[key]++
	if q := f.insertErrs[key]; len(q) > 0 {
		err := q[0]
		f.insertErrs[key] = q[1:]
		return nil, err
	}
	f.inserts[key] = append(f.inserts[key], rows)
	return f.rowErrs[key], nil
}

func (f *fakeWarehouse) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeWarehouse) insertedBatches(dest string) [][]*records.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts[dest]
}

// fastCfg returns a config with small timeouts suited for tests. The "fake"
// kind is never looked up because tests inject the warehouse.
func fastCfg(batchSize int) config.Sink {
	s := config.Sink{Warehouse: "fake", Dataset: "d1", Table: "t1", BatchSize: batchSize}
	s.ApplyDefaults()
	s.Runtime.BackoffMs = 1
	s.Runtime.BackoffMaxMs = 5
	s.Runtime.ShutdownTimeoutMs = 5000
	return s
}

// doneCollector gathers terminal batch outcomes across flush workers.
type doneCollector struct {
	mu   sync.Mutex
	errs []error
}

func (d *doneCollector) opt() Option {
	return WithBatchDone(func(b *Batch, err error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.errs = append(d.errs, err)
	})
}

func (d *doneCollector) failures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, err := range d.errs {
		if err != nil {
			n++
		}
	}
	return n
}

func numbered(i int) *records.Record {
	r := records.New()
	r.Set("i", i)
	return r
}

// TestPipeline_BatchAccounting verifies the three-records-at-batch-size-two
// contract: one batch of 2 flushed during intake, one batch of 1 at close,
// every record exactly once.
func TestPipeline_BatchAccounting(t *testing.T) {
	t.Parallel()

	fw := newFakeWarehouse()
	p, err := Open(context.Background(), fastCfg(2), WithWarehouse(fw))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := p.Process(numbered(i)); err != nil {
			t.Fatalf("Process(%d): %v", i, err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	batches := fw.insertedBatches("d1.t1")
	if len(batches) != 2 {
		t.Fatalf("batches = %d; want 2", len(batches))
	}
	// Flushes run on workers, so batch arrival order is not guaranteed.
	sizes := []int{len(batches[0]), len(batches[1])}
	if !(sizes[0] == 2 && sizes[1] == 1) && !(sizes[0] == 1 && sizes[1] == 2) {
		t.Fatalf("batch sizes = %v; want one of 2 and one of 1", sizes)
	}

	seen := map[any]int{}
	for _, b := range batches {
		for _, r := range b {
			v, _ := r.Get("i")
			seen[v]++
		}
	}
	for i := 0; i < 3; i++ {
		if seen[i] != 1 {
			t.Fatalf("record %d flushed %d times; want exactly once", i, seen[i])
		}
	}
}

// TestPipeline_OverrideDestination verifies the documented override example:
// the row persists without the reserved keys and lands in (d2, t2).
func TestPipeline_OverrideDestination(t *testing.T) {
	t.Parallel()

	fw := newFakeWarehouse()
	p, err := Open(context.Background(), fastCfg(1), WithWarehouse(fw))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	in := records.New()
	in.Set("name", "x")
	in.Set("age", 1)
	in.Set("__dataset", "d2")
	in.Set("__table", "t2")
	if _, err := p.Process(in); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	batches := fw.insertedBatches("d2.t2")
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("d2.t2 batches = %v; want one batch of one row", batches)
	}
	row := batches[0][0]
	if _, ok := row.Get("__dataset"); ok {
		t.Fatalf("override key transmitted")
	}
	if got := fw.insertedBatches("d1.t1"); len(got) != 0 {
		t.Fatalf("default destination received %d batches; want 0", len(got))
	}
}

// TestBuffer_QueueInvariant checks queue length stays in [0, batchSize)
// between flush-producing appends.
func TestBuffer_QueueInvariant(t *testing.T) {
	t.Parallel()

	b := newBufferSet(3)
	dest := warehouse.Destination{Dataset: "d", Table: "t"}

	for i := 0; i < 10; i++ {
		batch := b.Append(dest, numbered(i))
		q := b.queueFor(dest)
		q.mu.Lock()
		n := len(q.rows)
		q.mu.Unlock()
		if n >= 3 {
			t.Fatalf("queue length %d after append %d; want < 3", n, i)
		}
		if (i+1)%3 == 0 && batch == nil {
			t.Fatalf("append %d should have completed a batch", i)
		}
		if (i+1)%3 != 0 && batch != nil {
			t.Fatalf("append %d completed a batch early", i)
		}
	}
}

// TestPipeline_TransientRetry verifies a transient insert failure is retried
// and the batch eventually lands, with attempts counted.
func TestPipeline_TransientRetry(t *testing.T) {
	t.Parallel()

	fw := newFakeWarehouse()
	boom := &warehouse.TransientError{Err: errors.New("503")}
	fw.insertErrs["d1.t1"] = []error{boom, boom}

	done := &doneCollector{}
	p, err := Open(context.Background(), fastCfg(1), WithWarehouse(fw), done.opt())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := p.Process(numbered(0)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := fw.insertedBatches("d1.t1"); len(got) != 1 {
		t.Fatalf("inserted batches = %d; want 1", len(got))
	}
	fw.mu.Lock()
	attempts := fw.attempts["d1.t1"]
	fw.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d; want 3 (two transient failures, one success)", attempts)
	}
	if done.failures() != 0 {
		t.Fatalf("batch reported failed despite eventual success")
	}
}

// TestPipeline_RetryCeiling verifies the batch is dropped once transient
// failures exhaust the ceiling, and the failure is surfaced via the callback.
func TestPipeline_RetryCeiling(t *testing.T) {
	t.Parallel()

	fw := newFakeWarehouse()
	boom := &warehouse.TransientError{Err: errors.New("503")}
	var queue []error
	for i := 0; i < 10; i++ {
		queue = append(queue, boom)
	}
	fw.insertErrs["d1.t1"] = queue

	cfg := fastCfg(1)
	cfg.Runtime.MaxRetries = 2

	done := &doneCollector{}
	p, err := Open(context.Background(), cfg, WithWarehouse(fw), done.opt())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := p.Process(numbered(0)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fw.mu.Lock()
	attempts := fw.attempts["d1.t1"]
	fw.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d; want 3 (initial + 2 retries)", attempts)
	}
	if done.failures() != 1 {
		t.Fatalf("failures = %d; want 1", done.failures())
	}
	if got := fw.insertedBatches("d1.t1"); len(got) != 0 {
		t.Fatalf("dropped batch was inserted anyway")
	}
}

// TestPipeline_FailureIsolation verifies a permanently failing destination
// does not affect delivery to another destination.
func TestPipeline_FailureIsolation(t *testing.T) {
	t.Parallel()

	fw := newFakeWarehouse()
	fw.insertErrs["bad.t"] = []error{errors.New("permanent schema mismatch")}

	done := &doneCollector{}
	p, err := Open(context.Background(), fastCfg(1), WithWarehouse(fw), done.opt())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bad := records.New()
	bad.Set("x", 1)
	bad.Set("__dataset", "bad")
	bad.Set("__table", "t")
	if _, err := p.Process(bad); err != nil {
		t.Fatalf("Process(bad): %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := p.Process(numbered(i)); err != nil {
			t.Fatalf("Process(%d): %v", i, err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := fw.insertedBatches("bad.t"); len(got) != 0 {
		t.Fatalf("bad destination inserted %d batches; want 0", len(got))
	}
	total := 0
	for _, b := range fw.insertedBatches("d1.t1") {
		total += len(b)
	}
	if total != 3 {
		t.Fatalf("good destination rows = %d; want 3", total)
	}
	if done.failures() != 1 {
		t.Fatalf("failures = %d; want exactly the bad batch", done.failures())
	}
}

// TestPipeline_RowErrorsArePartial verifies per-row validation failures do
// not fail the batch: the outcome is partial, never retried.
func TestPipeline_RowErrorsArePartial(t *testing.T) {
	t.Parallel()

	fw := newFakeWarehouse()
	fw.rowErrs["d1.t1"] = []warehouse.RowError{{Index: 1, Reason: "bad value"}}

	done := &doneCollector{}
	p, err := Open(context.Background(), fastCfg(2), WithWarehouse(fw), done.opt())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := p.Process(numbered(i)); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fw.mu.Lock()
	attempts := fw.attempts["d1.t1"]
	fw.mu.Unlock()
	if attempts != 1 {
		t.Fatalf("attempts = %d; row errors must not trigger retries", attempts)
	}
	if done.failures() != 0 {
		t.Fatalf("partial batch reported as failed")
	}
}

// TestCatalog_ProvisionMemoAndRetry verifies Ensure memoizes success, retries
// after a failed creation, and provisions a destination exactly once under
// concurrency.
func TestCatalog_ProvisionMemoAndRetry(t *testing.T) {
	t.Parallel()

	fw := newFakeWarehouse()
	dest := warehouse.Destination{Dataset: "d", Table: "t"}
	fw.createErrs["d.t"] = []error{errors.New("quota")}

	c := newCatalog(fw)
	sample := []*records.Record{numbered(0)}

	var schemaErr *SchemaError
	if err := c.Ensure(context.Background(), dest, sample); !errors.As(err, &schemaErr) {
		t.Fatalf("first Ensure err = %v; want SchemaError", err)
	}

	// Second call retries provisioning and succeeds.
	if err := c.Ensure(context.Background(), dest, sample); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}

	// Further calls are memoized: no additional warehouse traffic.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Ensure(context.Background(), dest, sample); err != nil {
				t.Errorf("concurrent Ensure: %v", err)
			}
		}()
	}
	wg.Wait()

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.datasets["d"] != 2 {
		t.Fatalf("EnsureDataset calls = %d; want 2 (initial attempt + retry)", fw.datasets["d"])
	}
	if _, ok := fw.created[dest]; !ok {
		t.Fatalf("table never created")
	}
}

// TestCatalog_InvalidDestination verifies a structurally invalid name fails
// without touching the warehouse.
func TestCatalog_InvalidDestination(t *testing.T) {
	t.Parallel()

	fw := newFakeWarehouse()
	c := newCatalog(fw)
	dest := warehouse.Destination{Dataset: "bad name", Table: "t"}

	if err := c.Ensure(context.Background(), dest, []*records.Record{numbered(0)}); err == nil {
		t.Fatalf("expected error for invalid dataset name")
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.datasets) != 0 {
		t.Fatalf("warehouse touched for invalid destination")
	}
}

// TestPipeline_ProcessAfterClose verifies intake is refused once closed.
func TestPipeline_ProcessAfterClose(t *testing.T) {
	t.Parallel()

	p, err := Open(context.Background(), fastCfg(2), WithWarehouse(newFakeWarehouse()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Process(numbered(0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Process after Close = %v; want ErrClosed", err)
	}
	// Close is idempotent.
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// TestPipeline_ProcessReturnsRow verifies Process hands back the routed,
// enriched row, matching the copy that gets buffered.
func TestPipeline_ProcessReturnsRow(t *testing.T) {
	t.Parallel()

	cfg := fastCfg(1)
	cfg.AddScraperSession = true
	p, err := Open(context.Background(), cfg, WithWarehouse(newFakeWarehouse()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	in := records.New()
	in.Set("name", "x")
	in.Set("__dataset", "d2")
	in.Set("__table", "t2")
	row, err := p.Process(in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if row == nil {
		t.Fatalf("Process returned a nil row")
	}
	if _, ok := row.Get("__dataset"); ok {
		t.Fatalf("returned row still carries the override key")
	}
	if v, _ := row.Get("name"); v != "x" {
		t.Fatalf("name = %v; want x", v)
	}
	if v, _ := row.Get("scraper_session_id"); v != p.SessionID() {
		t.Fatalf("scraper_session_id = %v; want %s", v, p.SessionID())
	}
	if v, _ := in.Get("__dataset"); v != "d2" {
		t.Fatalf("input record was mutated")
	}
}

// TestPipeline_ShutdownTimeout verifies Close gives up on a stuck flush
// after the configured timeout, reports ErrShutdownTimeout, and leaves an
// owned warehouse client open for the still-running workers.
func TestPipeline_ShutdownTimeout(t *testing.T) {
	t.Parallel()

	fw := newFakeWarehouse()
	fw.blockInsert = make(chan struct{})
	fw.insertEntered = make(chan struct{}, 1)
	defer close(fw.blockInsert)

	// Registering a factory makes the pipeline own the client, so the
	// timeout path's close-skip is exercised too.
	warehouse.Register("fake-stuck", func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return fw, nil
	})

	cfg := fastCfg(1)
	cfg.Warehouse = "fake-stuck"
	cfg.Runtime.ShutdownTimeoutMs = 20
	p, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := p.Process(numbered(0)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Wait until a worker is inside InsertRows so the timeout is real.
	<-fw.insertEntered

	if err := p.Close(); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Close = %v; want ErrShutdownTimeout", err)
	}
	fw.mu.Lock()
	closes := fw.closeCalls
	fw.mu.Unlock()
	if closes != 0 {
		t.Fatalf("warehouse closed %d times during a timed-out shutdown; want 0", closes)
	}
}

// TestPipeline_IntakeBackpressure verifies Process blocks once the flush
// pool and its dispatch queue are saturated, and resumes when a worker
// frees up.
func TestPipeline_IntakeBackpressure(t *testing.T) {
	t.Parallel()

	fw := newFakeWarehouse()
	fw.blockInsert = make(chan struct{})
	fw.insertEntered = make(chan struct{}, 4)

	cfg := fastCfg(1)
	cfg.Runtime.FlushWorkers = 1
	cfg.Runtime.PendingBatches = 1
	p, err := Open(context.Background(), cfg, WithWarehouse(fw))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// First batch: taken by the single worker, which blocks inside
	// InsertRows. Second batch: fills the dispatch queue.
	if _, err := p.Process(numbered(0)); err != nil {
		t.Fatalf("Process(0): %v", err)
	}
	<-fw.insertEntered
	if _, err := p.Process(numbered(1)); err != nil {
		t.Fatalf("Process(1): %v", err)
	}

	// Third batch: must block until the worker is released.
	unblocked := make(chan struct{})
	go func() {
		defer close(unblocked)
		if _, err := p.Process(numbered(2)); err != nil {
			t.Errorf("Process(2): %v", err)
		}
	}()
	select {
	case <-unblocked:
		t.Fatalf("Process did not block on a saturated flush pool")
	case <-time.After(50 * time.Millisecond):
	}

	close(fw.blockInsert)
	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatalf("Process still blocked after the pool drained")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	total := 0
	for _, b := range fw.insertedBatches("d1.t1") {
		total += len(b)
	}
	if total != 3 {
		t.Fatalf("rows delivered = %d; want 3", total)
	}
}

// TestBackoff verifies the capped exponential schedule.
func TestBackoff(t *testing.T) {
	t.Parallel()

	f := &flusher{rt: config.Runtime{BackoffMs: 200, BackoffMaxMs: 1000}}
	want := []string{"200ms", "400ms", "800ms", "1s", "1s"}
	for i, w := range want {
		if got := f.backoff(i + 1).String(); got != w {
			t.Fatalf("backoff(%d) = %s; want %s", i+1, got, w)
		}
	}
}
