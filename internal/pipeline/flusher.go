package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"bqsink/internal/config"
	"bqsink/internal/metrics"
	"bqsink/internal/warehouse"
)

// flusher owns the worker pool that writes batches to the warehouse. Workers
// pull from a bounded dispatch channel; when every worker is busy and the
// channel is full, Dispatch blocks, which is what throttles intake.
type flusher struct {
	wh  warehouse.Warehouse
	cat *catalog
	rt  config.Runtime

	dispatch chan *Batch
	wg       sync.WaitGroup

	// onDone, when set, is invoked after each batch reaches a terminal
	// outcome. err is nil for fully or partially accepted batches.
	onDone func(b *Batch, err error)
}

func newFlusher(ctx context.Context, wh warehouse.Warehouse, cat *catalog, rt config.Runtime, onDone func(*Batch, error)) *flusher {
	f := &flusher{
		wh:       wh,
		cat:      cat,
		rt:       rt,
		dispatch: make(chan *Batch, rt.PendingBatches),
		onDone:   onDone,
	}
	for i := 0; i < rt.FlushWorkers; i++ {
		f.wg.Add(1)
		go f.worker(ctx)
	}
	return f
}

// Dispatch hands a completed batch to the pool. Blocks when the pool and its
// queue are saturated.
func (f *flusher) Dispatch(b *Batch) {
	f.dispatch <- b
}

// Shutdown stops accepting batches and waits for in-flight flushes up to the
// timeout. Returns ErrShutdownTimeout when workers are still busy after it.
func (f *flusher) Shutdown(timeout time.Duration) error {
	close(f.dispatch)

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

func (f *flusher) worker(ctx context.Context) {
	defer f.wg.Done()
	for b := range f.dispatch {
		err := f.flush(ctx, b)
		if f.onDone != nil {
			f.onDone(b, err)
		}
	}
}

// flush provisions the destination when needed, then writes the batch,
// retrying transient failures with capped exponential backoff. The batch's
// outcome is exactly one of accepted, partial (row failures enumerated and
// dropped) or failed; a failed batch is never re-enqueued.
func (f *flusher) flush(ctx context.Context, b *Batch) error {
	start := time.Now()
	dest := b.Dest.String()

	if err := f.cat.Ensure(ctx, b.Dest, b.Rows); err != nil {
		log.Printf("flush dest=%s rows=%d provision failed, dropping batch: %v", dest, len(b.Rows), err)
		metrics.RecordFlush(dest, "failed", time.Since(start))
		metrics.RecordRows(dest, "dropped_failed", int64(len(b.Rows)))
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= f.rt.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordRetry(dest)
			select {
			case <-time.After(f.backoff(attempt)):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		rowErrs, err := f.wh.InsertRows(ctx, b.Dest, b.Rows)
		if err == nil {
			return f.settle(b, rowErrs, start)
		}
		lastErr = err
		if !warehouse.IsTransient(err) {
			break
		}
		log.Printf("flush dest=%s rows=%d attempt=%d transient error: %v", dest, len(b.Rows), attempt+1, err)
	}

	log.Printf("flush dest=%s rows=%d giving up after %d attempts: %v", dest, len(b.Rows), f.rt.MaxRetries+1, lastErr)
	metrics.RecordFlush(dest, "failed", time.Since(start))
	metrics.RecordRows(dest, "dropped_failed", int64(len(b.Rows)))
	return lastErr
}

// settle records a successful insert call's per-row outcome. Rows the
// warehouse rejected as invalid are logged with their content and dropped;
// retrying them cannot succeed.
func (f *flusher) settle(b *Batch, rowErrs []warehouse.RowError, start time.Time) error {
	dest := b.Dest.String()

	for _, re := range rowErrs {
		content := "?"
		if re.Index >= 0 && re.Index < len(b.Rows) {
			if data, err := b.Rows[re.Index].MarshalJSON(); err == nil {
				content = string(data)
			}
		}
		log.Printf("flush dest=%s row=%d rejected (%s): %s", dest, re.Index, re.Reason, content)
	}

	status := "accepted"
	if len(rowErrs) > 0 {
		status = "partial"
	}
	metrics.RecordFlush(dest, status, time.Since(start))
	metrics.RecordRows(dest, "inserted", int64(len(b.Rows)-len(rowErrs)))
	metrics.RecordRows(dest, "dropped_invalid", int64(len(rowErrs)))
	return nil
}

func (f *flusher) backoff(attempt int) time.Duration {
	d := time.Duration(f.rt.BackoffMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if max := time.Duration(f.rt.BackoffMaxMs) * time.Millisecond; d > max {
		d = max
	}
	return d
}
