package pipeline

import (
	"sync"

	"bqsink/internal/warehouse"
	"bqsink/pkg/records"
)

// Batch is a bounded, ordered group of rows for a single destination,
// flushed as one insert call.
type Batch struct {
	Dest warehouse.Destination
	Rows []*records.Record
}

// queue is the per-destination FIFO. Each queue carries its own lock so
// destinations never contend with each other on the hot append path.
type queue struct {
	mu   sync.Mutex
	rows []*records.Record
}

// bufferSet owns one queue per destination. The set-level lock covers only
// queue creation; appends take the queue's own lock.
type bufferSet struct {
	mu        sync.Mutex
	queues    map[warehouse.Destination]*queue
	batchSize int
}

func newBufferSet(batchSize int) *bufferSet {
	return &bufferSet{
		queues:    make(map[warehouse.Destination]*queue),
		batchSize: batchSize,
	}
}

func (b *bufferSet) queueFor(dest warehouse.Destination) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[dest]
	if !ok {
		q = &queue{rows: make([]*records.Record, 0, b.batchSize)}
		b.queues[dest] = q
	}
	return q
}

// Append adds the row to the destination's queue. When the append fills the
// queue to the batch size, the queued rows are cut into a Batch and the queue
// restarts empty; Append returns nil otherwise. A queue's length is
// therefore always below the batch size between flush-producing appends.
func (b *bufferSet) Append(dest warehouse.Destination, row *records.Record) *Batch {
	q := b.queueFor(dest)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows = append(q.rows, row)
	if len(q.rows) < b.batchSize {
		return nil
	}
	batch := &Batch{Dest: dest, Rows: q.rows}
	q.rows = make([]*records.Record, 0, b.batchSize)
	return batch
}

// DrainAll cuts every non-empty queue into a batch regardless of size. Used
// only at shutdown, after intake has stopped.
func (b *bufferSet) DrainAll() []*Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Batch
	for dest, q := range b.queues {
		q.mu.Lock()
		if len(q.rows) > 0 {
			out = append(out, &Batch{Dest: dest, Rows: q.rows})
			q.rows = nil
		}
		q.mu.Unlock()
	}
	return out
}
