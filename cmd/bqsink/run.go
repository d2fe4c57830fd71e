// This file contains the streaming execution logic for the sink binary.
//
// It reads newline-delimited JSON records from a file or stdin and feeds
// them through the pipeline with a small pool of processor goroutines. The
// CLI layer stays thin: it depends only on the pipeline and records
// packages and never imports warehouse drivers directly.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"bqsink/internal/config"
	"bqsink/internal/pipeline"
	"bqsink/pkg/records"
)

// lineBufSize bounds a single NDJSON line; scraped records larger than this
// are skipped and counted as decode errors, never fatal.
const lineBufSize = 4 << 20

// counters holds cross-goroutine statistics for a streaming run.
//
// All fields are updated atomically.
type counters struct {
	processed    atomic.Int64 // records handed to the pipeline
	decodeErrors atomic.Int64 // lines that were not valid JSON objects
	batches      atomic.Int64 // batches that reached a terminal outcome
	batchErrors  atomic.Int64 // batches that wholly failed
}

// runStreamed executes a full read → decode → process run against the
// configured warehouse, then closes the pipeline so the remainder below the
// batch threshold is flushed too.
//
// Decode errors are fail-soft: the offending line is counted and logged, and
// the run continues. A pipeline open failure or input I/O failure is fatal.
func runStreamed(ctx context.Context, cfg config.Sink, inputPath string, workers int) error {
	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	var stats counters
	p, err := pipeline.Open(ctx, cfg,
		pipeline.WithBatchDone(func(b *pipeline.Batch, err error) {
			stats.batches.Add(1)
			if err != nil {
				stats.batchErrors.Add(1)
			}
		}),
	)
	if err != nil {
		return err
	}

	if workers < 1 {
		workers = 1
	}
	lines := make(chan []byte, workers*2)

	g, ctx := errgroup.WithContext(ctx)

	// Reader: one goroutine splitting the input into lines.
	g.Go(func() error {
		defer close(lines)
		return scanLines(ctx, in, lines, &stats.decodeErrors)
	})

	// Processors: decode and hand records to the pipeline.
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for line := range lines {
				rec := records.New()
				if err := json.Unmarshal(line, rec); err != nil {
					stats.decodeErrors.Add(1)
					log.Printf("decode: skipping bad line: %v", err)
					continue
				}
				if _, err := p.Process(rec); err != nil {
					return err
				}
				stats.processed.Add(1)
			}
			return nil
		})
	}

	runErr := g.Wait()

	// Close even after an error so already-buffered records get a chance to
	// land and the warehouse client is released.
	closeErr := p.Close()

	log.Printf("done: processed=%d decode_errors=%d batches=%d batch_errors=%d session=%s",
		stats.processed.Load(), stats.decodeErrors.Load(),
		stats.batches.Load(), stats.batchErrors.Load(), p.SessionID())

	if runErr != nil {
		return runErr
	}
	return closeErr
}

// scanLines splits in into newline-delimited records and sends copies on
// lines. Lines larger than lineBufSize are discarded and counted on
// oversized, never fatal, so one runaway record cannot take the rest of
// the file down with it.
func scanLines(ctx context.Context, in io.Reader, lines chan<- []byte, oversized *atomic.Int64) error {
	br := bufio.NewReaderSize(in, lineBufSize)
	lineNo := 0
	for {
		raw, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			lineNo++
			oversized.Add(1)
			log.Printf("decode: skipping oversized line %d (limit %d bytes)", lineNo, lineBufSize)
			if derr := discardLine(br); derr != nil {
				if derr == io.EOF {
					return nil
				}
				return fmt.Errorf("read input: line %d: %w", lineNo, derr)
			}
			continue
		}
		if line := bytes.TrimRight(raw, "\r\n"); len(line) > 0 {
			lineNo++
			buf := make([]byte, len(line))
			copy(buf, line)
			select {
			case lines <- buf:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read input: line %d: %w", lineNo+1, err)
		}
	}
}

// discardLine consumes input through the next newline. Used to resync
// after a line overflowed the read buffer.
func discardLine(br *bufio.Reader) error {
	for {
		_, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		return err
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}
