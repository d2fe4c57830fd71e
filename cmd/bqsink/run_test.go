package main

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
)

/*
Tests for the NDJSON line splitter feeding the pipeline.

The interesting case is a line that overflows the read buffer: it must be
skipped and counted, and every record after it must still come through.
*/

func collectLines(t *testing.T, input string) ([]string, int64) {
	t.Helper()

	lines := make(chan []byte, 16)
	var oversized atomic.Int64
	done := make(chan error, 1)
	go func() {
		defer close(lines)
		done <- scanLines(context.Background(), strings.NewReader(input), lines, &oversized)
	}()

	var got []string
	for line := range lines {
		got = append(got, string(line))
	}
	if err := <-done; err != nil {
		t.Fatalf("scanLines: %v", err)
	}
	return got, oversized.Load()
}

// TestScanLines_Basic covers splitting, blank-line skipping, CRLF, and a
// final line without a trailing newline.
func TestScanLines_Basic(t *testing.T) {
	t.Parallel()

	got, oversized := collectLines(t, "{\"a\":1}\n\n{\"b\":2}\r\n{\"c\":3}")
	want := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	if len(got) != len(want) {
		t.Fatalf("lines = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d = %q; want %q", i, got[i], want[i])
		}
	}
	if oversized != 0 {
		t.Fatalf("oversized = %d; want 0", oversized)
	}
}

// TestScanLines_OversizedLineIsSkipped verifies a line beyond the buffer
// limit is dropped and counted while later records still arrive.
func TestScanLines_OversizedLineIsSkipped(t *testing.T) {
	t.Parallel()

	huge := `{"blob":"` + strings.Repeat("x", lineBufSize+1024) + `"}`
	input := `{"a":1}` + "\n" + huge + "\n" + `{"c":3}` + "\n"

	got, oversized := collectLines(t, input)
	want := []string{`{"a":1}`, `{"c":3}`}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("lines = %d records; want the two normal ones", len(got))
	}
	if oversized != 1 {
		t.Fatalf("oversized = %d; want 1", oversized)
	}
}

// TestScanLines_OversizedAtEOF verifies an oversized final line without a
// newline does not error the run.
func TestScanLines_OversizedAtEOF(t *testing.T) {
	t.Parallel()

	input := `{"a":1}` + "\n" + strings.Repeat("y", lineBufSize+1)
	got, oversized := collectLines(t, input)
	if len(got) != 1 || got[0] != `{"a":1}` {
		t.Fatalf("lines = %v; want only the first record", got)
	}
	if oversized != 1 {
		t.Fatalf("oversized = %d; want 1", oversized)
	}
}
