// Package metrics provides a small, backend-agnostic abstraction for
// recording operational metrics from the sink.
//
// The package is intentionally minimal and opinionated:
//
//   - It exposes a narrow interface (Backend) focused on counters and timing
//     data (histograms).
//   - It provides a global, pluggable backend that defaults to a no-op
//     implementation, so metrics are always safe to call even when no real
//     backend is configured.
//   - It mirrors the warehouse abstraction pattern used elsewhere in the
//     project: the rest of the codebase depends only on this interface while
//     concrete metric systems stay isolated in subpackages.
//
// The primary use case is instrumentation of the flush path (batches
// dispatched, rows accepted/dropped, retries, flush latency) without
// coupling the pipeline to a specific metrics system such as Prometheus or
// Datadog.
package metrics

import "time"

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
// It is intentionally generic so we can plug in Prometheus, Datadog, etc.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordFlush is a convenience for the common pattern: measure one flush
// attempt's terminal outcome per destination.
//
// status is one of "accepted", "partial", "failed".
func RecordFlush(destination, status string, d time.Duration) {
	lbls := Labels{
		"destination": destination,
		"status":      status,
	}
	backend.IncCounter("sink_batches_total", 1, lbls)
	backend.ObserveHistogram("sink_flush_duration_seconds", d.Seconds(), lbls)
}

// RecordRows increments a row-level counter for the given destination and
// kind.
//
// Typical kinds mirror the flush outcomes:
//   - "inserted"
//   - "dropped_invalid"
//   - "dropped_failed"
func RecordRows(destination, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("sink_rows_total", float64(delta), Labels{
		"destination": destination,
		"kind":        kind,
	})
}

// RecordRetry counts one transient-failure retry for the destination.
func RecordRetry(destination string) {
	backend.IncCounter("sink_flush_retries_total", 1, Labels{
		"destination": destination,
	})
}
