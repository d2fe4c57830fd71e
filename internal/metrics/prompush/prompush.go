// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// This package adapts the generic metrics.Backend interface to Prometheus by:
//
//   - Using client_golang CounterVec and SummaryVec collectors.
//   - Mapping the sink labels (destination, status, kind) onto Prometheus labels.
//   - Pushing collected metrics to a Prometheus Pushgateway instance instead of
//     exposing an HTTP scrape endpoint.
//
// The package intentionally contains all Prometheus-specific dependencies so
// that the rest of the project remains decoupled from Prometheus and can swap
// to alternative backends (e.g. Datadog, StatsD) without changes to the core
// sink pipeline.
package prompush

import (
	"fmt"

	"bqsink/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	// Batch-level metrics
	batchCounter  *prometheus.CounterVec // "sink_batches_total"
	flushDuration *prometheus.SummaryVec // "sink_flush_duration_seconds"
	retryCounter  *prometheus.CounterVec // "sink_flush_retries_total"

	// Row-level metrics
	rowCounter *prometheus.CounterVec // "sink_rows_total"
}

// NewBackend constructs a Prometheus Pushgateway backend.
// jobName: the Pushgateway "job" name (often the scraper name).
// gatewayURL: base URL of the Pushgateway server.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "bqsink"
	}

	reg := prometheus.NewRegistry()

	// BATCH metrics: destination is "dataset.table", status is
	// accepted, partial or failed.
	batchCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_batches_total",
			Help: "Total number of flushed batches, partitioned by destination and status.",
		},
		[]string{"destination", "status"},
	)
	flushDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "sink_flush_duration_seconds",
			Help:       "Duration of batch flushes in seconds, partitioned by destination and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"destination", "status"},
	)
	retryCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_flush_retries_total",
			Help: "Total number of flush retries after transient warehouse errors.",
		},
		[]string{"destination"},
	)

	// ROW metrics: kind (inserted, dropped_invalid, dropped_failed).
	rowCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_rows_total",
			Help: "Row-level counts per destination and kind (inserted, dropped_invalid, dropped_failed).",
		},
		[]string{"destination", "kind"},
	)

	if err := reg.Register(batchCounter); err != nil {
		return nil, fmt.Errorf("prompush: register batch counter: %w", err)
	}
	if err := reg.Register(flushDuration); err != nil {
		return nil, fmt.Errorf("prompush: register flush summary: %w", err)
	}
	if err := reg.Register(retryCounter); err != nil {
		return nil, fmt.Errorf("prompush: register retry counter: %w", err)
	}
	if err := reg.Register(rowCounter); err != nil {
		return nil, fmt.Errorf("prompush: register row counter: %w", err)
	}

	return &Backend{
		gatewayURL:    gatewayURL,
		jobName:       jobName,
		reg:           reg,
		batchCounter:  batchCounter,
		flushDuration: flushDuration,
		retryCounter:  retryCounter,
		rowCounter:    rowCounter,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case "sink_batches_total":
		if b.batchCounter == nil {
			return
		}
		dest := labels["destination"]
		status := labels["status"]
		b.batchCounter.WithLabelValues(dest, status).Add(delta)

	case "sink_rows_total":
		if b.rowCounter == nil {
			return
		}
		dest := labels["destination"]
		kind := labels["kind"]
		b.rowCounter.WithLabelValues(dest, kind).Add(delta)

	case "sink_flush_retries_total":
		if b.retryCounter == nil {
			return
		}
		dest := labels["destination"]
		b.retryCounter.WithLabelValues(dest).Add(delta)

	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != "sink_flush_duration_seconds" || b.flushDuration == nil {
		return
	}
	dest := labels["destination"]
	status := labels["status"]
	b.flushDuration.WithLabelValues(dest, status).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
