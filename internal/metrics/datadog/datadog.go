// Package datadog forwards sink metrics to a DogStatsD agent.
//
// It implements metrics.Backend on top of the official statsd client,
// mapping labels onto Datadog tags. Nothing outside this package imports
// the Datadog client; the rest of the sink talks to metrics.Backend only.
package datadog

import (
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"

	"bqsink/internal/metrics"
)

// Config selects the agent and the identity the sink reports under.
type Config struct {
	// Addr is the DogStatsD endpoint, "host:port" or "unix:///path".
	Addr string

	// Namespace prefixes every metric name, e.g. "bqsink.".
	Namespace string

	// GlobalTags are attached to every emission, e.g. "env:prod".
	GlobalTags []string
}

// Backend sends counters and histograms to a DogStatsD agent.
type Backend struct {
	client statsd.ClientInterface
}

// NewBackend dials the agent described by cfg. Addr is required.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("datadog: Addr is required")
	}
	opts := []statsd.Option{}
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	if len(cfg.GlobalTags) > 0 {
		opts = append(opts, statsd.WithTags(cfg.GlobalTags))
	}
	client, err := statsd.New(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("datadog: create client: %w", err)
	}
	return &Backend{client: client}, nil
}

// IncCounter emits a Count. DogStatsD counts are integral; fractional
// deltas are truncated.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	b.client.Count(name, int64(delta), tagsFor(labels), 1)
}

// ObserveHistogram emits a Histogram sample.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if b.client == nil {
		return
	}
	b.client.Histogram(name, value, tagsFor(labels), 1)
}

// Flush closes the client, which drains anything still buffered. Meant
// for process shutdown, matching how metrics.Flush is called.
func (b *Backend) Flush() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func tagsFor(lbls metrics.Labels) []string {
	if len(lbls) == 0 {
		return nil
	}
	tags := make([]string, 0, len(lbls))
	for k, v := range lbls {
		tags = append(tags, k+":"+v)
	}
	return tags
}
