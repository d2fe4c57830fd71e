// Package config defines the canonical, JSON-serializable configuration model
// for the sink. It is intentionally small and explicit so that a config can
// be loaded from disk (or assembled by an embedding program) and passed
// through the process without additional glue code.
//
// Design goals:
//
//  1. Stability: changes to this package should be additive and backwards-
//     compatible whenever possible.
//  2. Clarity: Go field names mirror the JSON structure used in sink config
//     files.
//  3. Minimalism: no third-party config libraries; decoding is performed by
//     the standard library, with environment overrides for secrets only.
//
// Example (trimmed):
//
//	{
//	  "warehouse": "bigquery",
//	  "dataset":   "crawl",
//	  "table":     "items",
//	  "batch_size": 500,
//	  "add_scraped_time": true,
//	  "fields": ["name", "price"],
//	  "runtime": { "flush_workers": 2, "max_retries": 3 }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Default values applied by ApplyDefaults. Exposed so tests and embedding
// programs can reference them instead of repeating literals.
const (
	DefaultBatchSize         = 500
	DefaultDatasetKey        = "__dataset"
	DefaultTableKey          = "__table"
	DefaultFlushWorkers      = 2
	DefaultPendingBatches    = 4
	DefaultMaxRetries        = 3
	DefaultBackoffMs         = 200
	DefaultBackoffMaxMs      = 5000
	DefaultShutdownTimeoutMs = 30000
)

// EnvServiceAccount is the environment variable that overrides
// Sink.ServiceAccount. The value is a base64-encoded service account JSON
// blob, matching how the credential is usually injected in deployments.
const EnvServiceAccount = "BQSINK_SERVICE_ACCOUNT"

// Sink is the top-level configuration decoded from a sink config file.
type Sink struct {
	// Warehouse selects the destination backend kind (e.g. "bigquery",
	// "postgres", "mysql", "sqlite"). Defaults to "bigquery".
	Warehouse string `json:"warehouse"`

	// Dataset and Table name the default destination. Individual records may
	// override both via the reserved keys below.
	Dataset string `json:"dataset"`
	Table   string `json:"table"`

	// Project names the warehouse project where needed (BigQuery). When
	// empty it is taken from the service account credential.
	Project string `json:"project,omitempty"`

	// ServiceAccount is a base64-encoded service account JSON blob. The
	// BQSINK_SERVICE_ACCOUNT environment variable takes precedence, so the
	// secret normally stays out of config files.
	ServiceAccount string `json:"service_account,omitempty"`

	// DSN is the connection string for SQL-backed warehouses.
	DSN string `json:"dsn,omitempty"`

	// BatchSize is the per-destination flush threshold. Must be positive.
	BatchSize int `json:"batch_size"`

	// DatasetKey and TableKey are the reserved per-record override keys that
	// redirect a single record to a non-default destination. Both are always
	// stripped before the record is buffered or transmitted.
	DatasetKey string `json:"dataset_key,omitempty"`
	TableKey   string `json:"table_key,omitempty"`

	// Fields is an optional ordered allow-list. When set, only the listed
	// fields are kept, in the listed order.
	Fields []string `json:"fields,omitempty"`

	// Enrichment flags. Enabled fields are appended after projection, in
	// this fixed order: scraped_time, scraper, scraper_session_id.
	AddScrapedTime    bool `json:"add_scraped_time"`
	AddScraperName    bool `json:"add_scraper_name"`
	AddScraperSession bool `json:"add_scraper_session"`

	// ScraperName is the identity string written when AddScraperName is set.
	ScraperName string `json:"scraper_name,omitempty"`

	// NormalizeFieldNames rewrites field names into lowercase ASCII
	// identifiers before buffering (accent-stripped, [a-z0-9_] only). Off by
	// default: transmitted keys then match the input exactly.
	NormalizeFieldNames bool `json:"normalize_field_names"`

	Runtime Runtime `json:"runtime"`
}

// Runtime controls concurrency, dispatch buffering, and the retry policy.
type Runtime struct {
	// FlushWorkers bounds the number of concurrently in-flight flushes.
	FlushWorkers int `json:"flush_workers"`

	// PendingBatches is the dispatch queue capacity. Once this many completed
	// batches are waiting for a worker, record intake blocks rather than
	// buffering without bound.
	PendingBatches int `json:"pending_batches"`

	// MaxRetries is the retry ceiling for transient insert failures.
	// 3 means one initial attempt plus up to three retries.
	MaxRetries int `json:"max_retries"`

	// BackoffMs and BackoffMaxMs bound the exponential retry backoff.
	BackoffMs    int `json:"backoff_ms"`
	BackoffMaxMs int `json:"backoff_max_ms"`

	// ShutdownTimeoutMs bounds how long Close waits for in-flight flushes.
	ShutdownTimeoutMs int `json:"shutdown_timeout_ms"`
}

// ApplyDefaults fills zero-valued knobs with their documented defaults.
func (s *Sink) ApplyDefaults() {
	if s.Warehouse == "" {
		s.Warehouse = "bigquery"
	}
	if s.BatchSize == 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.DatasetKey == "" {
		s.DatasetKey = DefaultDatasetKey
	}
	if s.TableKey == "" {
		s.TableKey = DefaultTableKey
	}
	if s.Runtime.FlushWorkers == 0 {
		s.Runtime.FlushWorkers = DefaultFlushWorkers
	}
	if s.Runtime.PendingBatches == 0 {
		s.Runtime.PendingBatches = DefaultPendingBatches
	}
	if s.Runtime.MaxRetries == 0 {
		s.Runtime.MaxRetries = DefaultMaxRetries
	}
	if s.Runtime.BackoffMs == 0 {
		s.Runtime.BackoffMs = DefaultBackoffMs
	}
	if s.Runtime.BackoffMaxMs == 0 {
		s.Runtime.BackoffMaxMs = DefaultBackoffMaxMs
	}
	if s.Runtime.ShutdownTimeoutMs == 0 {
		s.Runtime.ShutdownTimeoutMs = DefaultShutdownTimeoutMs
	}
}

// Load reads a Sink config from path, applies environment overrides and then
// defaults. Validation is left to the caller so warnings can be surfaced
// separately (see ValidateSink).
func Load(path string) (Sink, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sink{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var s Sink
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return Sink{}, fmt.Errorf("decode config: %w", err)
	}
	s.ApplyEnv()
	s.ApplyDefaults()
	return s, nil
}

// ApplyEnv copies secret material from the environment into the config.
// Environment values win over file values.
func (s *Sink) ApplyEnv() {
	if v := os.Getenv(EnvServiceAccount); v != "" {
		s.ServiceAccount = v
	}
}
