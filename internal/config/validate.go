// Package config provides configuration models and helpers for the sink.
//
// This file adds a lightweight linter/validator for Sink values. It performs
// static checks over a decoded Sink and returns a list of issues (errors and
// warnings) that callers can surface in a CLI or tests.
package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Sink.
//
// Path is a dotted path into the config (e.g. "runtime.flush_workers").
// Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue in the list has error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidateSink performs static validation / linting of a Sink.
//
// It does not mutate the config. Callers may decide whether to treat
// warnings as fatal or not. Call ApplyDefaults before validating; zero-value
// knobs that have defaults are not reported.
func ValidateSink(s Sink) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Warehouse) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "warehouse",
			Message:  "warehouse must not be empty",
		})
	}
	if strings.TrimSpace(s.Dataset) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "dataset",
			Message:  "a default dataset is required; per-record overrides cannot cover records without override keys",
		})
	}
	if strings.TrimSpace(s.Table) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "table",
			Message:  "a default table is required; per-record overrides cannot cover records without override keys",
		})
	}

	switch s.Warehouse {
	case "bigquery":
		if strings.TrimSpace(s.ServiceAccount) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "service_account",
				Message:  fmt.Sprintf("bigquery requires a service account blob (set %s or service_account)", EnvServiceAccount),
			})
		}
	case "postgres", "mysql", "sqlite":
		if strings.TrimSpace(s.DSN) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "dsn",
				Message:  fmt.Sprintf("%s warehouse requires a dsn", s.Warehouse),
			})
		}
	case "":
		// reported above
	default:
		// Unknown kinds are warnings; a matching backend may be registered by
		// an embedding program.
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "warehouse",
			Message:  fmt.Sprintf("unknown warehouse kind %q; ensure a matching backend is registered", s.Warehouse),
		})
	}

	if s.BatchSize < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "batch_size",
			Message:  "batch_size must be positive",
		})
	} else if s.BatchSize == 1 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "batch_size",
			Message:  "batch_size=1 issues one insert call per record; expect warehouse rate limits to bite",
		})
	}

	if s.DatasetKey == s.TableKey {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "dataset_key",
			Message:  "dataset_key and table_key must differ",
		})
	}
	for i, f := range s.Fields {
		if strings.TrimSpace(f) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("fields[%d]", i),
				Message:  "allow-list entries must not be empty",
			})
		}
		if f == s.DatasetKey || f == s.TableKey {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     fmt.Sprintf("fields[%d]", i),
				Message:  fmt.Sprintf("%q is a reserved override key and is always stripped before projection", f),
			})
		}
	}
	if s.AddScraperName && strings.TrimSpace(s.ScraperName) == "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "scraper_name",
			Message:  "add_scraper_name is set but scraper_name is empty; an empty identity string will be written",
		})
	}

	issues = append(issues, validateRuntime(s.Runtime)...)
	return issues
}

// validateRuntime validates the concurrency and retry knobs.
func validateRuntime(r Runtime) []Issue {
	var issues []Issue

	if r.FlushWorkers < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.flush_workers",
			Message:  "flush_workers must be positive",
		})
	}
	if r.PendingBatches < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.pending_batches",
			Message:  "pending_batches must be positive",
		})
	}
	if r.MaxRetries < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.max_retries",
			Message:  "max_retries must not be negative",
		})
	}
	if r.BackoffMaxMs != 0 && r.BackoffMs > r.BackoffMaxMs {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.backoff_ms",
			Message:  "backoff_ms must not exceed backoff_max_ms",
		})
	}
	if r.ShutdownTimeoutMs < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.shutdown_timeout_ms",
			Message:  "shutdown_timeout_ms must not be negative",
		})
	}
	return issues
}
