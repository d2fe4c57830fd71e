package pipeline

import (
	"time"

	"bqsink/internal/config"
	"bqsink/internal/schema"
	"bqsink/internal/warehouse"
	"bqsink/pkg/records"
)

// Transformer turns a raw scraped record into a routed, projected, enriched
// row. It is a pure function of its inputs: the same record and config
// always produce the same output (the clock and session id are injected at
// construction so tests can freeze them).
type Transformer struct {
	cfg       config.Sink
	sessionID string
	now       func() time.Time
}

// NewTransformer builds a Transformer for the given config. sessionID is the
// value written to scraper_session_id when enrichment is enabled.
func NewTransformer(cfg config.Sink, sessionID string) *Transformer {
	return &Transformer{
		cfg:       cfg,
		sessionID: sessionID,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Transform computes the effective destination and the row to transmit.
//
// Steps run in a fixed order: pop the override keys, apply the allow-list
// projection, then append enrichment fields. Enrichment fields are appended
// after projection so an allow-list can never filter them out. The input
// record is not mutated.
//
// Both override keys must be present with non-empty string values to
// redirect the record; a partial or empty override falls back to the full
// configured default.
func (t *Transformer) Transform(rec *records.Record) (warehouse.Destination, *records.Record) {
	row := rec.Clone()

	dsVal, dsOk := row.Pop(t.cfg.DatasetKey)
	tblVal, tblOk := row.Pop(t.cfg.TableKey)

	dest := warehouse.Destination{Dataset: t.cfg.Dataset, Table: t.cfg.Table}
	if dsOk && tblOk {
		ds, _ := dsVal.(string)
		tbl, _ := tblVal.(string)
		if ds != "" && tbl != "" {
			dest = warehouse.Destination{Dataset: ds, Table: tbl}
		}
	}

	if len(t.cfg.Fields) > 0 {
		row = project(row, t.cfg.Fields)
	}
	if t.cfg.NormalizeFieldNames {
		row = normalizeKeys(row)
	}
	stringifyTimes(row)

	if t.cfg.AddScrapedTime {
		row.Set("scraped_time", t.now().Format(time.RFC3339))
	}
	if t.cfg.AddScraperName {
		row.Set("scraper", t.cfg.ScraperName)
	}
	if t.cfg.AddScraperSession {
		row.Set("scraper_session_id", t.sessionID)
	}

	return dest, row
}

// project keeps only the allow-listed fields, in allow-list order. Listed
// fields absent from the record are skipped, not filled with nulls.
func project(rec *records.Record, fields []string) *records.Record {
	out := records.New()
	for _, name := range fields {
		if v, ok := rec.Get(name); ok {
			out.Set(name, v)
		}
	}
	return out
}

// normalizeKeys rewrites every top-level field name into a lowercase ASCII
// identifier. On a collision the later field wins, matching Record.Set.
func normalizeKeys(rec *records.Record) *records.Record {
	out := records.New()
	rec.Range(func(name string, value any) bool {
		out.Set(schema.NormalizeFieldName(name), value)
		return true
	})
	return out
}

// stringifyTimes rewrites time.Time values to RFC 3339 strings in place,
// recursing through nested records and lists, so every backend receives the
// same wire representation.
func stringifyTimes(rec *records.Record) {
	rec.Range(func(name string, value any) bool {
		if out, changed := stringifyValue(value); changed {
			rec.Set(name, out)
		}
		return true
	})
}

func stringifyValue(value any) (any, bool) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339), true
	case *records.Record:
		stringifyTimes(v)
		return v, false
	case []any:
		for i, elem := range v {
			if out, changed := stringifyValue(elem); changed {
				v[i] = out
			}
		}
		return v, false
	}
	return value, false
}
