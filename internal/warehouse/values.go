package warehouse

import (
	"encoding/json"
	"fmt"
	"time"

	"bqsink/pkg/records"
)

// SQLValue flattens a record value into something database/sql drivers and
// pgx accept as a bind parameter. Nested records and lists are JSON-encoded;
// scalar values pass through.
func SQLValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int, int64, float64, time.Time:
		return t, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case *records.Record, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return fmt.Sprint(t), nil
	}
}

// RowValues projects rec onto the given column order for a positional
// INSERT. Columns the record does not carry become NULL; fields outside the
// column list are dropped, which mirrors how the streaming backends treat
// unknown fields.
func RowValues(rec *records.Record, columns []string) ([]any, error) {
	out := make([]any, len(columns))
	for i, col := range columns {
		raw, ok := rec.Get(col)
		if !ok {
			out[i] = nil
			continue
		}
		v, err := SQLValue(raw)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		out[i] = v
	}
	return out, nil
}
