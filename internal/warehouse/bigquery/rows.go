package bigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/zeebo/xxh3"

	"bqsink/internal/warehouse"
	"bqsink/pkg/records"
)

// rowSaver adapts one dynamic record to the streaming-insert API. The insert
// id is an xxh3 hash over the destination plus the order-preserving JSON
// encoding of the row, giving BigQuery a stable key for its best-effort
// dedup when a transient failure forces a whole-batch retry.
type rowSaver struct {
	rec      *records.Record
	insertID string
}

func newRowSaver(dest warehouse.Destination, rec *records.Record) (*rowSaver, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	sum := xxh3.HashString(dest.String() + "\x00" + string(b))
	return &rowSaver{rec: rec, insertID: fmt.Sprintf("%016x", sum)}, nil
}

// Save implements bigquery.ValueSaver.
func (s *rowSaver) Save() (map[string]bigquery.Value, string, error) {
	row, err := toValueMap(s.rec)
	if err != nil {
		return nil, "", err
	}
	return row, s.insertID, nil
}

// InsertRows submits one batch as a single streaming-insert call.
// Validation-class failures come back per row and are returned as
// warehouse.RowErrors; the accepted rows of the same call stay accepted
// (SkipInvalidRows). Whole-call failures are classified for the retry
// policy upstream.
func (c *Client) InsertRows(ctx context.Context, dest warehouse.Destination, rows []*records.Record) ([]warehouse.RowError, error) {
	savers := make([]*rowSaver, 0, len(rows))
	origIdx := make([]int, 0, len(rows))
	var rowErrs []warehouse.RowError
	for i, rec := range rows {
		sv, err := newRowSaver(dest, rec)
		if err != nil {
			// Unencodable row: validation-class, never retryable.
			rowErrs = append(rowErrs, warehouse.RowError{Index: i, Reason: err.Error()})
			continue
		}
		savers = append(savers, sv)
		origIdx = append(origIdx, i)
	}

	ins := c.bq.Dataset(dest.Dataset).Table(dest.Table).Inserter()
	ins.SkipInvalidRows = true

	err := ins.Put(ctx, savers)
	if err == nil {
		return rowErrs, nil
	}
	var multi bigquery.PutMultiError
	if errors.As(err, &multi) {
		for _, re := range multi {
			// RowIndex counts within the submitted slice, which may be
			// shorter than the batch when rows were dropped above.
			idx := re.RowIndex
			if idx >= 0 && idx < len(origIdx) {
				idx = origIdx[idx]
			}
			rowErrs = append(rowErrs, warehouse.RowError{
				Index:  idx,
				Reason: re.Error(),
			})
		}
		return rowErrs, nil
	}
	return nil, classify(fmt.Errorf("bigquery: insert %s: %w", dest, err))
}

// toValueMap converts a record into the map form the insert API expects,
// recursing into nested records and lists.
func toValueMap(rec *records.Record) (map[string]bigquery.Value, error) {
	out := make(map[string]bigquery.Value, rec.Len())
	var convErr error
	rec.Range(func(name string, value any) bool {
		v, err := toValue(value)
		if err != nil {
			convErr = fmt.Errorf("field %q: %w", name, err)
			return false
		}
		out[name] = v
		return true
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

func toValue(value any) (bigquery.Value, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool, string, int, int64, float64, time.Time:
		return v, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case *records.Record:
		return toValueMap(v)
	case []any:
		list := make([]bigquery.Value, 0, len(v))
		for _, elem := range v {
			ev, err := toValue(elem)
			if err != nil {
				return nil, err
			}
			list = append(list, ev)
		}
		return list, nil
	default:
		return fmt.Sprint(v), nil
	}
}
