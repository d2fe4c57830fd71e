package schema

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"bqsink/pkg/records"
)

// ErrEmptySample is returned when inference is attempted over zero records.
var ErrEmptySample = errors.New("schema: empty sample")

// Infer derives a Schema from sample records. It is used once per
// destination, on the first batch headed there, when the table does not
// exist yet.
//
// Rules:
//
//   - The field list is the union of field names across the sample, ordered
//     by first appearance.
//   - Per field, the type is widened across the observed values:
//     int + float → float, date + timestamp → timestamp. Any other mix of
//     types widens to string rather than guessing a promotion order.
//   - Null values keep the widening undecided; a field that is null in every
//     sampled record receives the string placeholder type. This is
//     best-effort: a later batch may introduce a conflicting type, and the
//     table schema is never revisited after creation.
//   - Nested records infer recursively; lists become Repeated fields typed
//     by widening their elements. A field that holds both lists and scalars
//     widens to a plain string field.
//   - Required is set when the field is present and non-null in every
//     sampled record.
//
// Infer never mutates the sample.
func Infer(sample []*records.Record) (Schema, error) {
	if len(sample) == 0 {
		return nil, ErrEmptySample
	}
	in := newInferrer()
	for _, rec := range sample {
		in.observe(rec)
	}
	return in.schema(), nil
}

// inferrer accumulates per-field widening state across observed records.
type inferrer struct {
	order  []string
	fields map[string]*fieldState
	rows   int
}

type fieldState struct {
	kind     Kind
	kindSet  bool
	conflict bool

	sawList   bool
	sawScalar bool

	present int
	nonNull int

	nested *inferrer // kind == KindRecord
}

func newInferrer() *inferrer {
	return &inferrer{fields: map[string]*fieldState{}}
}

func (in *inferrer) observe(rec *records.Record) {
	in.rows++
	rec.Range(func(name string, value any) bool {
		st, ok := in.fields[name]
		if !ok {
			st = &fieldState{}
			in.fields[name] = st
			in.order = append(in.order, name)
		}
		st.present++
		if value != nil {
			st.nonNull++
		}
		st.observe(value)
		return true
	})
}

func (st *fieldState) observe(value any) {
	switch v := value.(type) {
	case nil:
		// Keeps widening undecided.
	case []any:
		if st.sawScalar {
			st.conflict = true
			return
		}
		st.sawList = true
		for _, elem := range v {
			st.observeScalar(elem)
		}
	default:
		if st.sawList {
			st.conflict = true
			return
		}
		st.sawScalar = true
		st.observeScalar(v)
	}
}

// observeScalar merges a single non-list value into the state. List elements
// and direct values follow the same widening rules.
func (st *fieldState) observeScalar(value any) {
	if value == nil {
		return
	}
	if nested, ok := value.(*records.Record); ok {
		st.merge(KindRecord)
		if st.conflict {
			return
		}
		if st.nested == nil {
			st.nested = newInferrer()
		}
		st.nested.observe(nested)
		return
	}
	st.merge(kindOf(value))
}

// merge widens the current kind with k.
func (st *fieldState) merge(k Kind) {
	if st.conflict {
		return
	}
	if !st.kindSet {
		st.kind = k
		st.kindSet = true
		return
	}
	if st.kind == k {
		return
	}
	switch {
	case (st.kind == KindInt && k == KindFloat) || (st.kind == KindFloat && k == KindInt):
		st.kind = KindFloat
	case (st.kind == KindDate && k == KindTimestamp) || (st.kind == KindTimestamp && k == KindDate):
		st.kind = KindTimestamp
	default:
		st.conflict = true
	}
}

func (in *inferrer) schema() Schema {
	out := make(Schema, 0, len(in.order))
	for _, name := range in.order {
		st := in.fields[name]
		f := Field{
			Name:     name,
			Kind:     KindString, // placeholder for all-null and conflicts
			Required: st.present == in.rows && st.nonNull == in.rows,
		}
		if st.kindSet && !st.conflict {
			f.Kind = st.kind
			f.Repeated = st.sawList
			if st.kind == KindRecord && st.nested != nil {
				f.Fields = st.nested.schema()
			}
		}
		// A repeated field with no decided element type stays a repeated
		// string rather than collapsing to scalar.
		if st.sawList && !st.conflict && !st.kindSet {
			f.Repeated = true
		}
		out = append(out, f)
	}
	return out
}

// kindOf maps a Go value onto a logical column kind. Unknown Go types fall
// back to string; the backends stringify them on insert.
func kindOf(value any) Kind {
	switch v := value.(type) {
	case bool:
		return KindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInt
	case float32, float64:
		return KindFloat
	case json.Number:
		if _, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
			return KindInt
		}
		return KindFloat
	case time.Time:
		return KindTimestamp
	case string:
		return kindOfString(v)
	default:
		return KindString
	}
}

// Layouts recognized when deciding whether a string value carries a date or
// timestamp. Matches what the upstream crawler emits after the transformer
// stringifies time values.
var (
	timestampLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	dateLayouts = []string{
		"2006-01-02",
	}
)

// kindOfString detects timestamp- and date-shaped strings; everything else is
// a plain string.
func kindOfString(s string) Kind {
	st := strings.TrimSpace(s)
	if st == "" {
		return KindString
	}
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, st); err == nil {
			return KindTimestamp
		}
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, st); err == nil {
			return KindDate
		}
	}
	return KindString
}
