// Package schema provides the warehouse-agnostic schema model and the
// best-effort inference used when a destination table does not exist yet.
// The inference functions are pure and deterministic, which makes them
// straightforward to test and reuse across warehouse backends.
package schema

// Kind identifies a column's logical type. Backends map kinds onto their own
// type systems (BigQuery field types, SQL column types).
type Kind string

const (
	KindBool      Kind = "bool"
	KindInt       Kind = "int"
	KindFloat     Kind = "float"
	KindString    Kind = "string"
	KindDate      Kind = "date"
	KindTimestamp Kind = "timestamp"
	KindRecord    Kind = "record"
)

// Field describes a single column in a table definition.
//
// Fields:
//   - Name: column name (unquoted; quoting/escaping happens at render time)
//   - Kind: logical type, widened across the sampled values
//   - Repeated: the field held lists; the element type is Kind
//   - Required: the field was present and non-null in every sampled record
//   - Fields: nested schema, set only when Kind == KindRecord
type Field struct {
	Name     string
	Kind     Kind
	Repeated bool
	Required bool
	Fields   Schema
}

// Schema is an ordered list of fields. Order follows first appearance in the
// sampled records (or the projected field order upstream).
type Schema []Field

// FieldNames returns the column names in schema order.
func (s Schema) FieldNames() []string {
	out := make([]string, len(s))
	for i, f := range s {
		out[i] = f.Name
	}
	return out
}

// Normalized returns a copy of the schema with every field name passed
// through NormalizeFieldName. Nested schemas are normalized too.
func (s Schema) Normalized() Schema {
	out := make(Schema, len(s))
	for i, f := range s {
		f.Name = NormalizeFieldName(f.Name)
		if f.Kind == KindRecord {
			f.Fields = f.Fields.Normalized()
		}
		out[i] = f
	}
	return out
}
