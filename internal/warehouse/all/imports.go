// Package all wires all built-in warehouse backends into the warehouse
// factory.
//
// This package exists purely for side effects: importing it (even as a blank
// import) causes the init functions of each concrete backend to run, which in
// turn register their factories with the warehouse package.
//
// In other words, importing this package makes the following warehouse kinds
// available at runtime:
//
//   - "bigquery" (bqsink/internal/warehouse/bigquery)
//   - "postgres" (bqsink/internal/warehouse/postgres)
//   - "mysql"    (bqsink/internal/warehouse/mysql)
//   - "sqlite"   (bqsink/internal/warehouse/sqlite)
//
// Typical usage (in cmd/bqsink/main.go or a similar wiring layer):
//
//	import _ "bqsink/internal/warehouse/all" // enable all built-in backends
//
// A binary that needs only a subset of backends can import the required
// backend packages directly instead of this one.
package all

import (
	_ "bqsink/internal/warehouse/bigquery"
	_ "bqsink/internal/warehouse/mysql"
	_ "bqsink/internal/warehouse/postgres"
	_ "bqsink/internal/warehouse/sqlite"
)
