// Package storage persists run records for triggers and builds.
//
// Records are operational history only: nothing reads them back to decide
// whether or how to run. Drivers:
//   - file: append-only JSON Lines
//   - sqlite: modernc.org/sqlite with an embedded schema
package storage
