// Package stores persists installation run history. The SQLite-backed
// store records runs, per-module results, and timeline events as the
// installer progresses, and serves them back to the history command.
// An audit table tracks who started and finished runs.
//
// Migrations are embedded and applied by Migrate; the database runs in
// WAL mode with foreign keys enforced on every connection.
package stores
