// Package archive periodically persists telemetry snapshots to PostgreSQL.
//
// The writer is optional; without it collabd keeps all telemetry in memory
// only. Rows are aggregated per-session metrics, never document content or
// user edits.
package archive
