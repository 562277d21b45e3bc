// Package telemetry aggregates per-session connection health.
//
// Entries are keyed by the client's stable client_id so reconnect counts
// survive the session churn of a flaky network. Latency samples and delivery
// counts live in a rolling window; older data falls out of every derived
// metric. Disconnected entries are retained for a grace period so operators
// can still inspect a session that just dropped, then swept.
package telemetry
