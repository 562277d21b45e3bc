// Package database provides the PostgreSQL connection pool for the optional
// telemetry archive. Document content never touches the database; the only
// table collabd writes is aggregated per-session telemetry.
package database
