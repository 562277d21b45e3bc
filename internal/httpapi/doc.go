// Package httpapi exposes collabd's HTTP surface: the WebSocket upgrade
// endpoint, diagnostics (CSV export and alert evaluation), the task-status
// ingress used by the dashboard backend, and health.
package httpapi
