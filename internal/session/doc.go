// Package session implements the Connection Manager.
//
// Each WebSocket client gets one Session with a single reader and a single
// writer goroutine. Outbound frames go through a bounded ring that drops the
// oldest frame under backpressure, so a slow client degrades only its own
// stream. All teardown, whatever triggered it, funnels through one cleanup
// path that releases locks, presence, and subscriptions together.
package session
