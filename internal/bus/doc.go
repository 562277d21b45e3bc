// Package bus implements the Event Multiplexer.
//
// Published events fan out to subscribers of the event's scope whose type
// filter matches. Delivery is at-most-once: each subscriber owns a bounded
// ring queue and the oldest queued event is dropped on overflow. Event IDs
// are monotonic per scope, and fan-out happens under the scope lock so every
// subscriber observes one scope's events in generation order.
package bus
