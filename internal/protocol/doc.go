// Package protocol defines the wire format shared by clients and the server.
//
// Every frame is an Envelope carrying a type tag plus the identifiers the type
// needs. Inbound frames decode into a closed set of Command variants; anything
// outside that set is a validation error, never silently ignored.
package protocol
