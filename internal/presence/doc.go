// Package presence implements the Presence Registry.
//
// The registry tracks which users are viewing each document. Entries are
// keyed (documentID, userID) and expire when the heartbeat TTL lapses; a
// background sweep evicts stale entries and broadcasts the departure. State
// is partitioned per document so unrelated documents never contend on one
// lock, and presence_update events for a document are published in the order
// they are generated.
package presence
