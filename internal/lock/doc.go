// Package lock implements lease-based section locking.
//
// Each document section is a two-state machine: Free becomes Held on acquire,
// and Held becomes Free again on explicit release, lease expiry, or holder
// disconnect. Leases are renewed by the holder re-acquiring. There is no queue
// and no priority; a rejected acquirer retries on its own. Every transition
// broadcasts a lock event to the owning document's scope.
package lock
