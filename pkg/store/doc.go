// Package store defines the minimal capability surface the orchestrator
// needs from each heterogeneous backing store: apply session limits, execute
// an operation under a timeout, report current load, and snapshot/restore a
// tenant's working set. Engine internals stay behind the Backend interface.
package store
