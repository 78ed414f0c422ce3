// Package orchestrator wires the tier cache, admission gate, lifecycle
// manager, store router and usage recorder into the service the API serves.
// An operation's path is: lease check, rate gate, tier timeout, store
// execute, usage sample.
package orchestrator
