// Package admission enforces per-tenant tier limits at the front door. Every
// connection becomes a lease checked against the tier's connection ceiling,
// with an optional bounded FIFO queue for tiers that queue instead of
// rejecting. Operation rates go through a token bucket, optionally shared
// across orchestrator instances via Redis.
package admission
