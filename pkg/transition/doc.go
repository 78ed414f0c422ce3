// Package transition coordinates tier changes across every backing store.
// A change runs in two phases: prepare asks each store whether it can accept
// the new limits, and only when all agree does commit touch anything. The
// tier cache is invalidated last so no reader sees the new tier before the
// stores enforce it. Downgrades get a grace period before leases above the
// new ceiling are evicted.
package transition
