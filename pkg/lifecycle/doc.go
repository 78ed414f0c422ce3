// Package lifecycle runs the per-tenant state machine between Dormant,
// Warming, Active, Throttled and Draining. Transitions for one tenant are
// serialized; different tenants never block each other. Warm-ups are joined
// by concurrent arrivals so a thundering herd triggers exactly one.
package lifecycle
