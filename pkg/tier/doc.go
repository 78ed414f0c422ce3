// Package tier holds the tenant registry and the read-through tier cache.
//
// The registry is the source of truth for tenant -> tier assignments and for
// the versioned per-tier limit tables. The cache layers an in-process LRU
// over a shared Redis keyspace so that invalidations performed by one
// instance are visible to every admission controller before new traffic for
// that tenant is observed.
package tier
