// Package snapshot stores tenant working-set snapshots across a hot in-memory
// tier and a cold object-storage tier. Warm-ups read hot first so recently
// drained tenants come back fast; the cold tier survives process restarts.
package snapshot
