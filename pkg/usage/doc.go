// Package usage estimates per-tenant resource consumption without per-query
// metering. Operations produce samples scored by duration, complexity and
// parallelism; a non-blocking recorder batches them to storage, and periodic
// calibration against measured store usage keeps the estimates honest.
package usage
