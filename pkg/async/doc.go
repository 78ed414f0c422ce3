// Package async provides context-aware goroutine helpers: fire-and-forget
// tasks with panic recovery and a bounded worker pool. Used for the work the
// hot path must never wait on — usage sample flushing, limit notifications,
// background snapshot uploads.
package async
