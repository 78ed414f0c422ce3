// Package notify fans limit events out to subscribers (logs, webhooks)
// asynchronously. The hot path only enqueues; delivery, retries and failures
// never block admission or execution.
package notify
