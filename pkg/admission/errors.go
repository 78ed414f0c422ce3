package admission

import (
	"fmt"
	"time"
)

// Rejection reasons attached to errors, metrics and limit events.
const (
	ReasonConnections = "connections"
	ReasonRate        = "rate"
	ReasonQueueFull   = "queue_full"
)

// DeniedError is returned when a tenant is at a hard limit and the request
// cannot wait. RetryAfter tells the client when trying again may succeed.
type DeniedError struct {
	TenantID   string
	Reason     string
	Limit      int
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied for tenant %s: %s limit %d reached (retry after %s)",
		e.TenantID, e.Reason, e.Limit, e.RetryAfter)
}

// IsDenied checks if an error is an admission denial.
func IsDenied(err error) bool {
	_, ok := err.(*DeniedError)
	return ok
}

// QueueTimeoutError is returned when a queued connection waited the full
// queue wait without a slot opening.
type QueueTimeoutError struct {
	TenantID string
	Waited   time.Duration
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("tenant %s timed out after %s in the admission queue", e.TenantID, e.Waited)
}

// IsQueueTimeout checks if an error is an admission queue timeout.
func IsQueueTimeout(err error) bool {
	_, ok := err.(*QueueTimeoutError)
	return ok
}

// ErrLeaseNotFound is returned for operations on unknown or already released
// leases.
type ErrLeaseNotFound struct {
	LeaseID string
}

func (e *ErrLeaseNotFound) Error() string {
	return fmt.Sprintf("lease %s not found", e.LeaseID)
}

// IsLeaseNotFound checks if an error is a missing-lease error.
func IsLeaseNotFound(err error) bool {
	_, ok := err.(*ErrLeaseNotFound)
	return ok
}
