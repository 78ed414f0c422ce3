package lifecycle

import (
	"fmt"
)

// State is a tenant's lifecycle state.
type State string

const (
	StateDormant   State = "dormant"
	StateWarming   State = "warming"
	StateActive    State = "active"
	StateThrottled State = "throttled"
	StateDraining  State = "draining"
)

// AllStates lists every lifecycle state, for gauges that need the full set.
var AllStates = []string{
	string(StateDormant),
	string(StateWarming),
	string(StateActive),
	string(StateThrottled),
	string(StateDraining),
}

// WarmupFailedError is returned when a warm-up exhausted its retry budget.
// The tenant is back in Dormant and the next arrival retries from scratch.
type WarmupFailedError struct {
	TenantID string
	Attempts int
	Err      error
}

func (e *WarmupFailedError) Error() string {
	return fmt.Sprintf("warm-up for tenant %s failed after %d attempts: %v", e.TenantID, e.Attempts, e.Err)
}

func (e *WarmupFailedError) Unwrap() error {
	return e.Err
}

// IsWarmupFailed checks if an error is a warm-up failure.
func IsWarmupFailed(err error) bool {
	_, ok := err.(*WarmupFailedError)
	return ok
}
