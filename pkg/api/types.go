package api

import (
	"time"

	"github.com/platinummonkey/strata/pkg/store"
)

// CreateTenantRequest is the body for POST /v1/tenants.
type CreateTenantRequest struct {
	ID    string `json:"id"`
	Level string `json:"level"`
}

// SetTierRequest is the body for PUT /v1/tenants/{id}/tier.
type SetTierRequest struct {
	Level string `json:"level"`
}

// LeaseResponse is returned when a connection lease is granted.
type LeaseResponse struct {
	LeaseID      string `json:"lease_id"`
	TenantID     string `json:"tenant_id"`
	Level        string `json:"level"`
	TableVersion string `json:"table_version"`
	Degraded     bool   `json:"degraded"`
}

// ExecuteRequest is the body for POST /v1/leases/{id}/execute.
type ExecuteRequest struct {
	Store          string                 `json:"store"`
	Command        string                 `json:"command"`
	Params         map[string]interface{} `json:"params,omitempty"`
	ComplexityHint float64                `json:"complexity_hint,omitempty"`
}

// ExecuteResponse carries the result of one store operation.
type ExecuteResponse struct {
	Data     interface{}   `json:"data"`
	Rows     int           `json:"rows"`
	Duration time.Duration `json:"duration_ns"`
}

func executeResponse(res *store.Result) *ExecuteResponse {
	return &ExecuteResponse{Data: res.Data, Rows: res.Rows, Duration: res.Duration}
}
