// Package api exposes the orchestrator's control plane and data plane over
// HTTP. Tenant and tier management, lease admission, and operation execution
// all go through here; tier claims sent by clients are never trusted, the
// server resolves the tier itself on every request.
package api
