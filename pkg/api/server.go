package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/httputil"
	"github.com/platinummonkey/strata/pkg/lifecycle"
	"github.com/platinummonkey/strata/pkg/observability"
	"github.com/platinummonkey/strata/pkg/orchestrator"
	"github.com/platinummonkey/strata/pkg/store"
	"github.com/platinummonkey/strata/pkg/tier"
	"github.com/platinummonkey/strata/pkg/transition"
)

// Server represents our API server
type Server struct {
	orch    *orchestrator.Orchestrator
	router  *mux.Router
	health  *observability.HealthChecker
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewServer creates a new API server. health may be nil; the health routes
// are only registered when a checker is provided.
func NewServer(orch *orchestrator.Orchestrator, health *observability.HealthChecker, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		orch:    orch,
		router:  mux.NewRouter(),
		health:  health,
		logger:  logger,
		metrics: metrics,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	// Tenant and tier management
	s.router.HandleFunc("/v1/tenants", s.createTenant).Methods("POST")
	s.router.HandleFunc("/v1/tenants/{id}", s.archiveTenant).Methods("DELETE")
	s.router.HandleFunc("/v1/tenants/{id}/tier", s.getTierStatus).Methods("GET")
	s.router.HandleFunc("/v1/tenants/{id}/tier", s.setTier).Methods("PUT")
	s.router.HandleFunc("/v1/tenants/{id}/usage", s.getUsage).Methods("GET")

	// Data plane: leases and operations
	s.router.HandleFunc("/v1/tenants/{id}/leases", s.openLease).Methods("POST")
	s.router.HandleFunc("/v1/leases/{id}", s.closeLease).Methods("DELETE")
	s.router.HandleFunc("/v1/leases/{id}/execute", s.executeOperation).Methods("POST")

	if s.health != nil {
		s.router.HandleFunc("/healthz", s.health.Liveness).Methods("GET")
		s.router.HandleFunc("/readyz", s.health.Readiness).Methods("GET")
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying mux so extra endpoints (metrics, pprof) can
// be mounted next to the API.
func (s *Server) Router() *mux.Router {
	return s.router
}

// createTenant handles POST /v1/tenants
func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ID == "" {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "tenant id is required")
		return
	}
	level, err := tier.ParseLevel(req.Level)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.orch.CreateTenant(r.Context(), req.ID, level); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	status, err := s.orch.TierStatus(r.Context(), req.ID)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	httputil.WriteCreated(w, status)
}

// archiveTenant handles DELETE /v1/tenants/{id}
func (s *Server) archiveTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	if err := s.orch.ArchiveTenant(r.Context(), tenantID); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// getTierStatus handles GET /v1/tenants/{id}/tier
func (s *Server) getTierStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	status, err := s.orch.TierStatus(r.Context(), tenantID)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	httputil.WriteSuccess(w, status)
}

// setTier handles PUT /v1/tenants/{id}/tier
func (s *Server) setTier(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	var req SetTierRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	level, err := tier.ParseLevel(req.Level)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.orch.SetTier(r.Context(), tenantID, level); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	status, err := s.orch.TierStatus(r.Context(), tenantID)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	httputil.WriteSuccess(w, status)
}

// getUsage handles GET /v1/tenants/{id}/usage?from=...&to=...
func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	now := time.Now()
	from := httputil.ParseQueryTime(r, "from", now.AddDate(0, -1, 0))
	to := httputil.ParseQueryTime(r, "to", now)
	rollups, err := s.orch.Usage(r.Context(), tenantID, from, to)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"tenant_id": tenantID,
		"rollups":   rollups,
	})
}

// openLease handles POST /v1/tenants/{id}/leases. Any tier the client claims
// in the body is ignored; the server resolves the tenant's tier itself.
func (s *Server) openLease(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]
	lease, resolved, err := s.orch.OpenLease(r.Context(), tenantID)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	httputil.WriteCreated(w, &LeaseResponse{
		LeaseID:      lease.ID,
		TenantID:     lease.TenantID,
		Level:        resolved.Level.String(),
		TableVersion: resolved.TableVersion,
		Degraded:     resolved.Degraded,
	})
}

// closeLease handles DELETE /v1/leases/{id}
func (s *Server) closeLease(w http.ResponseWriter, r *http.Request) {
	leaseID := mux.Vars(r)["id"]
	if err := s.orch.CloseLease(r.Context(), leaseID); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// executeOperation handles POST /v1/leases/{id}/execute
func (s *Server) executeOperation(w http.ResponseWriter, r *http.Request) {
	leaseID := mux.Vars(r)["id"]
	var req ExecuteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Command == "" {
		httputil.WriteErrorMessage(w, http.StatusBadRequest, "command is required")
		return
	}
	result, err := s.orch.Execute(r.Context(), leaseID, store.Operation{
		Store:          store.Kind(req.Store),
		Command:        req.Command,
		Params:         req.Params,
		ComplexityHint: req.ComplexityHint,
	})
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	httputil.WriteSuccess(w, executeResponse(result))
}

// writeOrchestratorError maps domain errors to HTTP statuses.
func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	var denied *admission.DeniedError
	if errors.As(err, &denied) {
		httputil.WriteRetryAfter(w, http.StatusTooManyRequests, denied.RetryAfter, err)
		return
	}
	var unavailable *store.ErrUnavailable
	if errors.As(err, &unavailable) {
		httputil.WriteRetryAfter(w, http.StatusServiceUnavailable, unavailable.RetryAfter, err)
		return
	}

	var inProgress *transition.ErrInProgress
	switch {
	case tier.IsTenantNotFound(err), admission.IsLeaseNotFound(err):
		httputil.WriteNotFoundError(w, err.Error())
	case admission.IsQueueTimeout(err), lifecycle.IsWarmupFailed(err):
		httputil.WriteError(w, http.StatusServiceUnavailable, err)
	case transition.IsAborted(err), errors.As(err, &inProgress):
		httputil.WriteError(w, http.StatusConflict, err)
	default:
		s.logger.WithError(err).Error("request failed")
		httputil.WriteInternalError(w, err)
	}
}
