package service

import (
	"net/http"
	"time"

	"github.com/R3E-Network/agentcore/infrastructure/httputil"
)

// =============================================================================
// Standard Response Types
// =============================================================================

// HealthResponse is the standard response for the /health endpoint.
type HealthResponse struct {
	Status    string         `json:"status"`
	Component string         `json:"component"`
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// InfoResponse is the standard response for the /info endpoint.
type InfoResponse struct {
	Status     string         `json:"status"`
	Component  string         `json:"component"`
	Version    string         `json:"version"`
	Timestamp  string         `json:"timestamp"`
	Statistics map[string]any `json:"statistics,omitempty"`
}

// =============================================================================
// Standard Handlers
// =============================================================================

// HealthHandler returns a standardized /health handler for BaseService.
func HealthHandler(s *BaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.HealthStatus()
		var details map[string]any
		if status != "healthy" {
			details = s.HealthDetails()
		}

		resp := HealthResponse{
			Status:    status,
			Component: s.Name(),
			Version:   s.Version(),
			Timestamp: time.Now().Format(time.RFC3339),
			Details:   details,
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// ReadinessHandler returns a readiness probe handler suitable for k8s-style orchestrators.
func ReadinessHandler(s *BaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.HealthStatus()
		var details map[string]any
		if status != "healthy" {
			details = s.HealthDetails()
		}

		resp := HealthResponse{
			Status:    status,
			Component: s.Name(),
			Version:   s.Version(),
			Timestamp: time.Now().Format(time.RFC3339),
			Details:   details,
		}

		code := http.StatusOK
		if status != "healthy" {
			code = http.StatusServiceUnavailable
		}

		httputil.WriteJSON(w, code, resp)
	}
}

// InfoHandler returns a standardized /info handler for BaseService.
// It includes statistics from the registered stats function if available.
func InfoHandler(s *BaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := InfoResponse{
			Status:    "active",
			Component: s.Name(),
			Version:   s.Version(),
			Timestamp: time.Now().Format(time.RFC3339),
		}

		if s.statsFn != nil {
			resp.Statistics = s.statsFn()
		}

		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// =============================================================================
// Route Registration
// =============================================================================

// RouteOptions configures which standard routes to register.
type RouteOptions struct {
	SkipInfo bool // Skip /info registration (for components with a custom /info)
}

func onlyGetOrHead(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next(w, r)
	}
}

// RegisterStandardRoutes registers the standard /health, /ready, and /info
// endpoints on the component's own router.
func (b *BaseService) RegisterStandardRoutes() {
	b.RegisterStandardRoutesWithOptions(RouteOptions{})
}

// RegisterStandardRoutesWithOptions registers standard routes with configurable options.
func (b *BaseService) RegisterStandardRoutesWithOptions(opts RouteOptions) {
	b.RegisterStandardRoutesOnServeMuxWithOptions(b.Router(), opts)
}

// RegisterStandardRoutesOnServeMux registers /health, /ready, and /info on an
// arbitrary http.ServeMux. Used by the introspection surface to compose
// these alongside gin-routed endpoints in the same process.
func (b *BaseService) RegisterStandardRoutesOnServeMux(mux *http.ServeMux) {
	b.RegisterStandardRoutesOnServeMuxWithOptions(mux, RouteOptions{})
}

// RegisterStandardRoutesOnServeMuxWithOptions registers standard routes on an
// http.ServeMux with configurable options.
func (b *BaseService) RegisterStandardRoutesOnServeMuxWithOptions(mux *http.ServeMux, opts RouteOptions) {
	if mux == nil {
		return
	}

	mux.HandleFunc("/health", onlyGetOrHead(HealthHandler(b)))
	mux.HandleFunc("/ready", onlyGetOrHead(ReadinessHandler(b)))
	if !opts.SkipInfo {
		mux.HandleFunc("/info", onlyGetOrHead(InfoHandler(b)))
	}
}
