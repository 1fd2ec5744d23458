package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyfetch/weathergate/internal/breaker"
	"github.com/skyfetch/weathergate/internal/gateway"
	"github.com/skyfetch/weathergate/internal/metrics"
	"github.com/skyfetch/weathergate/internal/upstream"
)

const serviceName = "weathergate"

// Handlers holds the dependencies of the HTTP endpoints.
type Handlers struct {
	gw      *gateway.Orchestrator
	reg     *metrics.Registry
	brk     *breaker.Breaker
	version string
}

// NewHandlers wires the endpoints to the resilience core.
func NewHandlers(gw *gateway.Orchestrator, reg *metrics.Registry, brk *breaker.Breaker, version string) *Handlers {
	return &Handlers{gw: gw, reg: reg, brk: brk, version: version}
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorType string `json:"error_type,omitempty"`
}

// Weather handles GET /weather?city=.
func (h *Handlers) Weather(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")

	res, err := h.gw.Lookup(r.Context(), city)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   serviceName,
	})
}

// metricsResponse is the registry snapshot plus the breaker's stats block.
type metricsResponse struct {
	metrics.Snapshot
	CircuitBreaker breaker.Stats `json:"circuit_breaker"`
}

// Metrics handles GET /metrics (JSON; Prometheus exposition lives at
// /metrics/prometheus).
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metricsResponse{
		Snapshot:       h.reg.Snapshot(),
		CircuitBreaker: h.brk.Stats(),
	})
}

// Root handles GET /.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": h.version,
		"endpoints": map[string]string{
			"weather":    "/weather?city={name}",
			"health":     "/health",
			"metrics":    "/metrics",
			"prometheus": "/metrics/prometheus",
		},
	})
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, ErrorResponse{Detail: "Not found"})
}

// writeError maps gateway errors to the HTTP surface.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gateway.ErrEmptyCity):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Detail: "City parameter is required",
		})
	case errors.Is(err, breaker.ErrOpen):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Detail:    "Service temporarily unavailable. Please try again later.",
			ErrorType: "circuit_breaker_open",
		})
	default:
		var ue *upstream.Error
		if errors.As(err, &ue) {
			writeJSON(w, ue.Kind.HTTPStatus(), ErrorResponse{
				Detail:    ue.Message,
				ErrorType: ue.Kind.String(),
			})
			return
		}
		log.Error().
			Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("Unhandled error")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Detail: "Internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
