/*
handlers.go - HTTP handler context and shared helpers

PURPOSE:
  Exposes the cost index engine via REST API. Handlers parse and validate
  the request, call one service and serialize the result. They hold no
  domain logic.

ARCHITECTURE:
  Handler holds every service:
  - Facts:      Fact ingest boundary
  - Runner:     Asynchronous CalcTask execution
  - Catalog:    Index queries
  - Pipeline:   Version lifecycle and publication
  - Estimation: Scenarios, calculations and snapshots

ERROR HANDLING:
  Service errors are mapped in one place (writeServiceError):
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Version conflict, task conflict, invalid transition
  - 422: No index found in fail-on-gap mode
  - 423: Locked scenario (code freeze_violation)
  - 503: Calc queue full
  - 500: Internal errors
  Every error body is {error, code, details}.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - indexes.go, versions.go, estimation.go: Handlers by area
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/cost-index-engine/calc"
	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 8 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Facts      index.FactStore
	Runner     *calc.Runner
	Catalog    *index.Catalog
	Pipeline   *publish.Pipeline
	Estimation *estimation.Service
	Health     Pinger
	Logger     *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a handler. health may be nil.
func NewHandler(facts index.FactStore, runner *calc.Runner, catalog *index.Catalog,
	pipeline *publish.Pipeline, est *estimation.Service, health Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Facts:      facts,
		Runner:     runner,
		Catalog:    catalog,
		Pipeline:   pipeline,
		Estimation: est,
		Health:     health,
		Logger:     logger,
		validate:   validator.New(),
	}
}

// Healthz reports liveness and store reachability.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "store unreachable", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

// decodeAndValidate reads a JSON body into dst and checks its tags. It
// writes the 400 response itself and reports false on failure.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			writeError(w, http.StatusBadRequest, "validation_failed", "Request validation failed", fields)
			return false
		}
		writeError(w, http.StatusBadRequest, "validation_failed", "Request validation failed", err.Error())
		return false
	}
	return true
}

// decodeOptional is decodeAndValidate for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return h.decodeAndValidate(w, r, dst)
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", name, raw)
	}
	return n, nil
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// errorMapping ties a sentinel to its HTTP status and code. First match wins.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{estimation.ErrFreezeViolation, http.StatusLocked, "freeze_violation"},
	{estimation.ErrFallbackExhausted, http.StatusUnprocessableEntity, "fallback_exhausted"},
	{index.ErrNotFound, http.StatusNotFound, "not_found"},
	{publish.ErrVersionConflict, http.StatusConflict, "version_conflict"},
	{index.ErrTaskConflict, http.StatusConflict, "task_conflict"},
	{index.ErrTaskNotActive, http.StatusConflict, "task_not_active"},
	{publish.ErrPrecheckFailed, http.StatusConflict, "precheck_failed"},
	{publish.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{publish.ErrEmptyVersion, http.StatusConflict, "empty_version"},
	{publish.ErrBlockingReviewItems, http.StatusConflict, "blocking_review_items"},
	{publish.ErrTaskNotCompleted, http.StatusConflict, "task_not_completed"},
	{index.ErrQueueFull, http.StatusServiceUnavailable, "queue_full"},
	{index.ErrInvalidParams, http.StatusBadRequest, "invalid_request"},
	{estimation.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{estimation.ErrUnknownTag, http.StatusBadRequest, "unknown_tag"},
	{estimation.ErrVersionNotPublished, http.StatusBadRequest, "version_not_published"},
	{estimation.ErrNoPublishedVersion, http.StatusBadRequest, "no_published_version"},
}

// writeServiceError maps a service error to a response.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMapping {
		if !errors.Is(err, m.err) {
			continue
		}
		writeError(w, m.status, m.code, err.Error(), errorDetails(err))
		return
	}
	h.Logger.Error("request failed",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal", "Internal error", nil)
}

// errorDetails extracts the structured payload of known error types.
func errorDetails(err error) any {
	var pre *publish.PrecheckError
	if errors.As(err, &pre) {
		return pre.Precheck
	}
	var gap *estimation.FallbackExhaustedError
	if errors.As(err, &gap) {
		return map[string]any{"target": gap.Target, "fallback_path": gap.Path}
	}
	var freeze *estimation.FreezeViolationError
	if errors.As(err, &freeze) {
		return map[string]string{"scenario_id": freeze.ScenarioID, "reason": freeze.Reason}
	}
	var tr *publish.TransitionError
	if errors.As(err, &tr) {
		return map[string]string{"version_id": tr.VersionID, "from": string(tr.From), "to": string(tr.To)}
	}
	return nil
}
