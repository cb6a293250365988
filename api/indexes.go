package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/cost-index-engine/calc"
	"github.com/warp/cost-index-engine/index"
)

// =============================================================================
// FACT ENDPOINTS
// =============================================================================

// IngestFacts appends tagged unit cost facts. Known facts are ignored.
// POST /api/facts
func (h *Handler) IngestFacts(w http.ResponseWriter, r *http.Request) {
	var req IngestFactsRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	facts := make([]index.UnitCostFact, len(req.Facts))
	for i, f := range req.Facts {
		facts[i] = f.toFact()
	}
	n, err := h.Facts.AppendFacts(r.Context(), facts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, IngestFactsResponse{Received: len(facts), Inserted: n})
}

// =============================================================================
// CALC TASK ENDPOINTS
// =============================================================================

// Calculate submits a CalcTask. The task runs in the background.
// POST /api/indexes/calculate
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	task, err := h.Runner.Submit(r.Context(), calc.SubmitRequest{
		Name:                req.Name,
		Type:                index.TaskType(req.Type),
		Scope:               req.Scope,
		PriceBaseDate:       req.PriceBaseDate,
		OutlierMethod:       index.OutlierMethod(req.OutlierMethod),
		OutlierThreshold:    req.OutlierThreshold,
		MinSampleCount:      req.MinSampleCount,
		RecommendedQuantile: index.Quantile(req.RecommendedQuantile),
		Rollup:              req.Rollup,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// ListTasks returns tasks newest first.
// GET /api/indexes/calc/tasks?status=
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Runner.List(r.Context(), index.TaskStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []index.CalcTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask returns a task with its progress counters.
// GET /api/indexes/calc/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Runner.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// CancelTask stops an active task.
// POST /api/indexes/calc/tasks/{id}/cancel
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Runner.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// =============================================================================
// INDEX ENDPOINTS
// =============================================================================

// QueryIndexes returns one page of current indexes.
// GET /api/indexes?tagCode&space&profession&scaleRangeCode&regionCode&priceBaseDate&status&qualityLevel&page&pageSize
func (h *Handler) QueryIndexes(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	size, err := queryInt(r, "pageSize", index.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	q := r.URL.Query()
	result, err := h.Catalog.Query(r.Context(), index.IndexFilter{
		TagCode:        q.Get("tagCode"),
		Space:          q.Get("space"),
		Profession:     q.Get("profession"),
		ScaleRangeCode: q.Get("scaleRangeCode"),
		RegionCode:     q.Get("regionCode"),
		PriceBaseDate:  q.Get("priceBaseDate"),
		Status:         index.IndexStatus(q.Get("status")),
		QualityLevel:   index.QualityLevel(q.Get("qualityLevel")),
		VersionID:      q.Get("versionId"),
		Page:           page,
		PageSize:       size,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetIndex returns one index.
// GET /api/indexes/{id}
func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	idx, err := h.Catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

// GetSamples returns the facts behind an index, excluded ones included.
// GET /api/indexes/{id}/samples
func (h *Handler) GetSamples(w http.ResponseWriter, r *http.Request) {
	samples, err := h.Catalog.Samples(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if samples == nil {
		samples = []index.IndexSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}
