package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
)

// =============================================================================
// ESTIMATION ENDPOINTS
// =============================================================================

// Recommend returns candidate indexes for a target tuple.
// POST /api/estimation/recommend
func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request) {
	var req RecommendRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	recs, err := h.Estimation.Recommend(r.Context(), req.IndexVersionID, estimation.Target{
		TagCode:        req.TagCode,
		Space:          req.Space,
		Profession:     req.Profession,
		ScaleRangeCode: req.ScaleRangeCode,
		RegionCode:     req.RegionCode,
	}, req.MaxCount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []estimation.Recommendation{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// QuickCalc runs a calculation and returns the stored snapshot.
// POST /api/estimation/calc
func (h *Handler) QuickCalc(w http.ResponseWriter, r *http.Request) {
	var req EstimationCalcRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	snap, err := h.Estimation.Calculate(r.Context(), estimation.CalcRequest{
		ScenarioID:     req.ScenarioID,
		Name:           req.Name,
		IndexVersionID: req.IndexVersionID,
		Quantile:       index.Quantile(req.Quantile),
		Inputs:         req.Inputs,
		FailOnGap:      req.FailOnGap,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// =============================================================================
// SCENARIO ENDPOINTS
// =============================================================================

// CreateScenario binds a new scenario to a published version.
// POST /api/estimation/scenarios
func (h *Handler) CreateScenario(w http.ResponseWriter, r *http.Request) {
	var req CreateScenarioRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	sc, err := h.Estimation.CreateScenario(r.Context(), estimation.CreateScenarioRequest{
		Name:           req.Name,
		IndexVersionID: req.IndexVersionID,
		Quantile:       index.Quantile(req.Quantile),
		Inputs:         req.Inputs,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

// GetScenario returns a scenario.
// GET /api/estimation/scenarios/{id}
func (h *Handler) GetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := h.Estimation.GetScenario(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// UpgradeScenario copies a scenario onto another published version.
// POST /api/estimation/scenarios/{id}/upgrade
func (h *Handler) UpgradeScenario(w http.ResponseWriter, r *http.Request) {
	var req UpgradeScenarioRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	sc, err := h.Estimation.Upgrade(r.Context(), chi.URLParam(r, "id"), estimation.UpgradeRequest{
		IndexVersionID: req.IndexVersionID,
		Name:           req.Name,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

// ListSnapshots returns the snapshots of a scenario, oldest first.
// GET /api/estimation/scenarios/{id}/snapshots
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Estimation.Snapshots(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []estimation.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// GetSnapshot returns one snapshot.
// GET /api/estimation/snapshots/{id}
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Estimation.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
