package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
)

// =============================================================================
// VERSION ENDPOINTS
// =============================================================================

// ListVersions returns versions newest first.
// GET /api/index-versions?status=
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Pipeline.List(r.Context(), publish.VersionStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if versions == nil {
		versions = []publish.IndexVersion{}
	}
	writeJSON(w, http.StatusOK, versions)
}

// CreateVersion bundles a completed task into a draft version.
// POST /api/index-versions
func (h *Handler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var req CreateVersionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	v, err := h.Pipeline.CreateFromTask(r.Context(), publish.CreateRequest{
		TaskID:        req.TaskID,
		Name:          req.Name,
		BaseVersionID: req.BaseVersionID,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// GetVersion returns a version.
// GET /api/index-versions/{id}
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.Pipeline.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// SubmitVersion moves a draft into review.
// POST /api/index-versions/{id}/submit
func (h *Handler) SubmitVersion(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	v, err := h.Pipeline.Submit(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ApproveVersion approves a version under review.
// POST /api/index-versions/{id}/approve
func (h *Handler) ApproveVersion(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	v, err := h.Pipeline.Approve(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// RejectVersion sends a version back to draft.
// POST /api/index-versions/{id}/reject
func (h *Handler) RejectVersion(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	v, err := h.Pipeline.Reject(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ArchiveVersion retires a version.
// POST /api/index-versions/{id}/archive
func (h *Handler) ArchiveVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.Pipeline.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// VersionIndexes lists the indexes bundled in a version.
// GET /api/index-versions/{id}/indexes
func (h *Handler) VersionIndexes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Pipeline.Get(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	items, err := h.Pipeline.Indexes(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []index.CostIndex{}
	}
	writeJSON(w, http.StatusOK, items)
}

// =============================================================================
// PUBLISH ENDPOINTS
// =============================================================================

// Precheck reports whether a version may be published.
// GET /api/index-versions/{id}/publish/precheck
func (h *Handler) Precheck(w http.ResponseWriter, r *http.Request) {
	check, err := h.Pipeline.Precheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// Impact compares a version with the current GLOBAL version.
// GET /api/index-versions/{id}/publish/impact
func (h *Handler) Impact(w http.ResponseWriter, r *http.Request) {
	impact, err := h.Pipeline.Impact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, impact)
}

// Publish publishes an approved version.
// POST /api/index-versions/{id}/publish
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	v, err := h.Pipeline.Publish(r.Context(), chi.URLParam(r, "id"), publish.PublishRequest{
		Strategy:    publish.Scope(req.Strategy),
		ScopeID:     req.ScopeID,
		PublishedBy: req.PublishedBy,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// PointerHistory returns the pointer log of a scope, newest first.
// GET /api/version-pointers?scope&scopeId
func (h *Handler) PointerHistory(w http.ResponseWriter, r *http.Request) {
	scope := publish.Scope(r.URL.Query().Get("scope"))
	if scope != "" && !scope.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown scope "+string(scope), nil)
		return
	}
	history, err := h.Pipeline.PointerHistory(r.Context(), scope, r.URL.Query().Get("scopeId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []publish.VersionPointer{}
	}
	writeJSON(w, http.StatusOK, history)
}

// =============================================================================
// REVIEW ITEM ENDPOINTS
// =============================================================================

// AddReviewItem records a reviewer finding on a version.
// POST /api/index-versions/{id}/review-items
func (h *Handler) AddReviewItem(w http.ResponseWriter, r *http.Request) {
	var req AddReviewItemRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	item, err := h.Pipeline.AddReviewItem(r.Context(), publish.ReviewItem{
		VersionID: chi.URLParam(r, "id"),
		IndexID:   req.IndexID,
		Severity:  publish.Severity(req.Severity),
		Message:   req.Message,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ListReviewItems lists the findings on a version.
// GET /api/index-versions/{id}/review-items
func (h *Handler) ListReviewItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Pipeline.ReviewItems(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []publish.ReviewItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ResolveReviewItem marks a finding resolved.
// POST /api/review-items/{id}/resolve
func (h *Handler) ResolveReviewItem(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	item, err := h.Pipeline.ResolveReviewItem(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
