/*
dto.go - Request and response bodies of the HTTP API

PURPOSE:
  Defines the JSON structures for API communication. Domain types that are
  already the public contract (CalcTask, CostIndex, IndexVersion, Snapshot)
  are returned as they are; request bodies get their own types so they can
  carry validation tags.

NAMING CONVENTION:
  - *Request:  Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Request bodies are checked with go-playground/validator struct tags in
  decodeAndValidate. Rules that span services (a version must exist, a
  scope needs an id) are left to the services.

SEE ALSO:
  - handlers.go: decodeAndValidate, writeError
*/
package api

import (
	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// FACTS AND CALC TASKS
// =============================================================================

// FactDTO is one tagged unit cost fact.
type FactDTO struct {
	UnitID         string  `json:"unit_id" validate:"required"`
	TagCode        string  `json:"tag_code" validate:"required"`
	Space          string  `json:"space" validate:"required"`
	Profession     string  `json:"profession" validate:"required"`
	ScaleRangeCode string  `json:"scale_range_code"`
	RegionCode     string  `json:"region_code"`
	PriceBaseDate  string  `json:"price_base_date" validate:"required"`
	TotalCost      float64 `json:"total_cost"`
	UnitCost       float64 `json:"unit_cost"`
	Area           float64 `json:"area"`
	Confidence     float64 `json:"confidence" validate:"gte=0,lte=1"`
}

func (f FactDTO) toFact() index.UnitCostFact {
	return index.UnitCostFact{
		UnitID:         f.UnitID,
		TagCode:        f.TagCode,
		Space:          f.Space,
		Profession:     f.Profession,
		ScaleRangeCode: f.ScaleRangeCode,
		RegionCode:     f.RegionCode,
		PriceBaseDate:  f.PriceBaseDate,
		TotalCost:      f.TotalCost,
		UnitCost:       f.UnitCost,
		Area:           f.Area,
		Confidence:     f.Confidence,
	}
}

// IngestFactsRequest appends facts.
type IngestFactsRequest struct {
	Facts []FactDTO `json:"facts" validate:"required,min=1,dive"`
}

// IngestFactsResponse reports how many facts were new.
type IngestFactsResponse struct {
	Received int `json:"received"`
	Inserted int `json:"inserted"`
}

// CalculateRequest starts a CalcTask.
type CalculateRequest struct {
	Name                string  `json:"name"`
	Type                string  `json:"type" validate:"omitempty,oneof=full incremental"`
	Scope               string  `json:"scope"`
	PriceBaseDate       string  `json:"price_base_date" validate:"required"`
	OutlierMethod       string  `json:"outlier_method" validate:"omitempty,oneof=iqr zscore mad"`
	OutlierThreshold    float64 `json:"outlier_threshold" validate:"gte=0"`
	MinSampleCount      int     `json:"min_sample_count" validate:"gte=0"`
	RecommendedQuantile string  `json:"recommended_quantile" validate:"omitempty,oneof=P25 P50 P75"`
	Rollup              bool    `json:"rollup"`
}

// =============================================================================
// VERSIONS
// =============================================================================

// CreateVersionRequest builds a draft version from a completed task.
type CreateVersionRequest struct {
	TaskID        string `json:"task_id" validate:"required"`
	Name          string `json:"name"`
	BaseVersionID string `json:"base_version_id"`
}

// ActorRequest names who performs a transition.
type ActorRequest struct {
	Actor string `json:"actor"`
}

// RejectRequest sends a version back to draft.
type RejectRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason" validate:"required"`
}

// PublishRequest publishes an approved version.
type PublishRequest struct {
	Strategy    string `json:"strategy" validate:"omitempty,oneof=GLOBAL ORG USER"`
	ScopeID     string `json:"scope_id" validate:"required_if=Strategy ORG,required_if=Strategy USER"`
	PublishedBy string `json:"published_by"`
}

// AddReviewItemRequest records a reviewer finding.
type AddReviewItemRequest struct {
	IndexID  string `json:"index_id"`
	Severity string `json:"severity" validate:"omitempty,oneof=blocking warning"`
	Message  string `json:"message" validate:"required"`
}

// =============================================================================
// ESTIMATION
// =============================================================================

// RecommendRequest asks for candidate indexes of a target tuple.
type RecommendRequest struct {
	IndexVersionID string `json:"index_version_id"`
	TagCode        string `json:"tag_code" validate:"required"`
	Space          string `json:"space"`
	Profession     string `json:"profession"`
	ScaleRangeCode string `json:"scale_range_code"`
	RegionCode     string `json:"region_code"`
	MaxCount       int    `json:"max_count" validate:"gte=0,lte=50"`
}

// EstimationCalcRequest runs a quick estimation. Without a scenario id the
// inputs are required and a scenario is created on the fly.
type EstimationCalcRequest struct {
	ScenarioID     string                 `json:"scenario_id"`
	Name           string                 `json:"name"`
	IndexVersionID string                 `json:"index_version_id"`
	Quantile       string                 `json:"quantile" validate:"omitempty,oneof=P25 P50 P75"`
	Inputs         []estimation.UnitInput `json:"inputs" validate:"required_without=ScenarioID"`
	FailOnGap      bool                   `json:"fail_on_gap"`
}

// CreateScenarioRequest binds a new scenario to a published version.
type CreateScenarioRequest struct {
	Name           string                 `json:"name" validate:"required"`
	IndexVersionID string                 `json:"index_version_id"`
	Quantile       string                 `json:"quantile" validate:"omitempty,oneof=P25 P50 P75"`
	Inputs         []estimation.UnitInput `json:"inputs"`
}

// UpgradeScenarioRequest moves a scenario onto another version.
type UpgradeScenarioRequest struct {
	IndexVersionID string `json:"index_version_id"`
	Name           string `json:"name"`
}

// =============================================================================
// DEMO DATASETS
// =============================================================================

// DatasetDTO describes a loadable demo dataset.
type DatasetDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Facts       int    `json:"facts"`
}

// LoadDatasetRequest loads a demo dataset.
type LoadDatasetRequest struct {
	DatasetID     string `json:"dataset_id" validate:"required"`
	PriceBaseDate string `json:"price_base_date"`
}
