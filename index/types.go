/*
Package index provides the cost index engine: facts in, statistics out.

PURPOSE:
  Turns already-tagged per-building unit cost facts into robust cost indexes.
  One CostIndex summarises the unit costs observed for a dimension tuple
  (tag, space, profession, scale range, region, price base date) after
  outlier exclusion, together with an audit trail of every contributing
  sample.

KEY CONCEPTS IN THIS FILE (types.go):
  - UnitCostFact: One tagged unit cost row delivered by the fact store
  - Dimensions:   The tuple an index is keyed by
  - CalcTask:     One aggregation run and its progress counters
  - CostIndex:    The statistical result for a tuple
  - IndexSample:  One contributing fact, flagged when excluded as an outlier

DESIGN PRINCIPLES:
  1. Immutability: a CostIndex is never edited; a recompute supersedes it
  2. Auditability: every fact that fed an index is kept as an IndexSample
  3. Visibility: indexes of a task become queryable only once it completes

SEE ALSO:
  - outlier.go: Outlier filters
  - stats.go: Descriptive statistics
  - aggregator.go: Grouping and index emission
  - catalog.go: Query surface over stored indexes
*/
package index

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// FACTS - External input, already tagged upstream
// =============================================================================

// UnitCostFact is one unit cost observation for a building unit.
type UnitCostFact struct {
	UnitID         string  `json:"unit_id"`
	TagCode        string  `json:"tag_code"`
	Space          string  `json:"space"`
	Profession     string  `json:"profession"`
	ScaleRangeCode string  `json:"scale_range_code,omitempty"`
	RegionCode     string  `json:"region_code,omitempty"`
	PriceBaseDate  string  `json:"price_base_date"`
	TotalCost      float64 `json:"total_cost"`
	UnitCost       float64 `json:"unit_cost"`
	Area           float64 `json:"area"`
	Confidence     float64 `json:"confidence"`
}

// Dimensions returns the full dimension tuple the fact belongs to.
func (f UnitCostFact) Dimensions() Dimensions {
	return Dimensions{
		TagCode:        f.TagCode,
		Space:          f.Space,
		Profession:     f.Profession,
		ScaleRangeCode: f.ScaleRangeCode,
		RegionCode:     f.RegionCode,
		PriceBaseDate:  f.PriceBaseDate,
	}
}

// =============================================================================
// DIMENSIONS
// =============================================================================

// Dimensions is the tuple a CostIndex is keyed by. Empty ScaleRangeCode or
// RegionCode means the index is not segmented on that dimension.
type Dimensions struct {
	TagCode        string `json:"tag_code"`
	Space          string `json:"space"`
	Profession     string `json:"profession"`
	ScaleRangeCode string `json:"scale_range_code,omitempty"`
	RegionCode     string `json:"region_code,omitempty"`
	PriceBaseDate  string `json:"price_base_date"`
}

// Key returns a stable string key for the tuple.
func (d Dimensions) Key() string {
	return strings.Join([]string{
		d.TagCode, d.Space, d.Profession, d.ScaleRangeCode, d.RegionCode, d.PriceBaseDate,
	}, "|")
}

// WithoutRegion returns the tuple with the region dimension dropped.
func (d Dimensions) WithoutRegion() Dimensions {
	d.RegionCode = ""
	return d
}

// WithoutScale returns the tuple with the scale range dimension dropped.
func (d Dimensions) WithoutScale() Dimensions {
	d.ScaleRangeCode = ""
	return d
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%s/%s/%s scale=%q region=%q @%s",
		d.TagCode, d.Space, d.Profession, d.ScaleRangeCode, d.RegionCode, d.PriceBaseDate)
}

// =============================================================================
// QUANTILES
// =============================================================================

// Quantile selects a percentile of an index's sample distribution.
type Quantile string

const (
	P25 Quantile = "P25"
	P50 Quantile = "P50"
	P75 Quantile = "P75"
)

// Quantiles lists the quantiles published for every index, in order.
var Quantiles = []Quantile{P25, P50, P75}

// Valid reports whether q is one of the supported quantiles.
func (q Quantile) Valid() bool {
	return q == P25 || q == P50 || q == P75
}

// =============================================================================
// CALC TASK
// =============================================================================

type TaskType string

const (
	TaskFull        TaskType = "full"
	TaskIncremental TaskType = "incremental"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// DefaultScope is used when a task does not name a scope.
const DefaultScope = "GLOBAL"

// CancelReasonUser marks a task that was cancelled on request.
const CancelReasonUser = "cancelled"

// CalcTask is one aggregation run. It is created by a user action and then
// mutated only by the runner; completed and failed are terminal.
type CalcTask struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Type                TaskType      `json:"type"`
	Scope               string        `json:"scope"`
	Status              TaskStatus    `json:"status"`
	PriceBaseDate       string        `json:"price_base_date"`
	OutlierMethod       OutlierMethod `json:"outlier_method"`
	OutlierThreshold    float64       `json:"outlier_threshold,omitempty"`
	MinSampleCount      int           `json:"min_sample_count"`
	RecommendedQuantile Quantile      `json:"recommended_quantile,omitempty"`
	Rollup              bool          `json:"rollup"`

	TotalCombinations int `json:"total_combinations"`
	GeneratedCount    int `json:"generated_count"`
	SkippedCount      int `json:"skipped_count"`
	FailedCount       int `json:"failed_count"`
	UnchangedCount    int `json:"unchanged_count"`

	Warnings     []string   `json:"warnings,omitempty"`
	Error        string     `json:"error,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	VersionID    string     `json:"version_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// LockKey identifies the (price base date, scope) pair a task holds while active.
func (t CalcTask) LockKey() string {
	scope := t.Scope
	if scope == "" {
		scope = DefaultScope
	}
	return t.PriceBaseDate + "#" + scope
}

// Progress returns the share of combinations already processed, in [0,1].
func (t CalcTask) Progress() float64 {
	if t.TotalCombinations == 0 {
		if t.Status == TaskCompleted {
			return 1
		}
		return 0
	}
	done := t.GeneratedCount + t.SkippedCount + t.FailedCount + t.UnchangedCount
	return float64(done) / float64(t.TotalCombinations)
}

// =============================================================================
// COST INDEX
// =============================================================================

type QualityLevel string

const (
	QualityA QualityLevel = "A"
	QualityB QualityLevel = "B"
	QualityC QualityLevel = "C"
	QualityD QualityLevel = "D"
)

type IndexStatus string

const (
	IndexDraft     IndexStatus = "draft"
	IndexPublished IndexStatus = "published"
	IndexArchived  IndexStatus = "archived"
)

// CostIndex is the statistical result for one dimension tuple.
type CostIndex struct {
	ID string `json:"id"`
	Dimensions

	SampleCount      int          `json:"sample_count"`
	Mean             float64      `json:"mean"`
	Median           float64      `json:"median"`
	StdDev           float64      `json:"std_dev"`
	Min              float64      `json:"min"`
	Max              float64      `json:"max"`
	OutlierCount     int          `json:"outlier_count"`
	OutlierRatio     float64      `json:"outlier_ratio"`
	P25              float64      `json:"p25"`
	P50              float64      `json:"p50"`
	P75              float64      `json:"p75"`
	RecommendedValue float64      `json:"recommended_value"`
	QualityLevel     QualityLevel `json:"quality_level"`
	QualityScore     float64      `json:"quality_score"`
	Status           IndexStatus  `json:"status"`

	CalcTaskID   string    `json:"calc_task_id"`
	VersionID    string    `json:"version_id,omitempty"`
	SampleDigest string    `json:"sample_digest"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// QuantileValue returns the percentile field matching q.
func (c CostIndex) QuantileValue(q Quantile) float64 {
	switch q {
	case P25:
		return c.P25
	case P75:
		return c.P75
	default:
		return c.P50
	}
}

// IndexSample is one contributing fact of an index.
type IndexSample struct {
	IndexID       string  `json:"index_id"`
	UnitID        string  `json:"unit_id"`
	Value         float64 `json:"value"`
	IsOutlier     bool    `json:"is_outlier"`
	OutlierReason string  `json:"outlier_reason,omitempty"`
	Weight        float64 `json:"weight,omitempty"`
}
