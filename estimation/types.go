/*
Package estimation prices building units against published cost indexes.

PURPOSE:
  For each unit and each (space, profession) line implied by its function
  tag, the calculator finds the best available index in a published
  version, applies an ordered factor chain and multiplies by area. The
  result is written once as an immutable EstimationSnapshot.

KEY CONCEPTS IN THIS FILE (types.go):
  - Scenario:    Named context bound to one index version and quantile
  - UnitInput:   One unit to estimate, with its factors and overrides
  - Factor:      Tagged adjustment (region, quality, structure, custom)
  - ResultRow:   One (space, profession) line of a calculation
  - Snapshot:    The persisted, append-only calculation result

FREEZE:
  A scenario locks on its first calculation. From then on it always
  recomputes with its stored inputs against its bound version, no matter
  what has been published since. Moving to a newer version means creating
  a new scenario through Upgrade.

SEE ALSO:
  - resolver.go: Fallback ladder
  - factors.go: Factor chain
  - calculator.go: Row computation
  - scenario.go: Scenario lifecycle and snapshots
*/
package estimation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cost-index-engine/dictionary"
	"github.com/warp/cost-index-engine/index"
)

// =============================================================================
// SCENARIO
// =============================================================================

// Scenario is a named computation context.
type Scenario struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	IndexVersionID string         `json:"index_version_id"`
	Quantile       index.Quantile `json:"quantile"`
	Inputs         []UnitInput    `json:"inputs,omitempty"`
	IsLocked       bool           `json:"is_locked"`
	LockedAt       *time.Time     `json:"locked_at,omitempty"`
	UpgradedFrom   string         `json:"upgraded_from,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// =============================================================================
// INPUTS
// =============================================================================

// UnitInput is one unit to estimate.
type UnitInput struct {
	UnitID          string             `json:"unit_id"`
	FunctionTag     string             `json:"function_tag"`
	Region          string             `json:"region,omitempty"`
	TotalArea       float64            `json:"total_area"`
	AboveGroundArea *float64           `json:"above_ground_area,omitempty"`
	UndergroundArea *float64           `json:"underground_area,omitempty"`
	FunctionalScale *float64           `json:"functional_scale,omitempty"`
	ScaleRange      string             `json:"scale_range,omitempty"`
	Factors         []Factor           `json:"factors,omitempty"`
	Overrides       []ManualAdjustment `json:"overrides,omitempty"`
}

// AreaFor returns the area a space line is priced on. Above-ground and
// underground lines use their own area when given; everything else uses
// the total area.
func (u UnitInput) AreaFor(space string) float64 {
	switch space {
	case dictionary.SpaceAboveGround:
		if u.AboveGroundArea != nil {
			return *u.AboveGroundArea
		}
	case dictionary.SpaceUnderground:
		if u.UndergroundArea != nil {
			return *u.UndergroundArea
		}
	}
	return u.TotalArea
}

// Override returns the manual adjustment for a line, if any.
func (u UnitInput) Override(space, profession string) *ManualAdjustment {
	for i := range u.Overrides {
		if u.Overrides[i].Space == space && u.Overrides[i].Profession == profession {
			return &u.Overrides[i]
		}
	}
	return nil
}

// Validate checks a unit input for structural errors.
func (u UnitInput) Validate() error {
	if u.UnitID == "" || u.FunctionTag == "" {
		return fmt.Errorf("unit needs an id and a function tag: %w", ErrInvalidInput)
	}
	if u.TotalArea <= 0 {
		return fmt.Errorf("unit %s: total area must be positive: %w", u.UnitID, ErrInvalidInput)
	}
	for _, a := range []*float64{u.AboveGroundArea, u.UndergroundArea} {
		if a != nil && *a < 0 {
			return fmt.Errorf("unit %s: negative area: %w", u.UnitID, ErrInvalidInput)
		}
	}
	for _, f := range u.Factors {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("unit %s: %w", u.UnitID, err)
		}
	}
	for _, o := range u.Overrides {
		if o.Space == "" || o.Profession == "" || o.Value.IsNegative() {
			return fmt.Errorf("unit %s: override needs space, profession and a non-negative value: %w", u.UnitID, ErrInvalidInput)
		}
	}
	return nil
}

// ManualAdjustment replaces the computed value of one line.
type ManualAdjustment struct {
	Space      string          `json:"space"`
	Profession string          `json:"profession"`
	Value      decimal.Decimal `json:"value"`
	Reason     string          `json:"reason,omitempty"`
}

// =============================================================================
// FACTORS - Tagged variant, one payload field per kind
// =============================================================================

type FactorKind string

const (
	FactorRegion    FactorKind = dictionary.KindRegion
	FactorQuality   FactorKind = dictionary.KindQuality
	FactorStructure FactorKind = dictionary.KindStructure
	FactorCustom    FactorKind = dictionary.KindCustom
)

// Factor is one multiplicative adjustment. Exactly the payload field of its
// Kind is meaningful. A non-manual factor with zero Value takes its value
// from the factor dictionary.
type Factor struct {
	Kind          FactorKind `json:"kind"`
	RegionCode    string     `json:"region_code,omitempty"`
	Grade         string     `json:"grade,omitempty"`
	StructureType string     `json:"structure_type,omitempty"`
	Label         string     `json:"label,omitempty"`
	Value         float64    `json:"value,omitempty"`
	IsManual      bool       `json:"is_manual,omitempty"`
}

// Key returns the kind-specific payload.
func (f Factor) Key() string {
	switch f.Kind {
	case FactorRegion:
		return f.RegionCode
	case FactorQuality:
		return f.Grade
	case FactorStructure:
		return f.StructureType
	case FactorCustom:
		return f.Label
	}
	return ""
}

// rank orders factors in the chain.
func (f Factor) rank() int {
	for i, k := range dictionary.FactorKinds {
		if string(f.Kind) == k {
			return i
		}
	}
	return len(dictionary.FactorKinds)
}

// Validate checks the variant is well formed.
func (f Factor) Validate() error {
	if f.rank() == len(dictionary.FactorKinds) {
		return fmt.Errorf("unknown factor kind %q: %w", f.Kind, ErrInvalidInput)
	}
	if f.Key() == "" {
		return fmt.Errorf("%s factor without payload: %w", f.Kind, ErrInvalidInput)
	}
	if f.Value < 0 || (f.IsManual && f.Value == 0) {
		return fmt.Errorf("%s factor %s: value must be positive: %w", f.Kind, f.Key(), ErrInvalidInput)
	}
	return nil
}

// FactorSource tells where an applied factor value came from.
type FactorSource string

const (
	SourceDict   FactorSource = "dict"
	SourceManual FactorSource = "manual"
)

// AppliedFactor is one resolved entry of a factor chain.
type AppliedFactor struct {
	Kind   FactorKind      `json:"kind"`
	Key    string          `json:"key"`
	Value  decimal.Decimal `json:"value"`
	Source FactorSource    `json:"source"`
}

// =============================================================================
// RESULTS
// =============================================================================

// ResultRow is one (space, profession) line. TotalCost is AdjustedValue x
// Area, or ManualAdjustment.Value x Area when an override is present. Gap
// rows have no index and are excluded from totals.
type ResultRow struct {
	UnitID           string            `json:"unit_id"`
	Space            string            `json:"space"`
	Profession       string            `json:"profession"`
	IndexID          string            `json:"index_id,omitempty"`
	IndexLevel       Level             `json:"index_level,omitempty"`
	FallbackPath     []Level           `json:"fallback_path"`
	Confidence       float64           `json:"confidence"`
	BaseValue        decimal.Decimal   `json:"base_value"`
	AdjustedValue    decimal.Decimal   `json:"adjusted_value"`
	ManualAdjustment *ManualAdjustment `json:"manual_adjustment,omitempty"`
	Area             decimal.Decimal   `json:"area"`
	TotalCost        decimal.Decimal   `json:"total_cost"`
	FactorChain      []AppliedFactor   `json:"factor_chain"`
	Gap              bool              `json:"gap,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
}

// Snapshot is one persisted calculation. Never edited.
type Snapshot struct {
	ID             string          `json:"id"`
	ScenarioID     string          `json:"scenario_id"`
	IndexVersionID string          `json:"index_version_id"`
	Quantile       index.Quantile  `json:"quantile"`
	Inputs         []UnitInput     `json:"inputs"`
	Rows           []ResultRow     `json:"rows"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	TotalArea      decimal.Decimal `json:"total_area"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	UsedIndexIDs   []string        `json:"used_index_ids"`
	GapCount       int             `json:"gap_count"`
	Warnings       []string        `json:"warnings,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
