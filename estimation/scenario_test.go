package estimation_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
)

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func officeUnit(area float64) estimation.UnitInput {
	return estimation.UnitInput{UnitID: "u1", FunctionTag: "OFFICE", TotalArea: area}
}

// =============================================================================
// CALCULATOR
// =============================================================================

func TestCalculate_FactorChainAndTotals(t *testing.T) {
	// GIVEN: An exact index valued 2500 and region + quality dictionary factors
	// WHEN: Calculating a 1000 m2 unit
	// THEN: adjusted = 2500 x 1.1 x 1.2 and the total is adjusted x area

	f := newFixture(t)
	v := f.publishTask(t, "task-1", ix("a", "OFFICE", "DS", "TJ", "S1", "EAST", 2500, 90))

	unit := officeUnit(1000)
	unit.Region = "EAST"
	unit.Factors = []estimation.Factor{
		{Kind: estimation.FactorQuality, Grade: "high"},
		{Kind: estimation.FactorRegion, RegionCode: "EAST"},
	}

	comp, err := f.calc.Calculate(context.Background(), v.ID, index.P50, []estimation.UnitInput{unit}, false)
	require.NoError(t, err)
	require.Len(t, comp.Rows, 1)

	row := comp.Rows[0]
	assert.Equal(t, "a", row.IndexID)
	assert.Equal(t, estimation.L4, row.IndexLevel)
	assertDecimal(t, "2500", row.BaseValue)
	assertDecimal(t, "3300", row.AdjustedValue)
	assertDecimal(t, "3300000", row.TotalCost)
	assertDecimal(t, "3300000", comp.TotalCost)
	assertDecimal(t, "3300", comp.UnitCost)
	assert.Equal(t, []string{"a"}, comp.UsedIndexIDs)
	assert.Zero(t, comp.GapCount)
}

func TestCalculate_QuantileSelectsSTRValue(t *testing.T) {
	f := newFixture(t)
	v := f.publishTask(t, "task-1", ix("a", "OFFICE", "DS", "TJ", "S1", "", 2500, 90))

	comp, err := f.calc.Calculate(context.Background(), v.ID, index.P75, []estimation.UnitInput{officeUnit(10)}, false)
	require.NoError(t, err)
	assertDecimal(t, "2600", comp.Rows[0].BaseValue)
	assertDecimal(t, "26000", comp.TotalCost)
}

func TestCalculate_ScaleRangeFromArea(t *testing.T) {
	// GIVEN: Indexes for both scale bands of OFFICE
	// WHEN: Units fall in different bands, one by functional scale
	// THEN: Each unit resolves to its own band

	f := newFixture(t)
	v := f.publishTask(t, "task-1",
		ix("small", "OFFICE", "DS", "TJ", "S1", "", 2500, 90),
		ix("large", "OFFICE", "DS", "TJ", "S2", "", 2300, 90),
	)

	big := officeUnit(8000)
	big.UnitID = "u-big"
	byScale := officeUnit(8000)
	byScale.UnitID = "u-scale"
	byScale.FunctionalScale = ptr(1200)

	comp, err := f.calc.Calculate(context.Background(), v.ID, index.P50,
		[]estimation.UnitInput{officeUnit(1000), big, byScale}, false)
	require.NoError(t, err)
	require.Len(t, comp.Rows, 3)
	assert.Equal(t, "small", comp.Rows[0].IndexID)
	assert.Equal(t, "large", comp.Rows[1].IndexID)
	assert.Equal(t, "small", comp.Rows[2].IndexID)
	assert.Equal(t, []string{"large", "small"}, comp.UsedIndexIDs)
}

func TestCalculate_FallbackWarns(t *testing.T) {
	// GIVEN: Only an unsegmented index
	// WHEN: Calculating a unit with scale and region
	// THEN: The row resolves at L2 and the warning reaches the computation

	f := newFixture(t)
	v := f.publishTask(t, "task-1", ix("c", "OFFICE", "DS", "TJ", "", "", 2600, 90))

	unit := officeUnit(1000)
	unit.Region = "EAST"
	comp, err := f.calc.Calculate(context.Background(), v.ID, index.P50, []estimation.UnitInput{unit}, false)
	require.NoError(t, err)

	row := comp.Rows[0]
	assert.Equal(t, estimation.L2, row.IndexLevel)
	assert.Equal(t, []estimation.Level{estimation.L4, estimation.L3, estimation.L2}, row.FallbackPath)
	assert.InDelta(t, 0.63, row.Confidence, 1e-9)
	assert.NotEmpty(t, row.Warnings)
	assert.Subset(t, comp.Warnings, row.Warnings)
}

func TestCalculate_Gaps(t *testing.T) {
	// GIVEN: A four-line tag where only DS/TJ has an index
	// WHEN: Calculating with and without failOnGap
	// THEN: Three gap rows are excluded from totals, or the call fails

	f := newFixture(t)
	v := f.publishTask(t, "task-1", ix("m", "MIXED", "DS", "TJ", "", "", 2000, 90))
	unit := estimation.UnitInput{
		UnitID: "u1", FunctionTag: "MIXED", TotalArea: 1000,
		AboveGroundArea: ptr(800), UndergroundArea: ptr(200),
	}

	comp, err := f.calc.Calculate(context.Background(), v.ID, index.P50, []estimation.UnitInput{unit}, false)
	require.NoError(t, err)
	require.Len(t, comp.Rows, 4)
	assert.Equal(t, 3, comp.GapCount)
	assertDecimal(t, "1600000", comp.TotalCost)
	assertDecimal(t, "1600", comp.UnitCost)

	for _, row := range comp.Rows {
		if row.Space == "DS" && row.Profession == "TJ" {
			assert.False(t, row.Gap)
			assertDecimal(t, "800", row.Area)
			continue
		}
		assert.True(t, row.Gap, "%s/%s", row.Space, row.Profession)
		assert.Empty(t, row.IndexID)
		assert.True(t, row.TotalCost.IsZero())
		assert.Len(t, row.FallbackPath, len(estimation.Ladder))
		if row.Space == "DX" {
			assertDecimal(t, "200", row.Area)
		}
	}

	_, err = f.calc.Calculate(context.Background(), v.ID, index.P50, []estimation.UnitInput{unit}, true)
	assert.ErrorIs(t, err, estimation.ErrFallbackExhausted)
}

func TestCalculate_ManualOverride(t *testing.T) {
	f := newFixture(t)
	v := f.publishTask(t, "task-1", ix("a", "OFFICE", "DS", "TJ", "S1", "", 2600, 90))

	unit := officeUnit(1000)
	unit.Overrides = []estimation.ManualAdjustment{
		{Space: "DS", Profession: "TJ", Value: decimal.NewFromInt(3000), Reason: "quote"},
	}
	comp, err := f.calc.Calculate(context.Background(), v.ID, index.P50, []estimation.UnitInput{unit}, false)
	require.NoError(t, err)

	row := comp.Rows[0]
	require.NotNil(t, row.ManualAdjustment)
	assertDecimal(t, "2600", row.AdjustedValue)
	assertDecimal(t, "3000000", row.TotalCost)
}

func TestCalculate_InputErrors(t *testing.T) {
	f := newFixture(t)
	v := f.publishTask(t, "task-1", ix("a", "OFFICE", "DS", "TJ", "S1", "", 2600, 90))
	ctx := context.Background()

	_, err := f.calc.Calculate(ctx, v.ID, index.P50, nil, false)
	assert.ErrorIs(t, err, estimation.ErrInvalidInput)

	_, err = f.calc.Calculate(ctx, v.ID, index.P50, []estimation.UnitInput{officeUnit(0)}, false)
	assert.ErrorIs(t, err, estimation.ErrInvalidInput)

	unknown := officeUnit(100)
	unknown.FunctionTag = "HANGAR"
	_, err = f.calc.Calculate(ctx, v.ID, index.P50, []estimation.UnitInput{unknown}, false)
	assert.ErrorIs(t, err, estimation.ErrUnknownTag)
	assert.True(t, estimation.IsClientError(err))
}

func TestCalculate_Deterministic(t *testing.T) {
	f := newFixture(t)
	v := f.publishTask(t, "task-1",
		ix("a", "OFFICE", "DS", "TJ", "S1", "", 2600, 90),
		ix("m", "MIXED", "DS", "TJ", "", "", 2000, 90),
	)
	inputs := []estimation.UnitInput{officeUnit(1000), {UnitID: "u2", FunctionTag: "MIXED", TotalArea: 500}}

	first, err := f.calc.Calculate(context.Background(), v.ID, index.P50, inputs, false)
	require.NoError(t, err)
	second, err := f.calc.Calculate(context.Background(), v.ID, index.P50, inputs, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenario_FrozenAfterRepublish(t *testing.T) {
	// GIVEN: A scenario calculated against V1
	// WHEN: V2 is published and the scenario is recomputed
	// THEN: The total and the index used are those of V1; changes are refused
	//       until the scenario is upgraded

	f := newFixture(t)
	ctx := context.Background()
	v1 := f.publishTask(t, "task-1", ix("o1", "OFFICE", "DS", "TJ", "S1", "", 2600, 90))

	inputs := []estimation.UnitInput{officeUnit(1000)}
	sc, err := f.service.CreateScenario(ctx, estimation.CreateScenarioRequest{Name: "tower", Inputs: inputs})
	require.NoError(t, err)
	assert.Equal(t, v1.ID, sc.IndexVersionID)
	assert.Equal(t, index.P50, sc.Quantile)

	snap1, err := f.service.Calculate(ctx, estimation.CalcRequest{ScenarioID: sc.ID})
	require.NoError(t, err)
	assertDecimal(t, "2600000", snap1.TotalCost)

	locked, err := f.service.GetScenario(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, locked.IsLocked)
	require.NotNil(t, locked.LockedAt)

	v2 := f.publishTask(t, "task-2", ix("o2", "OFFICE", "DS", "TJ", "S1", "", 2860, 90))

	snap2, err := f.service.Calculate(ctx, estimation.CalcRequest{ScenarioID: sc.ID})
	require.NoError(t, err)
	assert.True(t, snap1.TotalCost.Equal(snap2.TotalCost))
	assert.Equal(t, v1.ID, snap2.IndexVersionID)
	assert.Equal(t, []string{"o1"}, snap2.UsedIndexIDs)
	assert.NotEqual(t, snap1.ID, snap2.ID)

	_, err = f.service.Calculate(ctx, estimation.CalcRequest{ScenarioID: sc.ID, IndexVersionID: v2.ID})
	assert.True(t, estimation.IsFreezeViolation(err))

	_, err = f.service.Calculate(ctx, estimation.CalcRequest{ScenarioID: sc.ID, Inputs: []estimation.UnitInput{officeUnit(2000)}})
	assert.True(t, estimation.IsFreezeViolation(err))
	var fv *estimation.FreezeViolationError
	require.True(t, errors.As(err, &fv))
	assert.Equal(t, sc.ID, fv.ScenarioID)

	_, err = f.service.Calculate(ctx, estimation.CalcRequest{ScenarioID: sc.ID, Inputs: inputs})
	require.NoError(t, err)

	up, err := f.service.Upgrade(ctx, sc.ID, estimation.UpgradeRequest{})
	require.NoError(t, err)
	assert.Equal(t, v2.ID, up.IndexVersionID)
	assert.Equal(t, sc.ID, up.UpgradedFrom)
	assert.False(t, up.IsLocked)
	assert.Equal(t, "tower", up.Name)

	snap3, err := f.service.Calculate(ctx, estimation.CalcRequest{ScenarioID: up.ID})
	require.NoError(t, err)
	assertDecimal(t, "2860000", snap3.TotalCost)
	assert.Equal(t, []string{"o2"}, snap3.UsedIndexIDs)

	history, err := f.service.Snapshots(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, snap1.ID, history[0].ID)

	got, err := f.service.GetSnapshot(ctx, snap1.ID)
	require.NoError(t, err)
	assert.True(t, snap1.TotalCost.Equal(got.TotalCost))
}

func TestScenario_UpgradeToSameVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publishTask(t, "task-1", ix("o1", "OFFICE", "DS", "TJ", "S1", "", 2600, 90))

	sc, err := f.service.CreateScenario(ctx, estimation.CreateScenarioRequest{Inputs: []estimation.UnitInput{officeUnit(10)}})
	require.NoError(t, err)
	_, err = f.service.Upgrade(ctx, sc.ID, estimation.UpgradeRequest{})
	assert.ErrorIs(t, err, estimation.ErrInvalidInput)
}

func TestScenario_AdHocCalculation(t *testing.T) {
	// GIVEN: No scenario id
	// WHEN: Calculating with inputs
	// THEN: A scenario bound to the current GLOBAL version is created and locked

	f := newFixture(t)
	ctx := context.Background()
	v := f.publishTask(t, "task-1", ix("o1", "OFFICE", "DS", "TJ", "S1", "", 2600, 90))

	snap, err := f.service.Calculate(ctx, estimation.CalcRequest{Name: "quick", Inputs: []estimation.UnitInput{officeUnit(100)}})
	require.NoError(t, err)
	assert.Equal(t, v.ID, snap.IndexVersionID)

	sc, err := f.service.GetScenario(ctx, snap.ScenarioID)
	require.NoError(t, err)
	assert.True(t, sc.IsLocked)
	assert.Len(t, sc.Inputs, 1)
}

func TestScenario_VersionChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inputs := []estimation.UnitInput{officeUnit(100)}

	_, err := f.service.CreateScenario(ctx, estimation.CreateScenarioRequest{Inputs: inputs})
	assert.ErrorIs(t, err, estimation.ErrNoPublishedVersion)

	f.publishTask(t, "task-1", ix("o1", "OFFICE", "DS", "TJ", "S1", "", 2600, 90))
	draft := f.draftVersion(t, "task-2", ix("o2", "OFFICE", "DS", "TJ", "S1", "", 2700, 90))

	_, err = f.service.CreateScenario(ctx, estimation.CreateScenarioRequest{IndexVersionID: draft, Inputs: inputs})
	assert.ErrorIs(t, err, estimation.ErrVersionNotPublished)

	_, err = f.service.CreateScenario(ctx, estimation.CreateScenarioRequest{Quantile: "P90", Inputs: inputs})
	assert.ErrorIs(t, err, estimation.ErrInvalidInput)

	_, err = f.service.GetScenario(ctx, "missing")
	assert.True(t, index.IsNotFound(err))
}

func TestScenario_ConcurrentFirstCalculation(t *testing.T) {
	// GIVEN: An unlocked scenario
	// WHEN: Two first calculations with different inputs race
	// THEN: Exactly one locks the scenario, the other is a freeze violation

	f := newFixture(t)
	ctx := context.Background()
	f.publishTask(t, "task-1", ix("o1", "OFFICE", "DS", "TJ", "S1", "", 2600, 90))
	sc, err := f.service.CreateScenario(ctx, estimation.CreateScenarioRequest{Name: "race"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, area := range []float64{100, 200} {
		wg.Add(1)
		go func(i int, area float64) {
			defer wg.Done()
			_, errs[i] = f.service.Calculate(ctx, estimation.CalcRequest{
				ScenarioID: sc.ID, Inputs: []estimation.UnitInput{officeUnit(area)},
			})
		}(i, area)
	}
	wg.Wait()

	var ok, frozen int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case estimation.IsFreezeViolation(err):
			frozen++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, frozen)
}
