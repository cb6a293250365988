/*
calculator.go - Prices units against one published version

PURPOSE:
  Turns unit inputs into result rows and totals. The calculator is pure
  with respect to its inputs: the same inputs, version and quantile always
  give the same rows, because published versions never change.

ROW:
  baseValue     = STR value of (version, index, quantile), else the index's
                  percentile field
  adjustedValue = baseValue x product(factor chain)
  totalCost     = (override value or adjustedValue) x area

TOTALS:
  totalCost = sum of non-gap row totals
  unitCost  = totalCost / sum of unit total areas

GAPS:
  A line with no index anywhere on the ladder becomes a gap row with a
  warning and no cost, unless failOnGap is set, which aborts the whole
  calculation with ErrFallbackExhausted.
*/
package estimation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/cost-index-engine/dictionary"
	"github.com/warp/cost-index-engine/index"
)

// Dictionary is the reference data the calculator reads.
type Dictionary interface {
	FactorLookup
	Tag(code string) (dictionary.FunctionTag, bool)
	MatchScale(tagCode string, v float64) (dictionary.ScaleRange, bool)
}

// Calculator computes result rows.
type Calculator struct {
	Versions Versions
	Resolver *Resolver
	Dict     Dictionary
	Logger   *zap.Logger
}

// NewCalculator creates a calculator.
func NewCalculator(versions Versions, resolver *Resolver, dict Dictionary, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{Versions: versions, Resolver: resolver, Dict: dict, Logger: logger}
}

// Computation is the unsaved result of a calculation.
type Computation struct {
	Rows         []ResultRow
	TotalCost    decimal.Decimal
	TotalArea    decimal.Decimal
	UnitCost     decimal.Decimal
	UsedIndexIDs []string
	GapCount     int
	Warnings     []string
}

// Calculate prices every line of every unit.
func (c *Calculator) Calculate(ctx context.Context, versionID string, q index.Quantile, inputs []UnitInput, failOnGap bool) (*Computation, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no units: %w", ErrInvalidInput)
	}
	out := &Computation{TotalCost: decimal.Zero, TotalArea: decimal.Zero, UnitCost: decimal.Zero}
	used := make(map[string]bool)

	for _, u := range inputs {
		if err := u.Validate(); err != nil {
			return nil, err
		}
		tag, ok := c.Dict.Tag(u.FunctionTag)
		if !ok {
			return nil, fmt.Errorf("unit %s: %q: %w", u.UnitID, u.FunctionTag, ErrUnknownTag)
		}
		out.TotalArea = out.TotalArea.Add(decimal.NewFromFloat(u.TotalArea))

		scale, scaleWarn := c.scaleRange(u)
		if scaleWarn != "" {
			out.Warnings = append(out.Warnings, scaleWarn)
		}
		chain, chainWarn := BuildChain(u.Factors, c.Dict)
		out.Warnings = append(out.Warnings, chainWarn...)
		product := ChainProduct(chain)

		for _, pair := range tag.Pairs() {
			target := Target{
				TagCode:        tag.Code,
				Space:          pair.Space,
				Profession:     pair.Profession,
				ScaleRangeCode: scale,
				RegionCode:     u.Region,
			}
			row, err := c.row(ctx, versionID, q, u, target, chain, product)
			if err != nil {
				var gap *FallbackExhaustedError
				if !errors.As(err, &gap) || failOnGap {
					return nil, err
				}
				row = ResultRow{
					UnitID:        u.UnitID,
					Space:         pair.Space,
					Profession:    pair.Profession,
					FallbackPath:  gap.Path,
					BaseValue:     decimal.Zero,
					AdjustedValue: decimal.Zero,
					Area:          decimal.NewFromFloat(u.AreaFor(pair.Space)),
					TotalCost:     decimal.Zero,
					FactorChain:   chain,
					Gap:           true,
					Warnings:      []string{fmt.Sprintf("gap: %v; line excluded from totals", err)},
				}
				out.GapCount++
				out.Warnings = append(out.Warnings, row.Warnings...)
				out.Rows = append(out.Rows, row)
				continue
			}
			used[row.IndexID] = true
			out.TotalCost = out.TotalCost.Add(row.TotalCost)
			out.Warnings = append(out.Warnings, row.Warnings...)
			out.Rows = append(out.Rows, row)
		}
	}

	if out.TotalArea.IsPositive() {
		out.UnitCost = out.TotalCost.Div(out.TotalArea)
	}
	for id := range used {
		out.UsedIndexIDs = append(out.UsedIndexIDs, id)
	}
	sort.Strings(out.UsedIndexIDs)

	c.Logger.Debug("estimation computed",
		zap.String("version_id", versionID),
		zap.Int("rows", len(out.Rows)),
		zap.Int("gaps", out.GapCount),
		zap.String("total_cost", out.TotalCost.String()))
	return out, nil
}

// scaleRange picks the explicit scale range, else matches the functional
// scale (or total area) against the tag's bands.
func (c *Calculator) scaleRange(u UnitInput) (string, string) {
	if u.ScaleRange != "" {
		return u.ScaleRange, ""
	}
	v := u.TotalArea
	if u.FunctionalScale != nil {
		v = *u.FunctionalScale
	}
	r, ok := c.Dict.MatchScale(u.FunctionTag, v)
	if !ok {
		return "", fmt.Sprintf("unit %s: no scale range of %s contains %v", u.UnitID, u.FunctionTag, v)
	}
	return r.Code, ""
}

func (c *Calculator) row(ctx context.Context, versionID string, q index.Quantile, u UnitInput,
	t Target, chain []AppliedFactor, product decimal.Decimal) (ResultRow, error) {

	res, err := c.Resolver.Resolve(ctx, versionID, t)
	if err != nil {
		return ResultRow{}, err
	}
	base, err := c.baseValue(ctx, versionID, q, res.Index)
	if err != nil {
		return ResultRow{}, err
	}

	row := ResultRow{
		UnitID:        u.UnitID,
		Space:         t.Space,
		Profession:    t.Profession,
		IndexID:       res.Index.ID,
		IndexLevel:    res.Level,
		FallbackPath:  res.FallbackPath,
		Confidence:    res.Confidence,
		BaseValue:     base,
		AdjustedValue: base.Mul(product),
		Area:          decimal.NewFromFloat(u.AreaFor(t.Space)),
		FactorChain:   chain,
		Warnings:      res.Warnings,
	}
	value := row.AdjustedValue
	if o := u.Override(t.Space, t.Profession); o != nil {
		adj := *o
		row.ManualAdjustment = &adj
		value = adj.Value
	}
	row.TotalCost = value.Mul(row.Area)
	return row, nil
}

func (c *Calculator) baseValue(ctx context.Context, versionID string, q index.Quantile, idx index.CostIndex) (decimal.Decimal, error) {
	str, err := c.Versions.STRValue(ctx, versionID, idx.ID, q)
	if err != nil {
		return decimal.Zero, err
	}
	if str != nil {
		return str.Value, nil
	}
	return decimal.NewFromFloat(idx.QuantileValue(q)), nil
}
