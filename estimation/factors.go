package estimation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/cost-index-engine/dictionary"
)

// =============================================================================
// FACTOR CHAIN
// =============================================================================

// FactorLookup serves default factor values.
type FactorLookup interface {
	Factor(kind, key string) (float64, bool)
}

// BuildChain resolves a unit's factors into an ordered chain
// (region -> quality -> structure -> custom). Manual factors keep their
// value; other factors use the value given or, when zero, the dictionary
// value. Factors missing from the dictionary are left out with a warning.
func BuildChain(factors []Factor, dict FactorLookup) ([]AppliedFactor, []string) {
	ordered := make([]Factor, len(factors))
	copy(ordered, factors)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].rank() < ordered[j].rank() })

	chain := make([]AppliedFactor, 0, len(ordered))
	var warnings []string
	for _, f := range ordered {
		applied := AppliedFactor{Kind: f.Kind, Key: f.Key(), Source: SourceDict}
		switch {
		case f.IsManual:
			applied.Value = decimal.NewFromFloat(f.Value)
			applied.Source = SourceManual
		case f.Value > 0:
			applied.Value = decimal.NewFromFloat(f.Value)
		default:
			v, ok := dict.Factor(string(f.Kind), f.Key())
			if !ok {
				warnings = append(warnings, fmt.Sprintf("%s factor %q not in dictionary, ignored", f.Kind, f.Key()))
				continue
			}
			applied.Value = decimal.NewFromFloat(v)
		}
		chain = append(chain, applied)
	}
	return chain, warnings
}

// ChainProduct multiplies the chain values. An empty chain is 1.
func ChainProduct(chain []AppliedFactor) decimal.Decimal {
	p := decimal.NewFromInt(1)
	for _, f := range chain {
		p = p.Mul(f.Value)
	}
	return p
}

var _ FactorLookup = (*dictionary.Dictionary)(nil)
