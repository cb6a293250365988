package publish

import (
	"context"
	"math"
	"sort"

	"github.com/warp/cost-index-engine/index"
)

// =============================================================================
// IMPACT - What publishing a version would change
// =============================================================================

// MaxImpactChanges bounds the per-series detail returned with an Impact.
const MaxImpactChanges = 20

// IndexChange is the movement of one series' recommended value.
type IndexChange struct {
	SeriesKey string  `json:"series_key"`
	OldID     string  `json:"old_index_id"`
	NewID     string  `json:"new_index_id"`
	OldValue  float64 `json:"old_value"`
	NewValue  float64 `json:"new_value"`
	ChangePct float64 `json:"change_pct"`
}

// Impact compares a version with the currently published GLOBAL version.
type Impact struct {
	VersionID         string        `json:"version_id"`
	BaselineVersionID string        `json:"baseline_version_id,omitempty"`
	NewCount          int           `json:"new_count"`
	RemovedCount      int           `json:"removed_count"`
	ChangedCount      int           `json:"changed_count"`
	UnchangedCount    int           `json:"unchanged_count"`
	MeanAbsChangePct  float64       `json:"mean_abs_change_pct"`
	MaxAbsChangePct   float64       `json:"max_abs_change_pct"`
	FrozenScenarios   int           `json:"frozen_scenarios"`
	Changes           []IndexChange `json:"changes,omitempty"`
}

// Impact assesses the effect of publishing a version. FrozenScenarios counts
// locked scenarios bound to the baseline; they keep their results.
func (p *Pipeline) Impact(ctx context.Context, id string) (Impact, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return Impact{}, err
	}
	next, err := p.Indexes(ctx, id)
	if err != nil {
		return Impact{}, err
	}
	res := Impact{VersionID: id}

	var base []index.CostIndex
	cur, err := p.CurrentVersion(ctx, ScopeGlobal, "")
	if err != nil {
		return Impact{}, err
	}
	if cur != nil && cur.ID != id {
		res.BaselineVersionID = cur.ID
		if base, err = p.Indexes(ctx, cur.ID); err != nil {
			return Impact{}, err
		}
		if res.FrozenScenarios, err = p.Store.CountLockedScenarios(ctx, cur.ID); err != nil {
			return Impact{}, err
		}
	}

	old := make(map[string]index.CostIndex, len(base))
	for _, idx := range base {
		old[SeriesKey(idx.Dimensions)] = idx
	}
	seen := make(map[string]bool, len(next))
	var sumAbs float64
	for _, idx := range next {
		k := SeriesKey(idx.Dimensions)
		seen[k] = true
		prev, ok := old[k]
		if !ok {
			res.NewCount++
			continue
		}
		if prev.RecommendedValue == idx.RecommendedValue {
			res.UnchangedCount++
			continue
		}
		res.ChangedCount++
		pct := 0.0
		if prev.RecommendedValue != 0 {
			pct = (idx.RecommendedValue - prev.RecommendedValue) / prev.RecommendedValue * 100
		}
		sumAbs += math.Abs(pct)
		res.MaxAbsChangePct = math.Max(res.MaxAbsChangePct, math.Abs(pct))
		res.Changes = append(res.Changes, IndexChange{
			SeriesKey: k,
			OldID:     prev.ID,
			NewID:     idx.ID,
			OldValue:  prev.RecommendedValue,
			NewValue:  idx.RecommendedValue,
			ChangePct: pct,
		})
	}
	for k := range old {
		if !seen[k] {
			res.RemovedCount++
		}
	}
	if res.ChangedCount > 0 {
		res.MeanAbsChangePct = sumAbs / float64(res.ChangedCount)
	}

	sort.Slice(res.Changes, func(i, j int) bool {
		return math.Abs(res.Changes[i].ChangePct) > math.Abs(res.Changes[j].ChangePct)
	})
	if len(res.Changes) > MaxImpactChanges {
		res.Changes = res.Changes[:MaxImpactChanges]
	}
	return res, nil
}
