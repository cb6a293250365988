package index

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// GROUPING
// =============================================================================

// Group is the set of facts sharing one dimension tuple.
type Group struct {
	Dimensions Dimensions
	Facts      []UnitCostFact
}

// GroupFacts buckets facts of priceBaseDate by dimension tuple. With rollup,
// every fact also joins the tuple with region dropped and the tuple with
// scale and region dropped, so coarser fallback rungs have data. Groups are
// returned in key order so runs over the same facts are reproducible.
func GroupFacts(facts []UnitCostFact, priceBaseDate string, rollup bool) []Group {
	byKey := make(map[string]*Group)
	add := func(d Dimensions, f UnitCostFact) {
		k := d.Key()
		g, ok := byKey[k]
		if !ok {
			g = &Group{Dimensions: d}
			byKey[k] = g
		}
		g.Facts = append(g.Facts, f)
	}

	for _, f := range facts {
		if f.PriceBaseDate != priceBaseDate {
			continue
		}
		d := f.Dimensions()
		add(d, f)
		if !rollup {
			continue
		}
		if d.RegionCode != "" {
			add(d.WithoutRegion(), f)
		}
		if d.ScaleRangeCode != "" {
			add(d.WithoutRegion().WithoutScale(), f)
		}
	}

	groups := make([]Group, 0, len(byKey))
	for _, g := range byKey {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Dimensions.Key() < groups[j].Dimensions.Key()
	})
	return groups
}

// Digest fingerprints the sample set of a group independent of fact order.
func (g Group) Digest() string {
	parts := make([]string, len(g.Facts))
	for i, f := range g.Facts {
		parts[i] = f.UnitID + "=" + strconv.FormatFloat(f.UnitCost, 'g', -1, 64)
	}
	sort.Strings(parts)
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Params are the per-task aggregation settings.
type Params struct {
	Method              OutlierMethod
	Threshold           float64
	MinSampleCount      int
	RecommendedQuantile Quantile
}

// ParamsFor extracts aggregation parameters from a task.
func ParamsFor(t CalcTask) Params {
	return Params{
		Method:              t.OutlierMethod,
		Threshold:           t.OutlierThreshold,
		MinSampleCount:      t.MinSampleCount,
		RecommendedQuantile: t.RecommendedQuantile,
	}
}

// Aggregator turns groups into CostIndex records.
type Aggregator struct {
	Quality QualityConfig
	Now     func() time.Time
	NewID   func() string
}

// NewAggregator returns an aggregator with default quality scoring.
func NewAggregator() *Aggregator {
	return &Aggregator{
		Quality: DefaultQualityConfig(),
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   func() string { return uuid.NewString() },
	}
}

// AggregateGroup computes one index. It returns a *GroupError wrapping
// ErrMalformedFact when a fact cannot be used, or ErrInsufficientSample when
// fewer than MinSampleCount inliers remain after outlier exclusion.
func (a *Aggregator) AggregateGroup(g Group, taskID string, p Params) (*IndexRecord, error) {
	values := make([]float64, len(g.Facts))
	for i, f := range g.Facts {
		if err := validateFact(f); err != nil {
			return nil, &GroupError{Dimensions: g.Dimensions, Reason: err.Error(), Err: ErrMalformedFact}
		}
		values[i] = f.UnitCost
	}

	filtered := FilterOutliers(values, p.Method, p.Threshold)
	if len(filtered.Inliers) < p.MinSampleCount {
		return nil, &GroupError{
			Dimensions: g.Dimensions,
			Reason:     fmt.Sprintf("%d inliers, need %d", len(filtered.Inliers), p.MinSampleCount),
			Err:        ErrInsufficientSample,
		}
	}

	summary := Summarize(filtered.InlierValues())
	outlierRatio := 0.0
	if len(values) > 0 {
		outlierRatio = float64(len(filtered.Outliers)) / float64(len(values))
	}
	score := a.Quality.Score(summary, outlierRatio)

	idx := CostIndex{
		ID:               a.NewID(),
		Dimensions:       g.Dimensions,
		SampleCount:      summary.Count,
		Mean:             summary.Mean,
		Median:           summary.Median,
		StdDev:           summary.StdDev,
		Min:              summary.Min,
		Max:              summary.Max,
		OutlierCount:     len(filtered.Outliers),
		OutlierRatio:     outlierRatio,
		P25:              summary.P25,
		P50:              summary.P50,
		P75:              summary.P75,
		RecommendedValue: summary.Median,
		QualityScore:     score,
		QualityLevel:     a.Quality.Level(score),
		Status:           IndexDraft,
		CalcTaskID:       taskID,
		SampleDigest:     g.Digest(),
		CreatedAt:        a.Now(),
	}
	if p.RecommendedQuantile.Valid() {
		idx.RecommendedValue = idx.QuantileValue(p.RecommendedQuantile)
	}

	samples := make([]IndexSample, 0, len(g.Facts))
	for _, pt := range filtered.Inliers {
		samples = append(samples, sampleFor(idx.ID, g.Facts[pt.Ref], pt))
	}
	for _, pt := range filtered.Outliers {
		samples = append(samples, sampleFor(idx.ID, g.Facts[pt.Ref], pt))
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].UnitID < samples[j].UnitID })

	return &IndexRecord{Index: idx, Samples: samples}, nil
}

func sampleFor(indexID string, f UnitCostFact, pt Point) IndexSample {
	return IndexSample{
		IndexID:       indexID,
		UnitID:        f.UnitID,
		Value:         pt.Value,
		IsOutlier:     pt.Reason != "",
		OutlierReason: pt.Reason,
		Weight:        f.Confidence,
	}
}

func validateFact(f UnitCostFact) error {
	switch {
	case f.UnitID == "":
		return fmt.Errorf("fact without unit id")
	case f.TagCode == "" || f.Space == "" || f.Profession == "":
		return fmt.Errorf("fact %s is missing tag, space or profession", f.UnitID)
	case math.IsNaN(f.UnitCost) || math.IsInf(f.UnitCost, 0) || f.UnitCost <= 0:
		return fmt.Errorf("fact %s has unusable unit cost %v", f.UnitID, f.UnitCost)
	}
	return nil
}

// =============================================================================
// SEQUENTIAL RUN - Used by tests and small batches
// =============================================================================

// Outcome is the result of aggregating a whole fact set.
type Outcome struct {
	Records           []IndexRecord
	TotalCombinations int
	SkippedCount      int
	FailedCount       int
	Errors            []error
}

// Aggregate runs every group of facts for priceBaseDate sequentially.
func (a *Aggregator) Aggregate(facts []UnitCostFact, priceBaseDate string, rollup bool, taskID string, p Params) Outcome {
	groups := GroupFacts(facts, priceBaseDate, rollup)
	out := Outcome{TotalCombinations: len(groups)}
	for _, g := range groups {
		rec, err := a.AggregateGroup(g, taskID, p)
		switch {
		case err == nil:
			out.Records = append(out.Records, *rec)
		case errors.Is(err, ErrInsufficientSample):
			out.SkippedCount++
		default:
			out.FailedCount++
			out.Errors = append(out.Errors, err)
		}
	}
	return out
}
