package index

import "math"

// =============================================================================
// QUALITY SCORE - Sample size, outlier ratio and dispersion to a 0-100 score
// =============================================================================

// QualityConfig holds the scoring weights and level cut points.
//
// score = 100 - sizePenalty(n) - OutlierWeight*outlierRatio - min(CVCap, CVWeight*cv)
type QualityConfig struct {
	SizePenalties []SizePenalty
	OutlierWeight float64
	CVWeight      float64
	CVCap         float64

	LevelA float64
	LevelB float64
	LevelC float64
}

// SizePenalty applies Penalty when the inlier count is at least MinCount.
// Entries are checked in order; the first match wins.
type SizePenalty struct {
	MinCount int
	Penalty  float64
}

// DefaultQualityConfig returns the standard scoring: A >= 85, B >= 70, C >= 50.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		SizePenalties: []SizePenalty{
			{MinCount: 30, Penalty: 0},
			{MinCount: 10, Penalty: 3},
			{MinCount: 5, Penalty: 5},
			{MinCount: 3, Penalty: 15},
			{MinCount: 0, Penalty: 25},
		},
		OutlierWeight: 30,
		CVWeight:      100,
		CVCap:         40,
		LevelA:        85,
		LevelB:        70,
		LevelC:        50,
	}
}

// Score returns the quality score for an inlier summary. outlierRatio is
// outliers divided by all samples of the group.
func (c QualityConfig) Score(s Summary, outlierRatio float64) float64 {
	score := 100.0
	for _, sp := range c.SizePenalties {
		if s.Count >= sp.MinCount {
			score -= sp.Penalty
			break
		}
	}
	score -= c.OutlierWeight * outlierRatio
	score -= math.Min(c.CVCap, c.CVWeight*s.CV())
	return math.Max(0, math.Min(100, score))
}

// Level maps a score to its quality bucket.
func (c QualityConfig) Level(score float64) QualityLevel {
	switch {
	case score >= c.LevelA:
		return QualityA
	case score >= c.LevelB:
		return QualityB
	case score >= c.LevelC:
		return QualityC
	default:
		return QualityD
	}
}
