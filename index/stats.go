package index

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// =============================================================================
// DESCRIPTIVE STATISTICS
// =============================================================================

// Summary holds the descriptive statistics of an inlier sample.
type Summary struct {
	Count  int
	Mean   float64
	Median float64
	StdDev float64 // population
	Min    float64
	Max    float64
	P25    float64
	P50    float64
	P75    float64
}

// CV returns the coefficient of variation, or 0 when the mean is 0.
func (s Summary) CV() float64 {
	if s.Mean == 0 {
		return 0
	}
	return s.StdDev / math.Abs(s.Mean)
}

// Summarize computes descriptive statistics. Percentiles use linear
// interpolation between closest ranks (R-7). An empty sample yields a zero
// Summary.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := sortedCopy(values)
	mean, std := stat.PopMeanStdDev(sorted, nil)
	median := Percentile(sorted, 0.5)
	return Summary{
		Count:  len(sorted),
		Mean:   mean,
		Median: median,
		StdDev: std,
		Min:    floats.Min(sorted),
		Max:    floats.Max(sorted),
		P25:    Percentile(sorted, 0.25),
		P50:    median,
		P75:    Percentile(sorted, 0.75),
	}
}

// Percentile returns the p-th quantile (0..1) of an ascending sample using
// the R-7 rule: h = (n-1)p, interpolate between floor(h) and ceil(h).
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n == 1 || p <= 0:
		return sorted[0]
	case p >= 1:
		return sorted[n-1]
	}
	h := float64(n-1) * p
	lo := math.Floor(h)
	i := int(lo)
	if i+1 >= n {
		return sorted[n-1]
	}
	return sorted[i] + (h-lo)*(sorted[i+1]-sorted[i])
}
