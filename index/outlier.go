package index

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// =============================================================================
// OUTLIER FILTER - Pure partition of a sample into inliers and outliers
// =============================================================================

// OutlierMethod selects the outlier detection rule.
type OutlierMethod string

const (
	OutlierIQR    OutlierMethod = "iqr"
	OutlierZScore OutlierMethod = "zscore"
	OutlierMAD    OutlierMethod = "mad"
)

// Valid reports whether m is a supported method.
func (m OutlierMethod) Valid() bool {
	return m == OutlierIQR || m == OutlierZScore || m == OutlierMAD
}

// DefaultThreshold returns the threshold used when a task does not set one:
// Tukey k=1.5 for IQR, |z|=3 for z-score and 3 scaled MADs for MAD.
func (m OutlierMethod) DefaultThreshold() float64 {
	switch m {
	case OutlierIQR:
		return 1.5
	default:
		return 3
	}
}

// MinOutlierSampleSize is the smallest sample outlier detection runs on.
// Smaller samples are returned entirely as inliers: with fewer than four
// points quartiles and spread estimates are too unstable to exclude anything.
const MinOutlierSampleSize = 4

// madScale makes the median absolute deviation a consistent estimator of σ
// for normally distributed data.
const madScale = 1.4826

// Point is one sample value with the index of its source record.
type Point struct {
	Ref    int
	Value  float64
	Reason string
}

// OutlierResult partitions a sample. Both slices keep the input order.
type OutlierResult struct {
	Inliers  []Point
	Outliers []Point
}

// InlierValues returns the inlier values in input order.
func (r OutlierResult) InlierValues() []float64 {
	out := make([]float64, len(r.Inliers))
	for i, p := range r.Inliers {
		out[i] = p.Value
	}
	return out
}

// FilterOutliers partitions values using method. A threshold <= 0 selects
// the method's default. The result does not depend on input order and the
// function never panics; unknown methods exclude nothing.
func FilterOutliers(values []float64, method OutlierMethod, threshold float64) OutlierResult {
	if threshold <= 0 {
		threshold = method.DefaultThreshold()
	}

	points := make([]Point, len(values))
	for i, v := range values {
		points[i] = Point{Ref: i, Value: v}
	}
	if len(values) < MinOutlierSampleSize {
		return OutlierResult{Inliers: points}
	}

	sorted := sortedCopy(values)
	var classify func(v float64) string

	switch method {
	case OutlierIQR:
		q1 := Percentile(sorted, 0.25)
		q3 := Percentile(sorted, 0.75)
		iqr := q3 - q1
		lower, upper := q1-threshold*iqr, q3+threshold*iqr
		k := formatThreshold(threshold)
		classify = func(v float64) string {
			switch {
			case v > upper:
				return fmt.Sprintf("value > Q3 + %s*IQR", k)
			case v < lower:
				return fmt.Sprintf("value < Q1 - %s*IQR", k)
			}
			return ""
		}
	case OutlierZScore:
		mean, std := stat.PopMeanStdDev(sorted, nil)
		k := formatThreshold(threshold)
		classify = func(v float64) string {
			if std == 0 {
				return ""
			}
			if math.Abs(stat.StdScore(v, mean, std)) > threshold {
				return fmt.Sprintf("|z| > %s", k)
			}
			return ""
		}
	case OutlierMAD:
		median := Percentile(sorted, 0.5)
		deviations := make([]float64, len(sorted))
		for i, v := range sorted {
			deviations[i] = math.Abs(v - median)
		}
		sort.Float64s(deviations)
		mad := Percentile(deviations, 0.5) * madScale
		k := formatThreshold(threshold)
		classify = func(v float64) string {
			if mad == 0 {
				return ""
			}
			if math.Abs(v-median) > threshold*mad {
				return fmt.Sprintf("|x - median| > %s*MAD", k)
			}
			return ""
		}
	default:
		return OutlierResult{Inliers: points}
	}

	var result OutlierResult
	for _, p := range points {
		if reason := classify(p.Value); reason != "" {
			p.Reason = reason
			result.Outliers = append(result.Outliers, p)
			continue
		}
		result.Inliers = append(result.Inliers, p)
	}
	return result
}

func formatThreshold(k float64) string {
	return fmt.Sprintf("%g", k)
}

func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}
