package finance

import (
	"sort"

	"catalyst/internal/chartmath"
)

// filterNonNegative removes points whose close is negative.
func filterNonNegative(points []chartmath.PricePoint) []chartmath.PricePoint {
	out := make([]chartmath.PricePoint, 0, len(points))
	for _, p := range points {
		if p.CloseValue() < 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

// filterIQR removes outliers using the Interquartile Range (IQR) rule.
// Any point with close outside [Q1 - k*IQR, Q3 + k*IQR] is dropped.
// For short series (< minPoints), it returns original data.
func filterIQR(points []chartmath.PricePoint, k float64, minPoints int) []chartmath.PricePoint {
	if len(points) < minPoints {
		return points
	}
	vals := make([]float64, len(points))
	for i, p := range points {
		vals[i] = p.CloseValue()
	}
	sort.Float64s(vals)
	percentile := func(p float64) float64 {
		if p <= 0 {
			return vals[0]
		}
		if p >= 1 {
			return vals[len(vals)-1]
		}
		pos := p * float64(len(vals)-1)
		lo := int(pos)
		hi := lo + 1
		if hi >= len(vals) {
			return vals[lo]
		}
		frac := pos - float64(lo)
		return vals[lo]*(1-frac) + vals[hi]*frac
	}
	q1 := percentile(0.25)
	q3 := percentile(0.75)
	iqr := q3 - q1
	if iqr <= 0 {
		return points
	}
	lower := q1 - k*iqr
	upper := q3 + k*iqr
	out := make([]chartmath.PricePoint, 0, len(points))
	for _, p := range points {
		v := p.CloseValue()
		if v < lower || v > upper {
			continue
		}
		out = append(out, p)
	}
	if len(out) < minPoints/2 {
		return points
	}
	return out
}

// cleanSeries applies the non-negative and 1.5×IQR filters.
func cleanSeries(points []chartmath.PricePoint) []chartmath.PricePoint {
	return filterIQR(filterNonNegative(points), 1.5, 20)
}
