package density

import (
	"math"
	"sort"
)

// IsValidPixel is the nodata heuristic shared by both raster roles: a pixel
// counts only when it is finite and strictly positive. Zero-valued pixels
// (water, empty cells) are treated as no data.
func IsValidPixel(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// ValidPixels returns the values that pass IsValidPixel, in order.
func ValidPixels(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if IsValidPixel(v) {
			out = append(out, v)
		}
	}
	return out
}

// ContinuousStats returns the maximum and mean of the valid pixels, or
// (0, 0) when there are none.
func ContinuousStats(values []float64) (maxVal, mean float64) {
	var sum float64
	var n int
	for _, v := range values {
		if !IsValidPixel(v) {
			continue
		}
		if n == 0 || v > maxVal {
			maxVal = v
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return maxVal, sum / float64(n)
}

// CategoricalConservative reduces land-cover class pixels to a conservative
// density: the highest lookup density among every class present, not only
// the dominant one. The dominant class is the most frequent class; ties go
// to the lowest class code. With no valid pixels it returns (0, nil).
func CategoricalConservative(values []float64, lookup ClassLookup) (float64, *int) {
	counts := make(map[int]int)
	for _, v := range values {
		if !IsValidPixel(v) {
			continue
		}
		// Truncation toward zero, as class rasters are integer-coded.
		counts[int(v)]++
	}
	if len(counts) == 0 {
		return 0, nil
	}

	classes := make([]int, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	dominant := classes[0]
	var conservative float64
	for _, c := range classes {
		if counts[c] > counts[dominant] {
			dominant = c
		}
		conservative = math.Max(conservative, lookup.Density(c))
	}
	return conservative, &dominant
}

// Reconcile combines the census maximum and the land-cover conservative
// maximum into the overall estimate.
func Reconcile(continuousMax, categoricalMax float64) float64 {
	return math.Max(continuousMax, categoricalMax)
}
