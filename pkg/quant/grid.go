package quant

import "math"

// SymmetricLevels returns the integer range of a symmetric grid with nBits.
// Unsigned grids spend the sign bit on extra positive levels.
func SymmetricLevels(nBits int, signed bool) (qmin, qmax float64) {
	if signed {
		half := math.Exp2(float64(nBits - 1))
		return -half, half - 1
	}
	return 0, math.Exp2(float64(nBits)) - 1
}

// SymmetricDelta is the grid step for a threshold.
func SymmetricDelta(threshold float64, nBits int, signed bool) float64 {
	bits := nBits
	if signed {
		bits--
	}
	return threshold / math.Exp2(float64(bits))
}

// QuantizeSymmetric writes the fake-quantized values of x into dst using a
// grid spanning [-threshold, threshold) (signed) or [0, threshold) (unsigned).
// dst and x may alias.
func QuantizeSymmetric(dst, x []float64, threshold float64, nBits int, signed bool) {
	delta := SymmetricDelta(threshold, nBits, signed)
	if delta <= 0 || math.IsNaN(delta) || math.IsInf(delta, 0) {
		for i := range x {
			dst[i] = 0
		}
		return
	}
	qmin, qmax := SymmetricLevels(nBits, signed)
	for i, v := range x {
		q := math.RoundToEven(v / delta)
		dst[i] = clamp(q, qmin, qmax) * delta
	}
}

// QuantizeUniform writes the fake-quantized values of x into dst using 2^nBits
// evenly spaced levels over [lo, hi]. dst and x may alias.
func QuantizeUniform(dst, x []float64, lo, hi float64, nBits int) {
	levels := math.Exp2(float64(nBits)) - 1
	scale := (hi - lo) / levels
	if !(scale > 0) || math.IsInf(scale, 0) {
		for i, v := range x {
			dst[i] = clamp(v, lo, hi)
		}
		return
	}
	for i, v := range x {
		q := math.RoundToEven((clamp(v, lo, hi) - lo) / scale)
		dst[i] = q*scale + lo
	}
}

// FixRangeToIncludeZero moves a uniform range so that zero is exactly a grid
// point. Ranges entirely above or below zero are extended to zero instead.
func FixRangeToIncludeZero(lo, hi float64, nBits int) (float64, float64) {
	switch {
	case lo > 0:
		return 0, hi
	case hi < 0:
		return lo, 0
	}
	scale := (hi - lo) / (math.Exp2(float64(nBits)) - 1)
	if scale <= 0 {
		return lo, hi
	}
	loAdj := scale * math.Round(lo/scale)
	hiAdj := hi - lo + loAdj
	return loAdj, hiAdj
}

// QuantizeCodebook replaces every value with the nearest center. Equidistant
// values go to the lower-indexed center.
func QuantizeCodebook(dst, x, centers []float64) {
	for i, v := range x {
		dst[i] = centers[NearestCenter(v, centers)]
	}
}

// NearestCenter returns the index of the center closest to v, preferring the
// lower index on ties.
func NearestCenter(v float64, centers []float64) int {
	best := 0
	bestDist := math.Inf(1)
	for j, c := range centers {
		if d := math.Abs(v - c); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

// PowerOfTwoCeil returns the smallest power of two >= t.
func PowerOfTwoCeil(t float64) float64 {
	if t <= 0 {
		return 0
	}
	return math.Exp2(math.Ceil(math.Log2(t)))
}

// PowerOfTwoFloor returns the largest power of two <= t.
func PowerOfTwoFloor(t float64) float64 {
	if t <= 0 {
		return 0
	}
	return math.Exp2(math.Floor(math.Log2(t)))
}

// IsPowerOfTwo reports whether t is an exact (possibly negative exponent)
// power of two.
func IsPowerOfTwo(t float64) bool {
	if t <= 0 || math.IsInf(t, 0) || math.IsNaN(t) {
		return false
	}
	frac, _ := math.Frexp(t)
	return frac == 0.5
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
