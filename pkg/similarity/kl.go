package similarity

import (
	"fmt"
	"math"
)

// klEps smooths empty bins so the divergence stays finite.
const klEps = 1e-10

// KL returns the Kullback-Leibler divergence KL(P||Q) between the value
// distributions of ref (P) and cand (Q). Both are histogrammed with the same
// nBins bins over the union of their ranges.
func KL(ref, cand []float64, nBins int) (float64, error) {
	if err := validate(ref, cand); err != nil {
		return 0, err
	}
	if nBins <= 0 {
		nBins = DefaultKLBins
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range ref {
		lo = math.Min(lo, math.Min(ref[i], cand[i]))
		hi = math.Max(hi, math.Max(ref[i], cand[i]))
	}
	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return 0, fmt.Errorf("similarity: non-finite values in kl input")
	}
	if hi == lo {
		return 0, nil
	}
	p := binCounts(ref, lo, hi, nBins)
	q := binCounts(cand, lo, hi, nBins)
	return Divergence(p, q), nil
}

func binCounts(x []float64, lo, hi float64, nBins int) []float64 {
	counts := make([]float64, nBins)
	width := (hi - lo) / float64(nBins)
	for _, v := range x {
		idx := int((v - lo) / width)
		if idx >= nBins {
			idx = nBins - 1
		}
		if idx < 0 {
			idx = 0
		}
		counts[idx]++
	}
	return counts
}

// Divergence returns KL(P||Q) for two non-negative, equally sized weight
// vectors. Both are normalized to sum to one; empty bins are smoothed with a
// small epsilon.
func Divergence(p, q []float64) float64 {
	var pSum, qSum float64
	for i := range p {
		pSum += p[i] + klEps
		qSum += q[i] + klEps
	}
	if pSum == 0 || qSum == 0 {
		return 0
	}
	var kl float64
	for i := range p {
		pi := (p[i] + klEps) / pSum
		qi := (q[i] + klEps) / qSum
		kl += pi * math.Log(pi/qi)
	}
	if kl < 0 {
		return 0
	}
	return kl
}
