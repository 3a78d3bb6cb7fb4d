// Package similarity implements the distance functions used to compare a float
// reference tensor with its quantized counterpart.
//
// Every function takes the reference first and the candidate second, operates on
// flattened values, and rejects inputs of different lengths instead of broadcasting.
// Smaller results always mean "more similar".
package similarity

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// NormEps keeps normalized errors finite when the reference is all zero.
const NormEps = 1e-8

// DefaultKLBins is the number of histogram bins used by KL when none is given.
const DefaultKLBins = 2048

var (
	ErrShapeMismatch = errors.New("similarity: shape mismatch")
	ErrEmpty         = errors.New("similarity: empty input")
)

func validate(ref, cand []float64) error {
	if len(ref) != len(cand) {
		return fmt.Errorf("%w: reference has %d elements, candidate has %d", ErrShapeMismatch, len(ref), len(cand))
	}
	if len(ref) == 0 {
		return ErrEmpty
	}
	return nil
}

// MSE returns the mean squared difference. With norm set, the result is divided
// by the mean squared reference value plus NormEps.
func MSE(ref, cand []float64, norm bool) (float64, error) {
	return LpNorm(ref, cand, 2, norm)
}

// MAE returns the mean absolute difference, optionally normalized like MSE.
func MAE(ref, cand []float64, norm bool) (float64, error) {
	return LpNorm(ref, cand, 1, norm)
}

// LpNorm returns mean(|ref-cand|^p). It is not the p-th root: the search engine
// only needs an order-preserving objective.
func LpNorm(ref, cand []float64, p float64, norm bool) (float64, error) {
	if err := validate(ref, cand); err != nil {
		return 0, err
	}
	if p <= 0 || math.IsNaN(p) {
		return 0, fmt.Errorf("similarity: invalid p %v", p)
	}
	var errSum, refSum float64
	for i, r := range ref {
		errSum += powAbs(r-cand[i], p)
		if norm {
			refSum += powAbs(r, p)
		}
	}
	n := float64(len(ref))
	out := errSum / n
	if norm {
		out /= refSum/n + NormEps
	}
	return out, nil
}

func powAbs(v, p float64) float64 {
	v = math.Abs(v)
	switch p {
	case 1:
		return v
	case 2:
		return v * v
	default:
		return math.Pow(v, p)
	}
}

// Cosine returns (1 - cosine similarity) / 2, which lies in [0, 1].
//
// When both inputs are entirely zero it returns 1.0. Elsewhere in this package
// 0 means identical, so this is the opposite end of the scale; callers that rank
// layers by this distance see all-zero pairs as maximally distorted.
func Cosine(ref, cand []float64) (float64, error) {
	if err := validate(ref, cand); err != nil {
		return 0, err
	}
	if allZero(ref) && allZero(cand) {
		return 1.0, nil
	}
	refNorm := floats.Norm(ref, 2)
	candNorm := floats.Norm(cand, 2)
	cs := floats.Dot(ref, cand) / (refNorm*candNorm + NormEps)
	d := (1 - cs) / 2
	return math.Min(1, math.Max(0, d)), nil
}

// NMSE compares the two tensors after scaling each by its own L2 norm.
func NMSE(ref, cand []float64) (float64, error) {
	return normalizedError(ref, cand, 2)
}

// NMAE compares the two tensors after scaling each by its own L1 norm.
func NMAE(ref, cand []float64) (float64, error) {
	return normalizedError(ref, cand, 1)
}

func normalizedError(ref, cand []float64, p float64) (float64, error) {
	if err := validate(ref, cand); err != nil {
		return 0, err
	}
	refNorm := floats.Norm(ref, p) + NormEps
	candNorm := floats.Norm(cand, p) + NormEps
	var sum float64
	for i, r := range ref {
		sum += powAbs(r/refNorm-cand[i]/candNorm, p)
	}
	return sum / float64(len(ref)), nil
}

func allZero(x []float64) bool {
	for _, v := range x {
		if v != 0 {
			return false
		}
	}
	return true
}
