package similarity

import (
	"fmt"
	"strings"
)

// Distance selects one of the metrics in this package by name. It is the knob
// used by sensitivity evaluation to compare model outputs.
type Distance uint8

const (
	DistanceMSE Distance = iota
	DistanceMAE
	DistanceLp
	DistanceCosine
	DistanceKL
	DistanceNMSE
	DistanceNMAE
)

var distanceNames = map[Distance]string{
	DistanceMSE:    "mse",
	DistanceMAE:    "mae",
	DistanceLp:     "lp",
	DistanceCosine: "cosine",
	DistanceKL:     "kl",
	DistanceNMSE:   "nmse",
	DistanceNMAE:   "nmae",
}

func (d Distance) String() string {
	if s, ok := distanceNames[d]; ok {
		return s
	}
	return fmt.Sprintf("distance(%d)", uint8(d))
}

// ParseDistance maps a case-insensitive name to a Distance.
func ParseDistance(s string) (Distance, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d, name := range distanceNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("similarity: unknown distance %q", s)
}

// Compute evaluates the distance between ref and cand. p is only used by
// DistanceLp; MSE, MAE and Lp are normalized by the reference.
func (d Distance) Compute(ref, cand []float64, p float64) (float64, error) {
	switch d {
	case DistanceMSE:
		return MSE(ref, cand, true)
	case DistanceMAE:
		return MAE(ref, cand, true)
	case DistanceLp:
		return LpNorm(ref, cand, p, true)
	case DistanceCosine:
		return Cosine(ref, cand)
	case DistanceKL:
		return KL(ref, cand, DefaultKLBins)
	case DistanceNMSE:
		return NMSE(ref, cand)
	case DistanceNMAE:
		return NMAE(ref, cand)
	default:
		return 0, fmt.Errorf("similarity: unknown distance %d", uint8(d))
	}
}
