package quant

import (
	"fmt"
	"math"
)

// Histogram summarizes many activation samples. Edges has one more element
// than Counts and must be strictly increasing.
type Histogram struct {
	Edges  []float64 `json:"edges"`
	Counts []float64 `json:"counts"`
}

// Validate checks the histogram invariants and that it holds some mass.
func (h Histogram) Validate() error {
	if len(h.Counts) == 0 {
		return fmt.Errorf("%w: histogram has no bins", ErrDegenerate)
	}
	if len(h.Edges) != len(h.Counts)+1 {
		return fmt.Errorf("%w: histogram has %d edges for %d bins", ErrInvalidInput, len(h.Edges), len(h.Counts))
	}
	for i := 1; i < len(h.Edges); i++ {
		if !(h.Edges[i] > h.Edges[i-1]) {
			return fmt.Errorf("%w: histogram edges not strictly increasing at %d", ErrInvalidInput, i)
		}
	}
	var total float64
	for i, c := range h.Counts {
		if c < 0 || math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("%w: histogram count %d is %v", ErrInvalidInput, i, c)
		}
		total += c
	}
	if total == 0 {
		return fmt.Errorf("%w: histogram is empty", ErrDegenerate)
	}
	return nil
}

// Centers returns the midpoint of every bin.
func (h Histogram) Centers() []float64 {
	out := make([]float64, len(h.Counts))
	for i := range out {
		out[i] = (h.Edges[i] + h.Edges[i+1]) / 2
	}
	return out
}

// Total returns the sum of all counts.
func (h Histogram) Total() float64 {
	var total float64
	for _, c := range h.Counts {
		total += c
	}
	return total
}

// MaxAbs returns the largest absolute edge of any bin with a non-zero count.
func (h Histogram) MaxAbs() float64 {
	var m float64
	for i, c := range h.Counts {
		if c <= 0 {
			continue
		}
		m = math.Max(m, math.Max(math.Abs(h.Edges[i]), math.Abs(h.Edges[i+1])))
	}
	return m
}

// Range returns the lower edge of the first and the upper edge of the last
// non-empty bin.
func (h Histogram) Range() (lo, hi float64) {
	first, last := -1, -1
	for i, c := range h.Counts {
		if c > 0 {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return 0, 0
	}
	return h.Edges[first], h.Edges[last+1]
}

// Stats is what the statistics collector hands to the activation search: a
// finalized histogram and the running min/max of the samples.
type Stats struct {
	Histogram Histogram `json:"histogram"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
}

// Signed reports whether any sample was strictly negative. Bin edges are not
// used: a collector widens a constant first batch around it, so a bin can
// straddle zero without holding a negative sample.
func (s Stats) Signed() bool {
	return s.Min < 0
}

// Validate checks the histogram and the min/max pair.
func (s Stats) Validate() error {
	if err := s.Histogram.Validate(); err != nil {
		return err
	}
	if math.IsNaN(s.Min) || math.IsNaN(s.Max) || s.Min > s.Max {
		return fmt.Errorf("%w: invalid min/max (%v, %v)", ErrInvalidInput, s.Min, s.Max)
	}
	return nil
}
