package quant

import (
	"fmt"
	"slices"
)

// LUTMultiplierBits is the precision of the fixed-point multipliers stored in a
// lookup-table codebook.
const LUTMultiplierBits = 8

// Params are the quantization parameters found by the search engine for one
// tensor. Which fields are set depends on Method:
//
//   - PowerOfTwo, Symmetric: Threshold (one value, or one per channel)
//   - Uniform: RangeMin and RangeMax
//   - KMeans: Centers and Assignments
//   - LUT: Centers, Scale (one per channel) and Assignments
type Params struct {
	Method      Method    `json:"method"`
	NBits       int       `json:"n_bits"`
	Signed      bool      `json:"signed"`
	PerChannel  bool      `json:"per_channel"`
	ChannelAxis int       `json:"channel_axis"`
	Threshold   []float64 `json:"threshold,omitempty"`
	RangeMin    []float64 `json:"range_min,omitempty"`
	RangeMax    []float64 `json:"range_max,omitempty"`
	Centers     []float64 `json:"centers,omitempty"`
	Scale       []float64 `json:"scale,omitempty"`
	Assignments []int     `json:"assignments,omitempty"`
}

// Name implements Scheme.
func (p Params) Name() string {
	return fmt.Sprintf("%s/%dbit", p.Method, p.NBits)
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	out := p
	out.Threshold = slices.Clone(p.Threshold)
	out.RangeMin = slices.Clone(p.RangeMin)
	out.RangeMax = slices.Clone(p.RangeMax)
	out.Centers = slices.Clone(p.Centers)
	out.Scale = slices.Clone(p.Scale)
	out.Assignments = slices.Clone(p.Assignments)
	return out
}

// Channels returns how many per-channel entries the params carry.
func (p Params) Channels() int {
	switch p.Method {
	case Uniform:
		return len(p.RangeMin)
	case LUT:
		return len(p.Scale)
	case KMeans:
		return 1
	default:
		return len(p.Threshold)
	}
}

// Quantize implements Scheme: it returns t fake-quantized with these params.
// Clustering params are re-applied by nearest center so they work on any
// tensor, not only the one they were trained on.
func (p Params) Quantize(t Tensor) (Tensor, error) {
	if p.NBits <= 0 {
		return Tensor{}, fmt.Errorf("%w: n_bits %d", ErrInvalidInput, p.NBits)
	}
	if p.Method == KMeans {
		if len(p.Centers) == 0 {
			return Tensor{}, fmt.Errorf("%w: kmeans params without centers", ErrInvalidInput)
		}
		out := Tensor{Shape: slices.Clone(t.Shape), Data: make([]float64, len(t.Data))}
		QuantizeCodebook(out.Data, t.Data, p.Centers)
		return out, nil
	}

	n := p.Channels()
	if n == 0 {
		return Tensor{}, fmt.Errorf("%w: %s params are empty", ErrInvalidInput, p.Method)
	}
	if !p.PerChannel || n == 1 {
		out := Tensor{Shape: slices.Clone(t.Shape), Data: make([]float64, len(t.Data))}
		p.quantizeChannel(out.Data, t.Data, 0)
		return out, nil
	}
	return t.MapChannels(p.ChannelAxis, func(c int, values []float64) []float64 {
		dst := make([]float64, len(values))
		p.quantizeChannel(dst, values, min(c, n-1))
		return dst
	})
}

func (p Params) quantizeChannel(dst, x []float64, c int) {
	switch p.Method {
	case PowerOfTwo, Symmetric:
		QuantizeSymmetric(dst, x, p.Threshold[c], p.NBits, p.Signed)
	case Uniform:
		lo, hi := FixRangeToIncludeZero(p.RangeMin[c], p.RangeMax[c], p.NBits)
		QuantizeUniform(dst, x, lo, hi, p.NBits)
	case LUT:
		scale := p.Scale[c]
		for i, v := range x {
			if scale == 0 {
				dst[i] = 0
				continue
			}
			dst[i] = p.Centers[NearestCenter(v/scale, p.Centers)] * scale
		}
	}
}
