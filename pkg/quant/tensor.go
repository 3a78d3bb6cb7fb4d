package quant

import (
	"fmt"
	"math"
	"slices"
)

// Tensor is a dense row-major array of float64 values.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor validates that data holds exactly prod(shape) elements.
func NewTensor(shape []int, data []float64) (Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	if n != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v needs %d elements, got %d", ErrInvalidInput, shape, n, len(data))
	}
	return Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Vector wraps a flat slice as a 1-D tensor.
func Vector(data []float64) Tensor {
	return Tensor{Shape: []int{len(data)}, Data: data}
}

// NumElements multiplies out a shape, rejecting non-positive dims and overflow.
func NumElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrInvalidInput)
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: invalid dim %d", ErrInvalidInput, d)
		}
		if n > math.MaxInt/d {
			return 0, fmt.Errorf("%w: tensor too large", ErrInvalidInput)
		}
		n *= d
	}
	return n, nil
}

func (t Tensor) Len() int { return len(t.Data) }

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// SameShape reports whether two tensors have identical shapes.
func (t Tensor) SameShape(o Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Validate checks that the data matches the shape and that the tensor has at
// least one finite value. NaN values are rejected.
func (t Tensor) Validate() error {
	n, err := NumElements(t.Shape)
	if err != nil {
		return err
	}
	if n != len(t.Data) {
		return fmt.Errorf("%w: shape %v needs %d elements, got %d", ErrInvalidInput, t.Shape, n, len(t.Data))
	}
	finite := 0
	for _, v := range t.Data {
		if math.IsNaN(v) {
			return fmt.Errorf("%w: tensor contains NaN", ErrDegenerate)
		}
		if !math.IsInf(v, 0) {
			finite++
		}
	}
	if finite == 0 {
		return fmt.Errorf("%w: tensor has no finite values", ErrDegenerate)
	}
	return nil
}

// NormalizeAxis resolves a possibly negative axis against the tensor rank.
func (t Tensor) NormalizeAxis(axis int) (int, error) {
	rank := len(t.Shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("%w: channel axis %d out of range for rank %d", ErrInvalidInput, axis, len(t.Shape))
	}
	return axis, nil
}

// channelOf returns a function mapping a flat index to its channel along axis.
func (t Tensor) channelOf(axis int) (func(i int) int, int) {
	stride := 1
	for _, d := range t.Shape[axis+1:] {
		stride *= d
	}
	n := t.Shape[axis]
	return func(i int) int { return (i / stride) % n }, n
}

// Channels splits the tensor into one flat slice per index of axis.
func (t Tensor) Channels(axis int) ([][]float64, error) {
	axis, err := t.NormalizeAxis(axis)
	if err != nil {
		return nil, err
	}
	chanOf, n := t.channelOf(axis)
	per := len(t.Data) / n
	out := make([][]float64, n)
	for c := range out {
		out[c] = make([]float64, 0, per)
	}
	for i, v := range t.Data {
		c := chanOf(i)
		out[c] = append(out[c], v)
	}
	return out, nil
}

// MapChannels applies fn to the values of every channel along axis and writes
// the result into a tensor of the same shape. fn receives the channel index
// and must return a slice of the same length as its input.
func (t Tensor) MapChannels(axis int, fn func(c int, values []float64) []float64) (Tensor, error) {
	chans, err := t.Channels(axis)
	if err != nil {
		return Tensor{}, err
	}
	mapped := make([][]float64, len(chans))
	for c, vals := range chans {
		mapped[c] = fn(c, vals)
		if len(mapped[c]) != len(vals) {
			return Tensor{}, fmt.Errorf("%w: channel %d mapped to %d values, want %d", ErrInvalidInput, c, len(mapped[c]), len(vals))
		}
	}
	axis, _ = t.NormalizeAxis(axis)
	chanOf, n := t.channelOf(axis)
	cursor := make([]int, n)
	out := Tensor{Shape: slices.Clone(t.Shape), Data: make([]float64, len(t.Data))}
	for i := range t.Data {
		c := chanOf(i)
		out.Data[i] = mapped[c][cursor[c]]
		cursor[c]++
	}
	return out, nil
}

// MaxAbs returns the largest finite absolute value.
func MaxAbs(x []float64) float64 {
	var m float64
	for _, v := range x {
		if a := math.Abs(v); a > m && !math.IsInf(a, 0) && !math.IsNaN(a) {
			m = a
		}
	}
	return m
}

// MinMax returns the smallest and largest finite values. ok is false when the
// slice has no finite value.
func MinMax(x []float64) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		ok = true
	}
	return lo, hi, ok
}

// HasNegative reports whether any value is strictly negative. It decides the
// signedness of a quantization grid.
func HasNegative(x []float64) bool {
	for _, v := range x {
		if v < 0 {
			return true
		}
	}
	return false
}
