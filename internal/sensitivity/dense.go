// Package sensitivity scores weights configurations by running a chain of
// dense layers on representative inputs and comparing the output with the
// float model.
package sensitivity

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/ptq/pkg/ptq"
	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/similarity"
	"github.com/samcharles93/ptq/pkg/stats"
)

var ErrShape = errors.New("sensitivity: shape mismatch")

// Layer is y = act(x·Wᵀ + b) with W stored as [out, in].
type Layer struct {
	Name    string
	Weights quant.Tensor
	Bias    []float64
	ReLU    bool
}

// DenseChain is a ptq.Evaluator over a feed-forward chain of dense layers.
// It is safe for concurrent use.
type DenseChain struct {
	layers   []Layer
	inputs   *mat.Dense
	ref      []float64
	distance similarity.Distance
	p        float64
}

// NewDenseChain checks that consecutive layers fit together and computes the
// float reference output. Every row of inputs is one sample.
func NewDenseChain(layers []Layer, inputs [][]float64, d similarity.Distance, p float64) (*DenseChain, error) {
	if len(layers) == 0 || len(inputs) == 0 {
		return nil, fmt.Errorf("%w: need at least one layer and one input", ErrShape)
	}
	width := len(inputs[0])
	data := make([]float64, 0, len(inputs)*width)
	for i, row := range inputs {
		if len(row) != width {
			return nil, fmt.Errorf("%w: input %d has %d values, want %d", ErrShape, i, len(row), width)
		}
		data = append(data, row...)
	}
	if width == 0 {
		return nil, fmt.Errorf("%w: empty input rows", ErrShape)
	}
	for _, l := range layers {
		if len(l.Weights.Shape) != 2 || l.Weights.Shape[1] != width {
			return nil, fmt.Errorf("%w: layer %q weights %v do not take %d inputs", ErrShape, l.Name, l.Weights.Shape, width)
		}
		if err := l.Weights.Validate(); err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		width = l.Weights.Shape[0]
		if l.Bias != nil && len(l.Bias) != width {
			return nil, fmt.Errorf("%w: layer %q bias has %d values, want %d", ErrShape, l.Name, len(l.Bias), width)
		}
	}
	c := &DenseChain{
		layers:   layers,
		inputs:   mat.NewDense(len(inputs), len(inputs[0]), data),
		distance: d,
		p:        p,
	}
	c.ref = c.forward(nil, nil).RawMatrix().Data
	return c, nil
}

// forward runs the chain, replacing weights found in w. When visit is set it
// receives every layer's output.
func (c *DenseChain) forward(w map[string]quant.Tensor, visit func(name string, out *mat.Dense)) *mat.Dense {
	x := c.inputs
	for _, l := range c.layers {
		wt := l.Weights
		if q, ok := w[l.Name]; ok {
			wt = q
		}
		W := mat.NewDense(wt.Shape[0], wt.Shape[1], wt.Data)
		var y mat.Dense
		y.Mul(x, W.T())
		if l.Bias != nil || l.ReLU {
			y.Apply(func(_, j int, v float64) float64 {
				if l.Bias != nil {
					v += l.Bias[j]
				}
				if l.ReLU && v < 0 {
					return 0
				}
				return v
			}, &y)
		}
		if visit != nil {
			visit(l.Name, &y)
		}
		x = &y
	}
	return mat.DenseCopyOf(x)
}

// Score fake-quantizes the configured layers and returns the distance between
// the float output and the quantized output. Layers absent from conf keep
// their float weights.
func (c *DenseChain) Score(ctx context.Context, conf ptq.Configuration) (float64, error) {
	w := make(map[string]quant.Tensor, len(conf))
	for _, l := range c.layers {
		p, ok := conf[l.Name]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		q, err := p.Quantize(l.Weights)
		if err != nil {
			return 0, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		w[l.Name] = q
	}
	out := c.forward(w, nil).RawMatrix().Data
	return c.distance.Compute(c.ref, out, c.p)
}

// Calibrate collects activation statistics at every layer output of the float
// chain.
func (c *DenseChain) Calibrate(bins int) (map[string]quant.Stats, error) {
	set, err := stats.NewSet(bins)
	if err != nil {
		return nil, err
	}
	c.forward(nil, func(name string, out *mat.Dense) {
		r, cols := out.Dims()
		for i := range r {
			set.Update(name, mat.Row(make([]float64, cols), i, out))
		}
	})
	return set.Finalize(), nil
}

// Output returns a copy of the float reference output, row-major.
func (c *DenseChain) Output() []float64 {
	return append([]float64(nil), c.ref...)
}
