// Package qparams searches for the quantization parameters (threshold, range
// or codebook) that minimize a chosen error method for one tensor or one
// activation histogram.
//
// Search functions are selected through an explicit table keyed by the
// (scheme, error method) pair; see Lookup.
package qparams

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/similarity"
)

var (
	// ErrUnsupported is returned for a (scheme, error method) pair that has no
	// search function, before any data is touched.
	ErrUnsupported = errors.New("qparams: unsupported method combination")
	// ErrInvalidConfig reports a search configuration that cannot be used.
	ErrInvalidConfig = errors.New("qparams: invalid config")
	// ErrNotConverged marks a result whose optimizer hit its iteration budget.
	// The result is still the best value found and is safe to use.
	ErrNotConverged = errors.New("qparams: search did not converge")
)

// Default search settings.
const (
	DefaultMaxIterations = 200
	DefaultP             = 2.0
	DefaultKLBins        = 2048
	DefaultKMeansIters   = 100
)

// Config selects and tunes a parameter search.
type Config struct {
	Method      quant.Method
	ErrorMethod quant.ErrorMethod
	NBits       int
	PerChannel  bool
	// ChannelAxis may be negative to count from the last dimension.
	ChannelAxis int
	// P is the norm used by the LP error method.
	P            float64
	MinThreshold float64
	// MaxIterations bounds every optimizer run and every k-means run.
	MaxIterations int
	KLBins        int
}

// DefaultConfig returns an 8-bit symmetric MSE search.
func DefaultConfig() Config {
	return Config{
		Method:        quant.Symmetric,
		ErrorMethod:   quant.MSE,
		NBits:         8,
		ChannelAxis:   0,
		P:             DefaultP,
		MinThreshold:  quant.MinThreshold,
		MaxIterations: DefaultMaxIterations,
		KLBins:        DefaultKLBins,
	}
}

// WithDefaults fills zero-valued tuning fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.P == 0 {
		c.P = DefaultP
	}
	if c.MinThreshold == 0 {
		c.MinThreshold = quant.MinThreshold
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.KLBins == 0 {
		c.KLBins = DefaultKLBins
	}
	return c
}

// Validate checks the numeric settings. It does not consult the dispatch
// table; Lookup does that.
func (c Config) Validate() error {
	switch {
	case c.NBits < 1 || c.NBits > 32:
		return fmt.Errorf("%w: n_bits %d out of range [1, 32]", ErrInvalidConfig, c.NBits)
	case c.ErrorMethod == quant.LP && !(c.P > 0):
		return fmt.Errorf("%w: lp norm needs p > 0, got %v", ErrInvalidConfig, c.P)
	case c.MinThreshold < 0 || math.IsNaN(c.MinThreshold) || math.IsInf(c.MinThreshold, 0):
		return fmt.Errorf("%w: min threshold %v", ErrInvalidConfig, c.MinThreshold)
	case c.MaxIterations < 0:
		return fmt.Errorf("%w: max iterations %d", ErrInvalidConfig, c.MaxIterations)
	case c.KLBins < 0 || c.KLBins == 1:
		return fmt.Errorf("%w: kl bins %d", ErrInvalidConfig, c.KLBins)
	}
	return nil
}

// Result is the outcome of one search.
type Result struct {
	Params quant.Params `json:"params"`
	// Converged is false when any optimizer run stopped on its budget.
	Converged bool `json:"converged"`
	// Clamped lists channels whose max was below the threshold floor and were
	// set to the floor without searching.
	Clamped []int `json:"clamped,omitempty"`
	// Fallbacks lists channels whose search failed and kept the initial value.
	Fallbacks []int `json:"fallbacks,omitempty"`
}

// Warning returns ErrNotConverged (wrapped with detail) for a result that is
// usable but not ideal, or nil.
func (r Result) Warning() error {
	if r.Converged && len(r.Fallbacks) == 0 {
		return nil
	}
	if len(r.Fallbacks) > 0 {
		return fmt.Errorf("%w: %d channel(s) fell back to the initial value", ErrNotConverged, len(r.Fallbacks))
	}
	return ErrNotConverged
}

// errorFunc scores a candidate against its reference.
type errorFunc func(ref, cand []float64) float64

// pointError returns the element-wise error for the threshold searches: the
// mean of |diff|^p, with p fixed by the error method.
func pointError(c Config) errorFunc {
	p := c.P
	switch c.ErrorMethod {
	case quant.MSE:
		p = 2
	case quant.MAE:
		p = 1
	}
	return func(ref, cand []float64) float64 {
		v, err := similarity.LpNorm(ref, cand, p, false)
		if err != nil {
			return math.Inf(1)
		}
		return v
	}
}

// histogramError is the count-weighted version of pointError over bin centers.
func histogramError(c Config, counts []float64) errorFunc {
	p := c.P
	switch c.ErrorMethod {
	case quant.MSE:
		p = 2
	case quant.MAE:
		p = 1
	}
	return func(ref, cand []float64) float64 {
		var sum, total float64
		for i, r := range ref {
			d := math.Abs(r - cand[i])
			switch p {
			case 1:
			case 2:
				d *= d
			default:
				d = math.Pow(d, p)
			}
			sum += counts[i] * d
			total += counts[i]
		}
		if total == 0 {
			return 0
		}
		return sum / total
	}
}
