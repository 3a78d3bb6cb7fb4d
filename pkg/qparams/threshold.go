package qparams

import (
	"context"
	"math"

	"github.com/samcharles93/ptq/pkg/quant"
)

// outcome is the search result for one channel. Symmetric schemes use only
// v[0]; uniform uses v[0] as the range minimum and v[1] as the maximum.
type outcome struct {
	v         [2]float64
	converged bool
	clamped   bool
	fallback  bool
}

func baseParams(cfg Config, signed bool) quant.Params {
	return quant.Params{
		Method:      cfg.Method,
		NBits:       cfg.NBits,
		Signed:      signed,
		PerChannel:  cfg.PerChannel,
		ChannelAxis: cfg.ChannelAxis,
	}
}

// runChannels applies fn to every channel of t, or once to the whole tensor
// when per-channel mode is off, and assembles the params. Signedness is
// decided once from the whole tensor.
func runChannels(ctx context.Context, t quant.Tensor, cfg Config, fn func(values []float64, signed bool) outcome) (Result, error) {
	chans := [][]float64{t.Data}
	if cfg.PerChannel {
		var err error
		if chans, err = t.Channels(cfg.ChannelAxis); err != nil {
			return Result{}, err
		}
	}
	signed := quant.HasNegative(t.Data)
	res := Result{Params: baseParams(cfg, signed), Converged: true}
	for c, values := range chans {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		o := fn(values, signed)
		res.add(c, cfg.Method, o)
	}
	return res, nil
}

func (r *Result) add(c int, m quant.Method, o outcome) {
	if m == quant.Uniform {
		r.Params.RangeMin = append(r.Params.RangeMin, o.v[0])
		r.Params.RangeMax = append(r.Params.RangeMax, o.v[1])
	} else {
		r.Params.Threshold = append(r.Params.Threshold, o.v[0])
	}
	if !o.converged {
		r.Converged = false
	}
	if o.clamped {
		r.Clamped = append(r.Clamped, c)
	}
	if o.fallback {
		r.Fallbacks = append(r.Fallbacks, c)
	}
}

// initThreshold is the no-clipping threshold: the largest magnitude, floored.
func initThreshold(maxAbs, floor float64) float64 {
	return math.Max(floor, maxAbs)
}

// initRange is the no-clipping range. It always contains zero and is at least
// floor wide.
func initRange(lo, hi, floor float64) (float64, float64) {
	lo, hi = math.Min(lo, 0), math.Max(hi, 0)
	if hi-lo < floor {
		hi = lo + floor
	}
	return lo, hi
}

// uniformRange keeps a candidate range valid and places zero on the grid.
func uniformRange(lo, hi float64, cfg Config) (float64, float64) {
	if hi-lo < cfg.MinThreshold {
		hi = lo + cfg.MinThreshold
	}
	return quant.FixRangeToIncludeZero(lo, hi, cfg.NBits)
}

// searchThreshold minimizes obj over [floor, 4*init]. Values whose magnitude is
// below the floor are not searched.
func searchThreshold(maxAbs float64, cfg Config, obj func(th float64) float64) outcome {
	floor := cfg.MinThreshold
	if maxAbs < floor {
		return outcome{v: [2]float64{floor}, converged: true, clamped: true}
	}
	init := initThreshold(maxAbs, floor)
	lo, hi := floor, 4*init
	r, err := minimize1D(obj, init, lo, hi, cfg.MaxIterations)
	if err != nil {
		return outcome{v: [2]float64{snapThreshold(cfg, obj, init, init, lo, hi)}, fallback: true}
	}
	return outcome{v: [2]float64{snapThreshold(cfg, obj, r.x[0], init, lo, hi)}, converged: r.converged}
}

// snapThreshold returns th unchanged for symmetric schemes. For power-of-two it
// picks the best power of two among the neighbours of th and the rounded-up
// initial threshold, preferring the smaller one on ties.
func snapThreshold(cfg Config, obj func(float64) float64, th, init, lo, hi float64) float64 {
	if cfg.Method != quant.PowerOfTwo {
		return th
	}
	candidates := []float64{quant.PowerOfTwoFloor(th), quant.PowerOfTwoCeil(th), quant.PowerOfTwoCeil(init)}
	best, bestF := 0.0, math.Inf(1)
	for _, c := range candidates {
		if c < lo || c > hi {
			continue
		}
		f := obj(c)
		if f < bestF || (f == bestF && c < best) {
			best, bestF = c, f
		}
	}
	if best == 0 {
		return quant.PowerOfTwoCeil(lo)
	}
	return best
}

// searchRange minimizes obj over ranges around the no-clipping range. Each
// end may move out to four times its initial distance from zero.
func searchRange(lo0, hi0 float64, cfg Config, obj func(lo, hi float64) float64) outcome {
	lo0, hi0 = initRange(lo0, hi0, cfg.MinThreshold)
	fixed := func(x []float64) (float64, float64) { return uniformRange(x[0], x[1], cfg) }
	b := box{lo: []float64{4 * lo0, 0}, hi: []float64{0, 4 * hi0}}
	r, err := minimize(func(x []float64) float64 {
		return obj(fixed(x))
	}, []float64{lo0, hi0}, b, cfg.MaxIterations)
	if err != nil {
		lo, hi := uniformRange(lo0, hi0, cfg)
		return outcome{v: [2]float64{lo, hi}, fallback: true}
	}
	lo, hi := fixed(r.x)
	return outcome{v: [2]float64{lo, hi}, converged: r.converged}
}

func noClippingWeights(ctx context.Context, t quant.Tensor, cfg Config) (Result, error) {
	return runChannels(ctx, t, cfg, func(values []float64, _ bool) outcome {
		if cfg.Method == quant.Uniform {
			lo, hi, _ := quant.MinMax(values)
			return outcome{v: [2]float64{lo, hi}, converged: true}
		}
		m := quant.MaxAbs(values)
		return outcome{v: [2]float64{initThreshold(m, cfg.MinThreshold)}, converged: true, clamped: m < cfg.MinThreshold}
	})
}

func errorSearchWeights(ctx context.Context, t quant.Tensor, cfg Config) (Result, error) {
	errFn := pointError(cfg)
	return runChannels(ctx, t, cfg, func(values []float64, signed bool) outcome {
		buf := make([]float64, len(values))
		if cfg.Method == quant.Uniform {
			lo, hi, _ := quant.MinMax(values)
			return searchRange(lo, hi, cfg, func(lo, hi float64) float64 {
				quant.QuantizeUniform(buf, values, lo, hi, cfg.NBits)
				return errFn(values, buf)
			})
		}
		return searchThreshold(quant.MaxAbs(values), cfg, func(th float64) float64 {
			quant.QuantizeSymmetric(buf, values, th, cfg.NBits, signed)
			return errFn(values, buf)
		})
	})
}

func noClippingActivation(_ context.Context, s quant.Stats, cfg Config) (Result, error) {
	res := Result{Params: baseParams(cfg, s.Signed()), Converged: true}
	res.Params.PerChannel = false
	if cfg.Method == quant.Uniform {
		res.add(0, cfg.Method, outcome{v: [2]float64{s.Min, s.Max}, converged: true})
		return res, nil
	}
	m := math.Max(math.Abs(s.Min), math.Abs(s.Max))
	res.add(0, cfg.Method, outcome{v: [2]float64{initThreshold(m, cfg.MinThreshold)}, converged: true, clamped: m < cfg.MinThreshold})
	return res, nil
}

func errorSearchActivation(ctx context.Context, s quant.Stats, cfg Config) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	h := s.Histogram
	signed := s.Signed()
	centers := h.Centers()
	buf := make([]float64, len(centers))
	errFn := histogramError(cfg, h.Counts)

	res := Result{Params: baseParams(cfg, signed), Converged: true}
	res.Params.PerChannel = false
	var o outcome
	if cfg.Method == quant.Uniform {
		lo, hi := h.Range()
		o = searchRange(lo, hi, cfg, func(lo, hi float64) float64 {
			quant.QuantizeUniform(buf, centers, lo, hi, cfg.NBits)
			return errFn(centers, buf)
		})
	} else {
		o = searchThreshold(h.MaxAbs(), cfg, func(th float64) float64 {
			quant.QuantizeSymmetric(buf, centers, th, cfg.NBits, signed)
			return errFn(centers, buf)
		})
	}
	res.add(0, cfg.Method, o)
	return res, nil
}
