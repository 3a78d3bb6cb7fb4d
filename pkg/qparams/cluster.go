package qparams

import (
	"context"
	"math"
	"slices"

	"github.com/samcharles93/ptq/pkg/quant"
)

// kmeans clusters the finite values of x into at most k centers. Centers start
// at evenly spaced quantiles of the distinct values, so the result is
// deterministic and sorted ascending. Ties in assignment go to the lower index
// and an empty cluster keeps its previous center.
func kmeans(ctx context.Context, x []float64, k, maxIter int) (centers []float64, converged bool, err error) {
	distinct := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			distinct = append(distinct, v)
		}
	}
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)
	if len(distinct) == 0 {
		return nil, false, quant.ErrDegenerate
	}

	k = min(k, len(distinct))
	centers = make([]float64, k)
	if k == 1 {
		centers[0] = distinct[len(distinct)/2]
	} else {
		for j := range centers {
			centers[j] = distinct[j*(len(distinct)-1)/(k-1)]
		}
	}
	if k == len(distinct) {
		return centers, true, nil
	}

	assign := make([]int, len(x))
	for i := range assign {
		assign[i] = -1
	}
	sums := make([]float64, k)
	counts := make([]int, k)
	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		changed := false
		for i, v := range x {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			if j := quant.NearestCenter(v, centers); j != assign[i] {
				assign[i] = j
				changed = true
			}
		}
		if !changed {
			return centers, true, nil
		}

		clear(sums)
		clear(counts)
		for i, j := range assign {
			if j < 0 {
				continue
			}
			sums[j] += x[i]
			counts[j]++
		}
		for j := range centers {
			if counts[j] > 0 {
				centers[j] = sums[j] / float64(counts[j])
			}
		}
	}
	return centers, false, nil
}

func assignments(x, centers []float64) []int {
	out := make([]int, len(x))
	for i, v := range x {
		out[i] = quant.NearestCenter(v, centers)
	}
	return out
}

func kmeansWeights(ctx context.Context, t quant.Tensor, cfg Config) (Result, error) {
	k := 1 << min(cfg.NBits, 16)
	centers, conv, err := kmeans(ctx, t.Data, k, cfg.MaxIterations)
	if err != nil {
		return Result{}, err
	}
	p := baseParams(cfg, quant.HasNegative(t.Data))
	p.PerChannel = false
	p.Centers = centers
	p.Assignments = assignments(t.Data, centers)
	return Result{Params: p, Converged: conv}, nil
}

// lutWeights clusters values normalized by a per-channel power-of-two scale,
// then snaps the centers onto a signed LUTMultiplierBits grid. The stored
// centers are the integer multipliers and Scale maps them back to values.
func lutWeights(ctx context.Context, t quant.Tensor, cfg Config) (Result, error) {
	chans := [][]float64{t.Data}
	if cfg.PerChannel {
		var err error
		if chans, err = t.Channels(cfg.ChannelAxis); err != nil {
			return Result{}, err
		}
	}

	half := math.Exp2(quant.LUTMultiplierBits - 1)
	res := Result{Params: baseParams(cfg, quant.HasNegative(t.Data)), Converged: true}
	scales := make([]float64, len(chans))
	for c, values := range chans {
		m := quant.MaxAbs(values)
		if m < cfg.MinThreshold {
			m = cfg.MinThreshold
			res.Clamped = append(res.Clamped, c)
		}
		scales[c] = quant.PowerOfTwoCeil(m)
	}

	var normalized []float64
	if cfg.PerChannel {
		nt, err := t.MapChannels(cfg.ChannelAxis, func(c int, values []float64) []float64 {
			out := make([]float64, len(values))
			for i, v := range values {
				out[i] = v / scales[c] * half
			}
			return out
		})
		if err != nil {
			return Result{}, err
		}
		normalized = nt.Data
	} else {
		normalized = make([]float64, len(t.Data))
		for i, v := range t.Data {
			normalized[i] = v / scales[0] * half
		}
	}

	k := 1 << min(cfg.NBits, 16)
	centers, conv, err := kmeans(ctx, normalized, k, cfg.MaxIterations)
	if err != nil {
		return Result{}, err
	}
	for j, c := range centers {
		centers[j] = math.Max(-half, math.Min(half-1, math.Round(c)))
	}
	slices.Sort(centers)
	centers = slices.Compact(centers)

	res.Converged = conv
	res.Params.Centers = centers
	res.Params.Scale = make([]float64, len(scales))
	for c, s := range scales {
		res.Params.Scale[c] = s / half
	}
	res.Params.Assignments = assignments(normalized, centers)
	return res, nil
}
