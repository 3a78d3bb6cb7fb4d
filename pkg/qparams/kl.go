package qparams

import (
	"context"
	"math"

	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/similarity"
)

// minKLBins is the smallest histogram built from a weights channel.
const minKLBins = 64

type klGroup struct {
	mass        float64
	support     []int
	nearest     int
	nearestDist float64
}

// klError returns KL(P||Q) between a histogram P and its quantized version Q.
// Bins are grouped by the level their center quantizes to. Each group's mass
// is spread evenly over its populated bins inside [lo, hi]; a group with no
// such bin puts all its mass on the bin closest to the level. Mass clipped
// outside the range therefore lands on bins P does not hold it in.
func klError(centers, counts []float64, lo, hi float64, levels []float64) float64 {
	groups := make(map[float64]*klGroup)
	for i, c := range centers {
		lvl := levels[i]
		g, ok := groups[lvl]
		if !ok {
			g = &klGroup{nearest: -1}
			groups[lvl] = g
		}
		g.mass += counts[i]
		if counts[i] > 0 && c >= lo && c <= hi {
			g.support = append(g.support, i)
		}
		if d := math.Abs(c - lvl); g.nearest < 0 || d < g.nearestDist {
			g.nearest, g.nearestDist = i, d
		}
	}
	q := make([]float64, len(counts))
	for _, g := range groups {
		if g.mass == 0 {
			continue
		}
		if len(g.support) == 0 {
			q[g.nearest] += g.mass
			continue
		}
		share := g.mass / float64(len(g.support))
		for _, i := range g.support {
			q[i] += share
		}
	}
	return similarity.Divergence(counts, q)
}

// histogramOf bins the finite values of x into at most maxBins equal bins.
func histogramOf(x []float64, maxBins int) quant.Histogram {
	bins := min(maxBins, max(minKLBins, len(x)))
	lo, hi, ok := quant.MinMax(x)
	if !ok {
		lo, hi = 0, 0
	}
	if hi == lo {
		w := math.Max(math.Abs(lo), 1) * 1e-3
		lo, hi = lo-w, hi+w
	}
	h := quant.Histogram{Edges: make([]float64, bins+1), Counts: make([]float64, bins)}
	width := (hi - lo) / float64(bins)
	for i := range h.Edges {
		h.Edges[i] = lo + float64(i)*width
	}
	h.Edges[bins] = hi
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		idx := min(bins-1, max(0, int((v-lo)/width)))
		h.Counts[idx]++
	}
	return h
}

// klSearch searches the histogram for the threshold or range with the
// smallest KL error. signed is decided by the caller.
func klSearch(h quant.Histogram, cfg Config, signed bool) outcome {
	centers := h.Centers()
	levels := make([]float64, len(centers))
	if cfg.Method == quant.Uniform {
		lo, hi := h.Range()
		return searchRange(lo, hi, cfg, func(lo, hi float64) float64 {
			quant.QuantizeUniform(levels, centers, lo, hi, cfg.NBits)
			return klError(centers, h.Counts, lo, hi, levels)
		})
	}
	return searchThreshold(h.MaxAbs(), cfg, func(th float64) float64 {
		quant.QuantizeSymmetric(levels, centers, th, cfg.NBits, signed)
		lo := 0.0
		if signed {
			lo = -th
		}
		return klError(centers, h.Counts, lo, th, levels)
	})
}

func klSearchWeights(ctx context.Context, t quant.Tensor, cfg Config) (Result, error) {
	return runChannels(ctx, t, cfg, func(values []float64, signed bool) outcome {
		if cfg.Method != quant.Uniform && quant.MaxAbs(values) < cfg.MinThreshold {
			return outcome{v: [2]float64{cfg.MinThreshold}, converged: true, clamped: true}
		}
		return klSearch(histogramOf(values, cfg.KLBins), cfg, signed)
	})
}

func klSearchActivation(ctx context.Context, s quant.Stats, cfg Config) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	signed := s.Signed()
	res := Result{Params: baseParams(cfg, signed), Converged: true}
	res.Params.PerChannel = false
	res.add(0, cfg.Method, klSearch(s.Histogram, cfg, signed))
	return res, nil
}
