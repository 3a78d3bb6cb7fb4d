package qparams

import (
	"math"

	"gonum.org/v1/gonum/optimize"
)

// outOfBoundsPenalty scales the distance outside the box so the simplex is
// pushed back in without ever evaluating the objective there.
const outOfBoundsPenalty = 1e6

// box is the closed search region of a bounded minimization.
type box struct {
	lo, hi []float64
}

func (b box) clamp(x []float64) ([]float64, float64) {
	out := make([]float64, len(x))
	var dist float64
	for i, v := range x {
		switch {
		case v < b.lo[i]:
			out[i], dist = b.lo[i], dist+b.lo[i]-v
		case v > b.hi[i]:
			out[i], dist = b.hi[i], dist+v-b.hi[i]
		default:
			out[i] = v
		}
	}
	return out, dist
}

type searchResult struct {
	x         []float64
	f         float64
	converged bool
}

// minimize runs a bounded Nelder-Mead search of obj starting from x0. The best
// in-bounds point ever evaluated is returned, so the result is never worse than
// x0 (clamped into the box).
func minimize(obj func(x []float64) float64, x0 []float64, b box, maxIter int) (searchResult, error) {
	start, _ := b.clamp(x0)
	best := searchResult{x: start, f: obj(start)}
	if math.IsNaN(best.f) {
		best.f = math.MaxFloat64
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			in, dist := b.clamp(x)
			f := obj(in)
			if math.IsNaN(f) {
				f = math.MaxFloat64
			}
			if f < best.f {
				best.x, best.f = in, f
			}
			if dist > 0 {
				return f + outOfBoundsPenalty*dist*(1+math.Abs(f))
			}
			return f
		},
	}

	step := 0.0
	for i := range start {
		step = math.Max(step, 0.1*(b.hi[i]-b.lo[i]))
	}
	if step == 0 {
		// Nothing to search: the box is a single point.
		best.converged = true
		return best, nil
	}
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		FuncEvaluations: 4 * maxIter * (len(start) + 1),
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-14,
			Relative:   1e-10,
			Iterations: 20,
		},
	}
	res, err := optimize.Minimize(problem, start, settings, &optimize.NelderMead{SimplexSize: step})
	if res != nil {
		best.converged = converged(res.Status)
	}
	if err != nil && res == nil {
		return best, err
	}
	return best, nil
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.IterationLimit, optimize.FunctionEvaluationLimit, optimize.RuntimeLimit, optimize.Failure:
		return false
	}
	return true
}

// minimize1D is minimize for a scalar over [lo, hi].
func minimize1D(obj func(float64) float64, x0, lo, hi float64, maxIter int) (searchResult, error) {
	return minimize(func(x []float64) float64 { return obj(x[0]) }, []float64{x0}, box{lo: []float64{lo}, hi: []float64{hi}}, maxIter)
}
