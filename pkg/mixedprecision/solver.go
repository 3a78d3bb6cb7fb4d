package mixedprecision

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/samcharles93/ptq/internal/logger"
)

// Result is the outcome of Solve.
type Result struct {
	Assignment  []int   `json:"assignment"`
	Bits        []int   `json:"bits"`
	Sensitivity float64 `json:"sensitivity"`
	Cost        float64 `json:"cost"`
	// Budget is nil for an unconstrained problem.
	Budget *float64 `json:"budget,omitempty"`
	// Optimal is false when a cutoff stopped the search early.
	Optimal  bool     `json:"optimal"`
	Counters Counters `json:"counters"`
}

// solution is a complete assignment with its totals.
type solution struct {
	assign []int
	sens   float64
	cost   float64
}

// better orders solutions by sensitivity, then by cost.
func (s solution) better(o solution) bool {
	if s.sens != o.sens {
		return s.sens < o.sens
	}
	return s.cost < o.cost
}

// Solve picks the assignment with the smallest total sensitivity whose cost
// fits the budget, preferring the cheaper one on ties. It moves Scored to
// Solved. With a single candidate per node it returns that candidate without
// running the solver and may be called while still Unassigned.
//
// When a cutoff (iterations, Timeout or ctx) stops the search, the best
// feasible assignment found is still installed and returned together with an
// error wrapping ErrSearchIncomplete.
func (a *Allocator) Solve(ctx context.Context) (Result, error) {
	log := logger.FromContext(ctx)

	if a.singleChoice() && (a.state == Unassigned || a.state == Scored) {
		if err := a.checkFeasible(); err != nil {
			return Result{}, err
		}
		clear(a.assignment)
		a.state = Solved
		log.Debug("single candidate per node, solver skipped", "nodes", len(a.nodes))
		return a.result(true), nil
	}
	if a.state != Scored {
		return Result{}, fmt.Errorf("%w: cannot solve in state %s", ErrInvalidState, a.state)
	}
	if err := a.checkFeasible(); err != nil {
		return Result{}, err
	}

	a.counters.SolverInvocations++
	start := time.Now()
	sol, complete := a.search(ctx)
	copy(a.assignment, sol.assign)
	a.state = Solved

	res := a.result(complete)
	log.Info("bit-width allocation solved",
		"nodes", len(a.nodes),
		"sensitivity", res.Sensitivity,
		"cost", res.Cost,
		"budget", a.budget,
		"expanded", a.counters.Expanded,
		"optimal", complete,
		"elapsed", time.Since(start),
	)
	if !complete {
		return res, fmt.Errorf("%w after %d states", ErrSearchIncomplete, a.counters.Expanded)
	}
	return res, nil
}

func (a *Allocator) result(optimal bool) Result {
	var sens float64
	if a.sensitivity != nil {
		for i, j := range a.assignment {
			sens += a.sensitivity[i][j]
		}
	}
	res := Result{
		Assignment:  a.Assignment(),
		Bits:        a.Bits(),
		Sensitivity: sens,
		Cost:        a.Cost(a.assignment),
		Optimal:     optimal,
		Counters:    a.counters,
	}
	if !math.IsInf(a.budget, 1) {
		b := a.budget
		res.Budget = &b
	}
	return res
}

func (a *Allocator) evaluate(assign []int) solution {
	s := solution{assign: slices.Clone(assign)}
	for i, j := range assign {
		s.sens += a.sensitivity[i][j]
		s.cost += a.nodes[i].Candidates[j].Cost
	}
	return s
}

// unconstrained picks, per node, the lowest sensitivity and then the lowest
// cost. It is optimal whenever it fits the budget.
func (a *Allocator) unconstrained() []int {
	assign := make([]int, len(a.nodes))
	for i, n := range a.nodes {
		best := 0
		for j := 1; j < len(n.Candidates); j++ {
			s, bs := a.sensitivity[i][j], a.sensitivity[i][best]
			if s < bs || (s == bs && n.Candidates[j].Cost < n.Candidates[best].Cost) {
				best = j
			}
		}
		assign[i] = best
	}
	return assign
}

// greedy starts from the unconstrained optimum and repeatedly applies the
// single-node move that saves cost with the smallest sensitivity increase per
// unit saved, until the budget is met.
func (a *Allocator) greedy() (solution, bool) {
	assign := a.unconstrained()
	cost := a.Cost(assign)
	for cost > a.budget {
		bestI, bestJ := -1, -1
		bestRate := math.Inf(1)
		for i, n := range a.nodes {
			cur := n.Candidates[assign[i]]
			for j, c := range n.Candidates {
				saved := cur.Cost - c.Cost
				if saved <= 0 {
					continue
				}
				rate := (a.sensitivity[i][j] - a.sensitivity[i][assign[i]]) / saved
				if rate < bestRate {
					bestI, bestJ, bestRate = i, j, rate
				}
			}
		}
		if bestI < 0 {
			return solution{}, false
		}
		assign[bestI] = bestJ
		cost = a.Cost(assign)
	}
	return a.evaluate(assign), true
}

func (a *Allocator) cheapest() solution {
	assign := make([]int, len(a.nodes))
	for i, n := range a.nodes {
		for j, c := range n.Candidates {
			if c.Cost < n.Candidates[assign[i]].Cost {
				assign[i] = j
			}
		}
	}
	return a.evaluate(assign)
}

// state is a partial assignment of the first depth nodes.
type state struct {
	assign []int
	depth  int
	sens   float64
	cost   float64
	// bound and costBound are admissible lower bounds over completions.
	bound     float64
	costBound float64
}

func compareStates(x, y *state) int {
	if c := cmp.Compare(x.bound, y.bound); c != 0 {
		return c
	}
	if c := cmp.Compare(x.costBound, y.costBound); c != 0 {
		return c
	}
	return cmp.Compare(y.depth, x.depth)
}

// search runs best-first branch and bound over nodes in order. The queue is
// ordered by (sensitivity bound, cost bound), so the first complete state
// popped is optimal including the cost tie-break.
func (a *Allocator) search(ctx context.Context) (solution, bool) {
	n := len(a.nodes)
	if n == 0 {
		return solution{}, true
	}

	if unc := a.evaluate(a.unconstrained()); unc.cost <= a.budget {
		return unc, true
	}

	incumbent, ok := a.greedy()
	if !ok {
		incumbent = a.cheapest()
	}

	// per-node minima
	minSens := make([]float64, n)
	minCost := make([]float64, n)
	for i, node := range a.nodes {
		minSens[i], minCost[i] = math.Inf(1), math.Inf(1)
		for j, c := range node.Candidates {
			minSens[i] = math.Min(minSens[i], a.sensitivity[i][j])
			minCost[i] = math.Min(minCost[i], c.Cost)
		}
	}
	// Bounds are summed front to back like evaluate. Rounding is monotone, so
	// a bound never exceeds the evaluated total of any completion and equals
	// it for a complete state.
	withBounds := func(s *state) *state {
		s.bound, s.costBound = s.sens, s.cost
		for k := s.depth; k < n; k++ {
			s.bound += minSens[k]
			s.costBound += minCost[k]
		}
		return s
	}

	var deadline time.Time
	if a.opts.Timeout > 0 {
		deadline = time.Now().Add(a.opts.Timeout)
	}

	pruned := func(s *state) bool {
		if s.costBound > a.budget {
			return true
		}
		return !(solution{sens: s.bound, cost: s.costBound}).better(incumbent)
	}

	heap := binaryheap.NewWith[*state](compareStates)
	heap.Push(withBounds(&state{}))
	for heap.Size() > 0 {
		if a.counters.Expanded >= a.opts.MaxIterations {
			return incumbent, false
		}
		if a.counters.Expanded%64 == 0 {
			if ctx.Err() != nil {
				return incumbent, false
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return incumbent, false
			}
		}

		s, _ := heap.Pop()
		if pruned(s) {
			continue
		}
		if s.depth == n {
			return solution{assign: s.assign, sens: s.sens, cost: s.cost}, true
		}
		a.counters.Expanded++

		i := s.depth
		for j, c := range a.nodes[i].Candidates {
			child := withBounds(&state{
				assign: append(slices.Clip(s.assign), j),
				depth:  i + 1,
				sens:   s.sens + a.sensitivity[i][j],
				cost:   s.cost + c.Cost,
			})
			if pruned(child) {
				continue
			}
			heap.Push(child)
		}
	}
	// Nothing beats the incumbent.
	return incumbent, true
}
