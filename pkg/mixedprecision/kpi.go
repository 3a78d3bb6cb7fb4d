package mixedprecision

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
)

// WeightsMemory is the weights-memory cost in bytes of storing params values
// at bits each.
func WeightsMemory(params int64, bits int) float64 {
	return float64(params) * float64(bits) / 8
}

// WeightsCandidates builds the candidate list of a node with params weights,
// one candidate per bit-width, costed by WeightsMemory.
func WeightsCandidates(name string, params int64, bits []int) Node {
	n := Node{Name: name, Candidates: make([]Candidate, len(bits))}
	for i, b := range bits {
		n.Candidates[i] = Candidate{Bits: b, Cost: WeightsMemory(params, b)}
	}
	return n
}

// Problem is a self-contained allocation problem with precomputed scores, as
// read from a file or a request body. A nil Budget is unconstrained.
type Problem struct {
	Nodes  []Node      `json:"nodes"`
	Budget *float64    `json:"budget,omitempty"`
	Scores [][]float64 `json:"scores"`
}

// BudgetValue returns the budget with nil mapped to +Inf.
func (p Problem) BudgetValue() float64 {
	if p.Budget == nil {
		return math.Inf(1)
	}
	return *p.Budget
}

// SolveProblem runs a Problem through scoring, solving and freezing. The
// returned Assignment indexes each node's candidates in the order p lists
// them. An incomplete search still returns its result alongside
// ErrSearchIncomplete and is not frozen.
func SolveProblem(ctx context.Context, p Problem, opts Options) (Result, error) {
	p, orders, err := p.sorted()
	if err != nil {
		return Result{}, err
	}
	a, err := New(p.Nodes, p.BudgetValue(), opts)
	if err != nil {
		return Result{}, err
	}
	if !a.singleChoice() || p.Scores != nil {
		if err := a.SetScores(p.Scores); err != nil {
			return Result{}, fmt.Errorf("set scores: %w", err)
		}
	}
	res, err := a.Solve(ctx)
	res.Assignment = unsort(res.Assignment, orders)
	if err != nil {
		return res, err
	}
	if _, err := a.Freeze(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// unsort maps sorted candidate indices back to the caller's order.
func unsort(assign []int, orders [][]int) []int {
	if assign == nil {
		return nil
	}
	out := make([]int, len(assign))
	for i, k := range assign {
		out[i] = orders[i][k]
	}
	return out
}

// sorted returns a copy with every node's candidates in descending bit-width
// order and the score rows permuted to match. orders[i][k] is the original
// index of node i's k-th sorted candidate.
func (p Problem) sorted() (Problem, [][]int, error) {
	if p.Scores != nil && len(p.Scores) != len(p.Nodes) {
		return Problem{}, nil, fmt.Errorf("%w: %d score rows for %d nodes", ErrInvalidInput, len(p.Scores), len(p.Nodes))
	}
	out := Problem{Budget: p.Budget, Nodes: make([]Node, len(p.Nodes))}
	orders := make([][]int, len(p.Nodes))
	if p.Scores != nil {
		out.Scores = make([][]float64, len(p.Scores))
	}
	for i, n := range p.Nodes {
		order := make([]int, len(n.Candidates))
		for j := range order {
			order[j] = j
		}
		slices.SortStableFunc(order, func(x, y int) int { return cmp.Compare(n.Candidates[y].Bits, n.Candidates[x].Bits) })
		node := Node{Name: n.Name, Candidates: make([]Candidate, len(order))}
		for k, j := range order {
			node.Candidates[k] = n.Candidates[j]
		}
		out.Nodes[i] = node
		orders[i] = order
		if p.Scores == nil {
			continue
		}
		if len(p.Scores[i]) != len(order) {
			return Problem{}, nil, fmt.Errorf("%w: node %q has %d candidates, got %d scores", ErrInvalidInput, n.Name, len(order), len(p.Scores[i]))
		}
		row := make([]float64, len(order))
		for k, j := range order {
			row[k] = p.Scores[i][j]
		}
		out.Scores[i] = row
	}
	return out, orders, nil
}
