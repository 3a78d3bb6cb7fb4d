// Package mixedprecision picks one bit-width candidate per node so that the
// summed sensitivity is minimal while the summed resource cost stays within a
// budget.
//
// An Allocator moves through four states: Unassigned (every node at its
// highest precision), Scored (a sensitivity per node and candidate), Solved
// (an assignment chosen) and Frozen (the assignment is final).
package mixedprecision

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

var (
	ErrEmptyCandidates  = errors.New("mixedprecision: node has no candidates")
	ErrInfeasibleBudget = errors.New("mixedprecision: budget is below the minimum achievable cost")
	// ErrSearchIncomplete is recoverable: the solver stopped on a cutoff and the
	// returned assignment is the best feasible one found so far.
	ErrSearchIncomplete = errors.New("mixedprecision: search stopped before proving optimality")
	ErrInvalidState     = errors.New("mixedprecision: invalid allocator state")
	ErrInvalidInput     = errors.New("mixedprecision: invalid input")
)

// InfeasibleError reports a budget no assignment can meet.
type InfeasibleError struct {
	MinCost float64
	Budget  float64
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("mixedprecision: budget %.6g is below the minimum cost %.6g", e.Budget, e.MinCost)
}

func (e *InfeasibleError) Unwrap() error { return ErrInfeasibleBudget }

// State is the allocator lifecycle stage.
type State uint8

const (
	Unassigned State = iota
	Scored
	Solved
	Frozen
)

func (s State) String() string {
	switch s {
	case Unassigned:
		return "unassigned"
	case Scored:
		return "scored"
	case Solved:
		return "solved"
	case Frozen:
		return "frozen"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Candidate is one bit-width option for a node.
type Candidate struct {
	Bits int     `json:"bits"`
	Cost float64 `json:"cost"`
}

// Node lists the candidates of one node. Candidates are kept in descending
// bit-width order; index 0 is the highest precision.
type Node struct {
	Name       string      `json:"name"`
	Candidates []Candidate `json:"candidates"`
}

// Options bound the work done by an Allocator.
type Options struct {
	// Workers limits concurrent evaluator calls. Zero means one per node.
	Workers int
	// MaxIterations caps the solver's expanded search states.
	MaxIterations int
	// Timeout caps the solver's wall time. Zero disables it.
	Timeout time.Duration
}

// DefaultMaxIterations is used when Options.MaxIterations is zero.
const DefaultMaxIterations = 1_000_000

// Counters records the work done, mainly for tests and reports.
type Counters struct {
	EvaluatorCalls    int `json:"evaluator_calls"`
	SolverInvocations int `json:"solver_invocations"`
	Expanded          int `json:"expanded"`
}

// Allocator holds one allocation problem. It is not safe for concurrent use.
type Allocator struct {
	nodes       []Node
	budget      float64
	opts        Options
	state       State
	sensitivity [][]float64
	assignment  []int
	counters    Counters
}

// New validates the problem and returns an Unassigned allocator. Candidates
// are sorted by descending bit-width. A budget of +Inf means unconstrained.
func New(nodes []Node, budget float64, opts Options) (*Allocator, error) {
	if math.IsNaN(budget) || budget < 0 {
		return nil, fmt.Errorf("%w: budget %v", ErrInvalidInput, budget)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	own := make([]Node, len(nodes))
	for i, n := range nodes {
		if len(n.Candidates) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrEmptyCandidates, n.Name)
		}
		for j, c := range n.Candidates {
			if c.Bits <= 0 || c.Cost < 0 || math.IsNaN(c.Cost) || math.IsInf(c.Cost, 0) {
				return nil, fmt.Errorf("%w: node %q candidate %d (bits %d, cost %v)", ErrInvalidInput, n.Name, j, c.Bits, c.Cost)
			}
		}
		cands := slices.Clone(n.Candidates)
		slices.SortStableFunc(cands, func(a, b Candidate) int { return cmp.Compare(b.Bits, a.Bits) })
		own[i] = Node{Name: n.Name, Candidates: cands}
	}
	return &Allocator{
		nodes:      own,
		budget:     budget,
		opts:       opts,
		assignment: make([]int, len(own)),
	}, nil
}

func (a *Allocator) State() State { return a.state }

func (a *Allocator) Counters() Counters { return a.counters }

// Nodes returns the nodes with their sorted candidates.
func (a *Allocator) Nodes() []Node { return a.nodes }

// Assignment returns a copy of the current candidate index per node.
func (a *Allocator) Assignment() []int { return slices.Clone(a.assignment) }

// Bits returns the bit-width per node for the current assignment.
func (a *Allocator) Bits() []int {
	return a.bitsOf(a.assignment)
}

func (a *Allocator) bitsOf(assignment []int) []int {
	out := make([]int, len(a.nodes))
	for i, j := range assignment {
		out[i] = a.nodes[i].Candidates[j].Bits
	}
	return out
}

// Sensitivity returns a copy of the scores, or nil before scoring.
func (a *Allocator) Sensitivity() [][]float64 {
	if a.sensitivity == nil {
		return nil
	}
	out := make([][]float64, len(a.sensitivity))
	for i, s := range a.sensitivity {
		out[i] = slices.Clone(s)
	}
	return out
}

// SetScores supplies precomputed sensitivities, moving Unassigned to Scored.
// scores[i][j] belongs to node i, candidate j in sorted order.
func (a *Allocator) SetScores(scores [][]float64) error {
	if a.state != Unassigned {
		return fmt.Errorf("%w: cannot score in state %s", ErrInvalidState, a.state)
	}
	if len(scores) != len(a.nodes) {
		return fmt.Errorf("%w: %d score rows for %d nodes", ErrInvalidInput, len(scores), len(a.nodes))
	}
	own := make([][]float64, len(scores))
	for i, row := range scores {
		if len(row) != len(a.nodes[i].Candidates) {
			return fmt.Errorf("%w: node %q has %d candidates, got %d scores", ErrInvalidInput, a.nodes[i].Name, len(a.nodes[i].Candidates), len(row))
		}
		for j, s := range row {
			if math.IsNaN(s) {
				return fmt.Errorf("%w: node %q candidate %d score is NaN", ErrInvalidInput, a.nodes[i].Name, j)
			}
		}
		own[i] = slices.Clone(row)
	}
	a.sensitivity = own
	a.state = Scored
	return nil
}

// singleChoice reports whether every node has exactly one candidate.
func (a *Allocator) singleChoice() bool {
	for _, n := range a.nodes {
		if len(n.Candidates) > 1 {
			return false
		}
	}
	return true
}

// MinCost is the cost of the cheapest candidate of every node.
func (a *Allocator) MinCost() float64 {
	var total float64
	for _, n := range a.nodes {
		total += slices.MinFunc(n.Candidates, func(x, y Candidate) int { return cmp.Compare(x.Cost, y.Cost) }).Cost
	}
	return total
}

// Cost returns the total cost of an assignment.
func (a *Allocator) Cost(assignment []int) float64 {
	var total float64
	for i, j := range assignment {
		total += a.nodes[i].Candidates[j].Cost
	}
	return total
}

func (a *Allocator) checkFeasible() error {
	if minCost := a.MinCost(); minCost > a.budget {
		return &InfeasibleError{MinCost: minCost, Budget: a.budget}
	}
	return nil
}

// Freeze makes the solved assignment final and returns it.
func (a *Allocator) Freeze() ([]int, error) {
	if a.state != Solved {
		return nil, fmt.Errorf("%w: cannot freeze in state %s", ErrInvalidState, a.state)
	}
	a.state = Frozen
	return a.Assignment(), nil
}
