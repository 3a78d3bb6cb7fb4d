package ptq

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/pkg/mixedprecision"
	"github.com/samcharles93/ptq/pkg/quant"
)

// Configuration maps node names to the weights params being evaluated. Nodes
// without quantized weights are absent.
type Configuration map[string]quant.Params

// Evaluator scores a weights configuration; lower is better. It is called
// concurrently and must not retain the configuration.
type Evaluator interface {
	Score(ctx context.Context, weights Configuration) (float64, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, weights Configuration) (float64, error)

func (f EvaluatorFunc) Score(ctx context.Context, weights Configuration) (float64, error) {
	return f(ctx, weights)
}

// allocation links allocator node k back to plan record owners[k] and its
// usable weights candidates choices[k].
type allocation struct {
	nodes   []mixedprecision.Node
	owners  []int
	choices [][]int
}

// Allocate picks one weights candidate per node. With mixed precision off
// every node has a single candidate and the evaluator is not called; ev may
// then be nil. Otherwise ev scores each candidate and the allocator selects
// the assignment with the lowest total sensitivity that fits the budget.
//
// If the allocator stops early the best assignment found is still applied and
// the returned error wraps mixedprecision.ErrSearchIncomplete.
func (p *Plan) Allocate(ctx context.Context, ev Evaluator) (mixedprecision.Result, error) {
	if p.state != stateComputed {
		return mixedprecision.Result{}, fmt.Errorf("%w: allocate needs computed parameters", ErrInvalidState)
	}
	log := logger.FromContext(ctx)

	al, err := p.allocation()
	if err != nil {
		return mixedprecision.Result{}, err
	}
	mp := p.cfg.MixedPrecision
	budget := math.Inf(1)
	if mp.Enabled {
		budget = mp.budget()
	}
	alloc, err := mixedprecision.New(al.nodes, budget, mixedprecision.Options{
		Workers:       mp.Workers,
		MaxIterations: mp.MaxIterations,
		Timeout:       mp.Timeout,
	})
	if err != nil {
		return mixedprecision.Result{}, err
	}

	if al.hasChoice() {
		if ev == nil {
			return mixedprecision.Result{}, fmt.Errorf("%w: mixed precision needs an evaluator", ErrConfig)
		}
		if err := alloc.Score(ctx, p.adapt(ev, al)); err != nil {
			return mixedprecision.Result{}, err
		}
	}
	res, err := alloc.Solve(ctx)
	if err != nil && !errors.Is(err, mixedprecision.ErrSearchIncomplete) {
		return res, err
	}
	if err != nil {
		log.Warn("allocation stopped early, using the best assignment found", "err", err)
	}
	if _, ferr := alloc.Freeze(); ferr != nil {
		return res, ferr
	}

	selected := make([]int, len(p.records))
	sensitivity := make([][]float64, len(p.records))
	scores := alloc.Sensitivity()
	for k, j := range res.Assignment {
		i := al.owners[k]
		selected[i] = al.choices[k][j]
		if scores != nil {
			row := make([]float64, p.records[i].weights.n)
			for jj, rel := range al.choices[k] {
				row[rel] = scores[k][jj]
			}
			sensitivity[i] = row
		}
	}
	// Nodes without quantized weights keep candidate 0.
	p.selected = selected
	p.sensitivity = sensitivity
	p.state = stateAllocated
	return res, err
}

func (p *Plan) allocation() (allocation, error) {
	var al allocation
	for i, rec := range p.records {
		ws := p.weightsOf(i)
		if !ws[0].Enabled {
			continue
		}
		n := mixedprecision.Node{Name: rec.node.Name}
		var rel []int
		for j, c := range ws {
			if !c.Usable() {
				continue
			}
			n.Candidates = append(n.Candidates, mixedprecision.Candidate{
				Bits: c.Bits,
				Cost: mixedprecision.WeightsMemory(int64(rec.node.Weights.Len()), c.Bits),
			})
			rel = append(rel, j)
		}
		if len(rel) == 0 {
			return allocation{}, &NodeError{Node: rec.node.Name, Err: fmt.Errorf("%w: no usable weights candidate", ErrInvalidAssignment)}
		}
		al.nodes = append(al.nodes, n)
		al.owners = append(al.owners, i)
		al.choices = append(al.choices, rel)
	}
	return al, nil
}

func (al allocation) hasChoice() bool {
	for _, n := range al.nodes {
		if len(n.Candidates) > 1 {
			return true
		}
	}
	return false
}

// adapt turns bit-width vectors from the allocator into configurations.
func (p *Plan) adapt(ev Evaluator, al allocation) mixedprecision.EvaluatorFunc {
	return func(ctx context.Context, bits []int) (float64, error) {
		conf := make(Configuration, len(bits))
		for k, b := range bits {
			i := al.owners[k]
			ws := p.weightsOf(i)
			for _, j := range al.choices[k] {
				if ws[j].Bits == b {
					conf[p.records[i].node.Name] = ws[j].Params
					break
				}
			}
		}
		return ev.Score(ctx, conf)
	}
}

// Select overrides the weights bit-width of the named nodes. Every entry is
// checked before any is applied. Nodes not named keep their current choice.
func (p *Plan) Select(bits map[string]int) error {
	if p.state != stateComputed && p.state != stateAllocated {
		return fmt.Errorf("%w: select needs computed parameters", ErrInvalidState)
	}
	next := make([]int, len(p.selected))
	copy(next, p.selected)
	for name, b := range bits {
		i, err := p.index(name)
		if err != nil {
			return err
		}
		j := -1
		for jj, c := range p.weightsOf(i) {
			if c.Bits == b && c.Usable() {
				j = jj
				break
			}
		}
		if j < 0 {
			return &NodeError{Node: name, Err: fmt.Errorf("%w: no usable %d-bit weights candidate", ErrInvalidAssignment, b)}
		}
		next[i] = j
	}
	p.selected = next
	p.sensitivity = nil
	p.state = stateAllocated
	return nil
}

// Quantized is the final choice for a node's weights or activation.
type Quantized struct {
	Enabled bool         `json:"enabled"`
	Bits    int          `json:"bits,omitempty"`
	Params  quant.Params `json:"params"`
}

// FrozenNode is the final quantization of one node.
type FrozenNode struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Weights    Quantized `json:"weights"`
	Activation Quantized `json:"activation"`
	// Candidate is the index of the chosen weights candidate.
	Candidate int `json:"candidate"`
	// Cost is the weights memory in bytes.
	Cost float64 `json:"cost"`
	// Sensitivity is the score of the chosen candidate when the allocator
	// scored the node.
	Sensitivity *float64 `json:"sensitivity,omitempty"`
}

// Freeze checks the selection and returns the final per-node parameters. The
// whole selection is validated first; on error the plan is unchanged.
func (p *Plan) Freeze() ([]FrozenNode, error) {
	if p.state != stateAllocated {
		return nil, fmt.Errorf("%w: freeze needs an allocated plan", ErrInvalidState)
	}
	out := make([]FrozenNode, len(p.records))
	var total float64
	for i, rec := range p.records {
		ws := p.weightsOf(i)
		j := p.selected[i]
		if j < 0 || j >= len(ws) {
			return nil, &NodeError{Node: rec.node.Name, Err: fmt.Errorf("%w: candidate %d of %d", ErrInvalidAssignment, j, len(ws))}
		}
		fn := FrozenNode{Name: rec.node.Name, Type: rec.node.Type, Candidate: j}
		if c := ws[j]; c.Enabled {
			if !c.Usable() {
				return nil, &NodeError{Node: rec.node.Name, Err: fmt.Errorf("%w: weights candidate %d failed: %w", ErrInvalidAssignment, j, c.Err)}
			}
			fn.Weights = Quantized{Enabled: true, Bits: c.Bits, Params: c.Params.Clone()}
			fn.Cost = mixedprecision.WeightsMemory(int64(rec.node.Weights.Len()), c.Bits)
			total += fn.Cost
		}
		if a := p.arena[rec.activation.start]; a.Enabled {
			if !a.Usable() {
				return nil, &NodeError{Node: rec.node.Name, Err: fmt.Errorf("%w: activation failed: %w", ErrInvalidAssignment, a.Err)}
			}
			fn.Activation = Quantized{Enabled: true, Bits: a.Bits, Params: a.Params.Clone()}
		}
		if row := p.sensitivity; row != nil && row[i] != nil {
			s := row[i][j]
			fn.Sensitivity = &s
		}
		out[i] = fn
	}
	if p.cfg.MixedPrecision.Enabled {
		if budget := p.cfg.MixedPrecision.budget(); total > budget {
			return nil, fmt.Errorf("%w: weights memory %v exceeds budget %v", ErrInvalidAssignment, total, budget)
		}
	}
	p.state = stateFrozen
	return out, nil
}
