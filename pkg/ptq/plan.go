package ptq

import (
	"fmt"
	"slices"

	"github.com/samcharles93/ptq/pkg/qparams"
	"github.com/samcharles93/ptq/pkg/quant"
)

// Kind tells weights candidates from activation candidates.
type Kind uint8

const (
	KindWeights Kind = iota
	KindActivation
)

func (k Kind) String() string {
	if k == KindActivation {
		return "activation"
	}
	return "weights"
}

// Candidate is one quantization option of a node's weights or activation.
// Candidates live in the plan's arena and are never modified once Compute
// has published them.
type Candidate struct {
	Kind    Kind
	Bits    int
	Enabled bool
	Search  qparams.Config
	Params  quant.Params
	// Converged is false when the search hit its budget.
	Converged bool
	// Err is set when the search for this candidate failed.
	Err error
}

// Usable reports whether the candidate can be selected.
func (c Candidate) Usable() bool { return c.Enabled && c.Err == nil }

// span addresses a contiguous run of candidates in the arena.
type span struct {
	start, n int
}

type record struct {
	node       Node
	weights    span
	activation span
	weightsFn  qparams.WeightsFunc
	actFn      qparams.ActivationFunc
}

type planState uint8

const (
	stateResolved planState = iota
	stateComputed
	stateAllocated
	stateFrozen
)

// Plan is the resolved quantization work for a set of nodes.
type Plan struct {
	cfg     Config
	records []record
	arena   []Candidate
	state   planState
	// selected is the weights candidate per node, relative to its span.
	selected []int
	// sensitivity mirrors the weights spans once the allocator scored them.
	sensitivity [][]float64
}

// Resolve builds a plan. Every configuration problem is reported here, before
// any numerical work: unknown method pairs, invalid op options, missing
// statistics and bad search settings.
func Resolve(nodes []Node, fw FrameworkInfo, cfg Config) (*Plan, error) {
	q := cfg.Quantization
	p := &Plan{cfg: cfg, records: make([]record, 0, len(nodes))}
	seen := make(map[string]struct{}, len(nodes))

	for _, n := range nodes {
		if _, dup := seen[n.Name]; dup {
			return nil, &NodeError{Node: n.Name, Err: fmt.Errorf("%w: duplicate node name", ErrConfig)}
		}
		seen[n.Name] = struct{}{}

		opts := cfg.Platform.OptionsFor(n.Type)
		if err := opts.Validate(); err != nil {
			return nil, &NodeError{Node: n.Name, Err: fmt.Errorf("op %q: %w", n.Type, err)}
		}
		base := opts.BaseConfig()
		rec := record{node: n}

		weightsOn := q.EnableWeights && base.EnableWeights && fw.SupportsWeightsQuantization(n.Type) && n.Weights != nil
		if weightsOn {
			fn, err := qparams.LookupWeights(q.WeightsMethod, q.WeightsErrorMethod)
			if err != nil {
				return nil, &NodeError{Node: n.Name, Err: fmt.Errorf("%w: %w", ErrConfig, err)}
			}
			rec.weightsFn = fn
		}
		axis := fw.ChannelAxis(n.Type)
		if n.ChannelAxis != nil {
			axis = *n.ChannelAxis
		}
		if weightsOn && q.WeightsPerChannel {
			if _, err := n.Weights.NormalizeAxis(axis); err != nil {
				return nil, &NodeError{Node: n.Name, Err: fmt.Errorf("%w: %w", ErrConfig, err)}
			}
		}

		bits := []int{base.WeightsNBits}
		if base.WeightsNBits <= 0 {
			bits = []int{q.WeightsNBits}
		}
		if weightsOn && cfg.MixedPrecision.Enabled {
			bits = sortBitsDesc(cfg.MixedPrecision.WeightsNBits)
			if len(bits) == 0 {
				bits = opts.WeightsBits()
			}
			if len(bits) == 0 {
				return nil, &NodeError{Node: n.Name, Err: fmt.Errorf("%w: no weights bit-width candidates", ErrEmptyOptions)}
			}
		}
		rec.weights = span{start: len(p.arena), n: len(bits)}
		for _, b := range bits {
			sc := q.weightsSearch(b, axis).WithDefaults()
			if weightsOn {
				if err := sc.Validate(); err != nil {
					return nil, &NodeError{Node: n.Name, Err: fmt.Errorf("%w: %w", ErrConfig, err)}
				}
			}
			p.arena = append(p.arena, Candidate{Kind: KindWeights, Bits: b, Enabled: weightsOn, Search: sc})
		}

		actOn := q.EnableActivation && base.EnableActivation && fw.SupportsActivationQuantization(n.Type)
		actBits := base.ActivationNBits
		if actBits <= 0 {
			actBits = q.ActivationNBits
		}
		sc := q.activationSearch(actBits).WithDefaults()
		if actOn {
			if n.Stats == nil {
				return nil, &NodeError{Node: n.Name, Err: ErrMissingStats}
			}
			fn, err := qparams.LookupActivation(q.ActivationMethod, q.ActivationErrorMethod)
			if err != nil {
				return nil, &NodeError{Node: n.Name, Err: fmt.Errorf("%w: %w", ErrConfig, err)}
			}
			if err := sc.Validate(); err != nil {
				return nil, &NodeError{Node: n.Name, Err: fmt.Errorf("%w: %w", ErrConfig, err)}
			}
			rec.actFn = fn
		}
		rec.activation = span{start: len(p.arena), n: 1}
		p.arena = append(p.arena, Candidate{Kind: KindActivation, Bits: actBits, Enabled: actOn, Search: sc})

		p.records = append(p.records, rec)
	}
	p.selected = make([]int, len(p.records))
	return p, nil
}

// Nodes returns the node names in plan order.
func (p *Plan) Nodes() []string {
	out := make([]string, len(p.records))
	for i, r := range p.records {
		out[i] = r.node.Name
	}
	return out
}

// WeightsCandidates returns a copy of a node's weights candidates, highest
// bit-width first.
func (p *Plan) WeightsCandidates(node string) ([]Candidate, error) {
	i, err := p.index(node)
	if err != nil {
		return nil, err
	}
	s := p.records[i].weights
	return slices.Clone(p.arena[s.start : s.start+s.n]), nil
}

// ActivationCandidate returns a node's activation candidate.
func (p *Plan) ActivationCandidate(node string) (Candidate, error) {
	i, err := p.index(node)
	if err != nil {
		return Candidate{}, err
	}
	return p.arena[p.records[i].activation.start], nil
}

func (p *Plan) index(node string) (int, error) {
	for i, r := range p.records {
		if r.node.Name == node {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: unknown node %q", ErrInvalidAssignment, node)
}

func (p *Plan) weightsOf(i int) []Candidate {
	s := p.records[i].weights
	return p.arena[s.start : s.start+s.n]
}
