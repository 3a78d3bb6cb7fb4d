package mixedprecision

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/ptq/internal/logger"
)

// Evaluator scores a full per-node bit-width configuration against the float
// reference. It must be deterministic for a fixed input and safe for
// concurrent calls.
type Evaluator interface {
	Score(ctx context.Context, bits []int) (float64, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, bits []int) (float64, error)

func (f EvaluatorFunc) Score(ctx context.Context, bits []int) (float64, error) { return f(ctx, bits) }

// Score fills the sensitivity table with one evaluator call per (node,
// candidate): the node under test uses the candidate and every other node its
// highest precision. The all-highest configuration is scored once and shared.
// When no node has a choice the evaluator is not called.
func (a *Allocator) Score(ctx context.Context, ev Evaluator) error {
	if a.state != Unassigned {
		return fmt.Errorf("%w: cannot score in state %s", ErrInvalidState, a.state)
	}
	scores := make([][]float64, len(a.nodes))
	for i, n := range a.nodes {
		scores[i] = make([]float64, len(n.Candidates))
	}
	if a.singleChoice() {
		a.sensitivity = scores
		a.state = Scored
		return nil
	}

	log := logger.FromContext(ctx)
	base := a.bitsOf(make([]int, len(a.nodes)))

	var (
		mu    sync.Mutex
		calls int
	)
	score := func(ctx context.Context, bits []int) (float64, error) {
		s, err := ev.Score(ctx, bits)
		mu.Lock()
		calls++
		mu.Unlock()
		return s, err
	}

	g, gctx := errgroup.WithContext(ctx)
	workers := a.opts.Workers
	if workers <= 0 {
		workers = len(a.nodes)
	}
	g.SetLimit(workers)

	var baseline float64
	g.Go(func() error {
		s, err := score(gctx, base)
		if err != nil {
			return fmt.Errorf("score baseline: %w", err)
		}
		baseline = s
		return nil
	})
	for i, n := range a.nodes {
		for j := 1; j < len(n.Candidates); j++ {
			g.Go(func() error {
				bits := append([]int(nil), base...)
				bits[i] = n.Candidates[j].Bits
				s, err := score(gctx, bits)
				if err != nil {
					return fmt.Errorf("score node %q at %d bits: %w", n.Name, bits[i], err)
				}
				scores[i][j] = s
				return nil
			})
		}
	}
	err := g.Wait()
	a.counters.EvaluatorCalls += calls
	if err != nil {
		return err
	}
	for i, n := range a.nodes {
		if len(n.Candidates) > 1 {
			scores[i][0] = baseline
		}
	}
	log.Debug("sensitivity scored", "nodes", len(a.nodes), "evaluator_calls", calls, "baseline", baseline)

	a.sensitivity = scores
	a.state = Scored
	return nil
}
