package ptq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/ptq/internal/logger"
)

// Compute runs the parameter search for every enabled candidate. Nodes are
// processed concurrently, bounded by Config.Workers. Results are written to a
// fresh copy of the arena which replaces the old one once every node is done,
// so candidates observed before Compute returns are never modified.
//
// A candidate whose search fails keeps its error and stays unusable. A node
// fails only when all of its weights candidates fail or its activation search
// fails; the returned error then aggregates one *NodeError per failed node.
// The plan still moves to the computed state so the surviving nodes can be
// inspected.
func (p *Plan) Compute(ctx context.Context) error {
	if p.state != stateResolved {
		return fmt.Errorf("%w: compute called twice", ErrInvalidState)
	}
	log := logger.FromContext(ctx)
	next := slices.Clone(p.arena)

	var (
		mu     sync.Mutex
		failed *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.Workers > 0 {
		g.SetLimit(p.cfg.Workers)
	}
	for i := range p.records {
		g.Go(func() error {
			err := p.computeNode(gctx, i, next)
			if err == nil {
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			mu.Lock()
			failed = multierror.Append(failed, err)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.arena = next
	p.state = stateComputed
	if failed == nil {
		log.Info("quantization parameters computed", "nodes", len(p.records), "candidates", len(p.arena))
		return nil
	}
	slices.SortFunc(failed.Errors, func(a, b error) int {
		return compareNodeErrors(a, b)
	})
	log.Error("quantization parameters computed with failures", "nodes", len(p.records), "failed", len(failed.Errors))
	return failed.ErrorOrNil()
}

func compareNodeErrors(a, b error) int {
	var na, nb *NodeError
	errors.As(a, &na)
	errors.As(b, &nb)
	switch {
	case na == nil || nb == nil:
		return 0
	case na.Node < nb.Node:
		return -1
	case na.Node > nb.Node:
		return 1
	}
	return 0
}

// computeNode fills the candidates of record i in next.
func (p *Plan) computeNode(ctx context.Context, i int, next []Candidate) error {
	rec := p.records[i]
	log := logger.FromContext(ctx).With("node", rec.node.Name)

	ws := next[rec.weights.start : rec.weights.start+rec.weights.n]
	if ws[0].Enabled {
		if err := p.computeWeights(ctx, log, rec, ws); err != nil {
			return &NodeError{Node: rec.node.Name, Err: err}
		}
	}

	act := &next[rec.activation.start]
	if !act.Enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := rec.actFn(ctx, *rec.node.Stats, act.Search)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		act.Err = err
		return &NodeError{Node: rec.node.Name, Err: fmt.Errorf("activation: %w", err)}
	}
	act.Params, act.Converged = res.Params, res.Converged
	if w := res.Warning(); w != nil {
		log.Warn("activation search", "bits", act.Bits, "err", w)
	}
	if len(res.Clamped) > 0 {
		log.Warn("activation range below the threshold floor", "bits", act.Bits)
	}
	return nil
}

func (p *Plan) computeWeights(ctx context.Context, log logger.Logger, rec record, ws []Candidate) error {
	if err := rec.node.Weights.Validate(); err != nil {
		for j := range ws {
			ws[j].Err = err
		}
		return fmt.Errorf("weights: %w", err)
	}

	var errs []error
	for j := range ws {
		c := &ws[j]
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := rec.weightsFn(ctx, *rec.node.Weights, c.Search)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Err = err
			errs = append(errs, fmt.Errorf("%d bits: %w", c.Bits, err))
			log.Warn("weights candidate failed", "bits", c.Bits, "err", err)
			continue
		}
		c.Params, c.Converged = res.Params, res.Converged
		if w := res.Warning(); w != nil {
			log.Warn("weights search", "bits", c.Bits, "err", w)
		}
		if len(res.Clamped) > 0 {
			log.Warn("channels clamped to the threshold floor", "bits", c.Bits, "channels", len(res.Clamped))
		}
	}
	if len(errs) == len(ws) {
		return fmt.Errorf("all %d weights candidates failed: %w", len(ws), errors.Join(errs...))
	}
	return nil
}
