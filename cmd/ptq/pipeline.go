package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/ptq/internal/calib"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/recipe"
	"github.com/samcharles93/ptq/internal/report"
	"github.com/samcharles93/ptq/internal/safetensors"
	"github.com/samcharles93/ptq/internal/sensitivity"
	"github.com/samcharles93/ptq/pkg/mixedprecision"
	"github.com/samcharles93/ptq/pkg/ptq"
	"github.com/samcharles93/ptq/pkg/qparams"
	"github.com/samcharles93/ptq/pkg/quant"
)

// pipeline is one quantize invocation: the recipe, its weights and the
// optional calibration data.
type pipeline struct {
	recipe  *recipe.Recipe
	weights *safetensors.File
	calib   *calib.File
	bins    int
	solver  solverOptions
}

// result is what a pipeline run produces besides the report.
type result struct {
	report *report.Report
	stats  map[string]quant.Stats
}

func (p pipeline) run(ctx context.Context) (result, error) {
	log := logger.FromContext(ctx)
	start := time.Now()
	if len(p.recipe.Layers) == 0 {
		return result{}, fmt.Errorf("%w: recipe has no layers", recipe.ErrInvalidRecipe)
	}

	weights, dense, err := p.loadLayers()
	if err != nil {
		return result{}, err
	}

	var chain *sensitivity.DenseChain
	if p.calib != nil && len(p.calib.Inputs) > 0 {
		d, err := p.recipe.Distance()
		if err != nil {
			return result{}, err
		}
		chain, err = sensitivity.NewDenseChain(dense, p.calib.Inputs, d, p.distanceP())
		if err != nil {
			return result{}, fmt.Errorf("sensitivity model: %w", err)
		}
	}

	stats, err := p.statistics(chain)
	if err != nil {
		return result{}, err
	}

	nodes := make([]ptq.Node, len(p.recipe.Layers))
	for i, l := range p.recipe.Layers {
		nodes[i] = ptq.Node{Name: l.Name, Type: l.Op, ChannelAxis: l.ChannelAxis}
		if t, ok := weights[l.Name]; ok {
			nodes[i].Weights = &t
		}
		if s, ok := stats[l.Name]; ok {
			nodes[i].Stats = &s
		}
	}

	plan, err := ptq.Resolve(nodes, p.recipe.Capabilities(), p.config())
	if err != nil {
		return result{}, err
	}
	if err := plan.Compute(ctx); err != nil {
		return result{}, err
	}
	var ev ptq.Evaluator
	if chain != nil {
		ev = chain
	}
	alloc, err := plan.Allocate(ctx, ev)
	if err != nil && !errors.Is(err, mixedprecision.ErrSearchIncomplete) {
		return result{}, err
	}
	frozen, err := plan.Freeze()
	if err != nil {
		return result{}, err
	}
	log.Info("quantization complete",
		"nodes", len(frozen),
		"cost", alloc.Cost,
		"sensitivity", alloc.Sensitivity,
		"elapsed", time.Since(start),
	)
	return result{report: report.New(frozen, alloc), stats: stats}, nil
}

// loadLayers reads every layer's weights and bias. Layers with 2-D weights
// also form the dense chain used for calibration and sensitivity.
func (p pipeline) loadLayers() (map[string]quant.Tensor, []sensitivity.Layer, error) {
	weights := make(map[string]quant.Tensor, len(p.recipe.Layers))
	var dense []sensitivity.Layer
	for _, l := range p.recipe.Layers {
		if l.Weights == "" {
			continue
		}
		w, err := p.weights.ReadTensor(l.Weights)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		weights[l.Name] = w
		if len(w.Shape) != 2 {
			continue
		}
		layer := sensitivity.Layer{Name: l.Name, Weights: w, ReLU: l.Activation == "relu"}
		if l.Bias != "" {
			b, err := p.weights.ReadTensor(l.Bias)
			if err != nil {
				return nil, nil, fmt.Errorf("layer %q bias: %w", l.Name, err)
			}
			layer.Bias = b.Data
		}
		dense = append(dense, layer)
	}
	return weights, dense, nil
}

// statistics merges the calibration file with statistics collected by
// running the chain on the representative inputs. The file wins.
func (p pipeline) statistics(chain *sensitivity.DenseChain) (map[string]quant.Stats, error) {
	out := make(map[string]quant.Stats)
	if chain != nil {
		s, err := chain.Calibrate(p.bins)
		if err != nil {
			return nil, err
		}
		for name, st := range s {
			out[name] = st
		}
	}
	if p.calib != nil {
		s, err := p.calib.Resolve(p.bins)
		if err != nil {
			return nil, err
		}
		for name, st := range s {
			out[name] = st
		}
	}
	return out, nil
}

func (p pipeline) distanceP() float64 {
	if p.recipe.MixedPrecision.P > 0 {
		return p.recipe.MixedPrecision.P
	}
	return qparams.DefaultP
}

// config applies the command-line bounds over the recipe.
func (p pipeline) config() ptq.Config {
	cfg := p.recipe.Config()
	if p.solver.workers > 0 {
		cfg.Workers = p.solver.workers
		cfg.MixedPrecision.Workers = p.solver.workers
	}
	if p.solver.maxIterations > 0 {
		cfg.MixedPrecision.MaxIterations = p.solver.maxIterations
	}
	if p.solver.timeout > 0 {
		cfg.MixedPrecision.Timeout = p.solver.timeout
	}
	return cfg
}
