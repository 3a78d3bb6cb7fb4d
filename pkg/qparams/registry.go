package qparams

import (
	"context"
	"fmt"
	"slices"

	"github.com/samcharles93/ptq/pkg/quant"
)

// WeightsFunc searches parameters for a weights tensor.
type WeightsFunc func(ctx context.Context, t quant.Tensor, cfg Config) (Result, error)

// ActivationFunc searches parameters for collected activation statistics.
type ActivationFunc func(ctx context.Context, s quant.Stats, cfg Config) (Result, error)

// Key identifies a table entry.
type Key struct {
	Method      quant.Method
	ErrorMethod quant.ErrorMethod
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Method, k.ErrorMethod)
}

// Strategy holds the search functions for one key. Either function may be nil
// when the pair only applies to weights.
type Strategy struct {
	Weights    WeightsFunc
	Activation ActivationFunc
}

var table = map[Key]Strategy{
	{quant.PowerOfTwo, quant.NoClipping}: {noClippingWeights, noClippingActivation},
	{quant.PowerOfTwo, quant.MSE}:        {errorSearchWeights, errorSearchActivation},
	{quant.PowerOfTwo, quant.MAE}:        {errorSearchWeights, errorSearchActivation},
	{quant.PowerOfTwo, quant.LP}:         {errorSearchWeights, errorSearchActivation},
	{quant.PowerOfTwo, quant.KL}:         {klSearchWeights, klSearchActivation},

	{quant.Symmetric, quant.NoClipping}: {noClippingWeights, noClippingActivation},
	{quant.Symmetric, quant.MSE}:        {errorSearchWeights, errorSearchActivation},
	{quant.Symmetric, quant.MAE}:        {errorSearchWeights, errorSearchActivation},
	{quant.Symmetric, quant.LP}:         {errorSearchWeights, errorSearchActivation},
	{quant.Symmetric, quant.KL}:         {klSearchWeights, klSearchActivation},

	{quant.Uniform, quant.NoClipping}: {noClippingWeights, noClippingActivation},
	{quant.Uniform, quant.MSE}:        {errorSearchWeights, errorSearchActivation},
	{quant.Uniform, quant.MAE}:        {errorSearchWeights, errorSearchActivation},
	{quant.Uniform, quant.LP}:         {errorSearchWeights, errorSearchActivation},
	{quant.Uniform, quant.KL}:         {klSearchWeights, klSearchActivation},

	// Clustering minimizes squared distance to the centers by construction.
	{quant.KMeans, quant.NoClipping}: {Weights: kmeansWeights},
	{quant.KMeans, quant.MSE}:        {Weights: kmeansWeights},
	{quant.LUT, quant.NoClipping}:    {Weights: lutWeights},
	{quant.LUT, quant.MSE}:           {Weights: lutWeights},
}

// Lookup returns the strategy registered for the pair.
func Lookup(m quant.Method, e quant.ErrorMethod) (Strategy, error) {
	s, ok := table[Key{m, e}]
	if !ok {
		return Strategy{}, fmt.Errorf("%w: %s", ErrUnsupported, Key{m, e})
	}
	return s, nil
}

// LookupWeights returns the weights search for the pair.
func LookupWeights(m quant.Method, e quant.ErrorMethod) (WeightsFunc, error) {
	s, err := Lookup(m, e)
	if err != nil {
		return nil, err
	}
	if s.Weights == nil {
		return nil, fmt.Errorf("%w: %s has no weights search", ErrUnsupported, Key{m, e})
	}
	return s.Weights, nil
}

// LookupActivation returns the activation search for the pair.
func LookupActivation(m quant.Method, e quant.ErrorMethod) (ActivationFunc, error) {
	s, err := Lookup(m, e)
	if err != nil {
		return nil, err
	}
	if s.Activation == nil {
		return nil, fmt.Errorf("%w: %s has no activation search", ErrUnsupported, Key{m, e})
	}
	return s.Activation, nil
}

// Keys lists every registered pair in a stable order.
func Keys() []Key {
	keys := make([]Key, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if a.Method != b.Method {
			return int(a.Method) - int(b.Method)
		}
		return int(a.ErrorMethod) - int(b.ErrorMethod)
	})
	return keys
}

// Weights validates cfg, resolves its search function and runs it on t.
func Weights(ctx context.Context, t quant.Tensor, cfg Config) (Result, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	fn, err := LookupWeights(cfg.Method, cfg.ErrorMethod)
	if err != nil {
		return Result{}, err
	}
	if err := t.Validate(); err != nil {
		return Result{}, err
	}
	return fn(ctx, t, cfg)
}

// Activation validates cfg, resolves its search function and runs it on s.
// Activations are always searched per tensor; cfg.PerChannel is ignored.
func Activation(ctx context.Context, s quant.Stats, cfg Config) (Result, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	fn, err := LookupActivation(cfg.Method, cfg.ErrorMethod)
	if err != nil {
		return Result{}, err
	}
	if err := s.Validate(); err != nil {
		return Result{}, err
	}
	return fn(ctx, s, cfg)
}
