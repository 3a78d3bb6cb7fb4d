// Package ptq drives post-training quantization over a set of nodes: it
// resolves which search applies to every node, computes weights and
// activation parameters for each bit-width candidate, lets the mixed-precision
// allocator choose among the candidates and freezes the final per-node
// parameters.
package ptq

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/samcharles93/ptq/pkg/qparams"
	"github.com/samcharles93/ptq/pkg/quant"
)

var (
	ErrConfig            = errors.New("ptq: configuration error")
	ErrMissingBaseConfig = errors.New("ptq: multiple config options without a base config")
	ErrEmptyOptions      = errors.New("ptq: empty config options")
	ErrInvalidAssignment = errors.New("ptq: invalid assignment")
	ErrInvalidState      = errors.New("ptq: invalid plan state")
	ErrMissingStats      = errors.New("ptq: missing activation statistics")
)

// NodeError attributes an error to a node.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Node is one graph node as seen by the quantizer. Weights is nil for nodes
// without weights and Stats is nil when no activation statistics were
// collected.
type Node struct {
	Name    string
	Type    string
	Weights *quant.Tensor
	Stats   *quant.Stats
	// ChannelAxis overrides the framework's axis for this node when set.
	ChannelAxis *int
}

// FrameworkInfo describes what the target framework can quantize.
type FrameworkInfo interface {
	SupportsWeightsQuantization(opType string) bool
	SupportsActivationQuantization(opType string) bool
	// ChannelAxis is the output-channel axis of the op's weights.
	ChannelAxis(opType string) int
}

// QuantizationConfig holds the global settings shared by all nodes.
type QuantizationConfig struct {
	WeightsMethod         quant.Method
	WeightsErrorMethod    quant.ErrorMethod
	ActivationMethod      quant.Method
	ActivationErrorMethod quant.ErrorMethod
	WeightsNBits          int
	ActivationNBits       int
	WeightsPerChannel     bool
	EnableWeights         bool
	EnableActivation      bool
	// P is the norm of the LP error method.
	P             float64
	MinThreshold  float64
	MaxIterations int
	KLBins        int
}

// DefaultQuantizationConfig quantizes weights per channel with power-of-two
// MSE thresholds and activations per tensor with power-of-two no-clipping
// thresholds, both at 8 bits.
func DefaultQuantizationConfig() QuantizationConfig {
	return QuantizationConfig{
		WeightsMethod:         quant.PowerOfTwo,
		WeightsErrorMethod:    quant.MSE,
		ActivationMethod:      quant.PowerOfTwo,
		ActivationErrorMethod: quant.NoClipping,
		WeightsNBits:          8,
		ActivationNBits:       8,
		WeightsPerChannel:     true,
		EnableWeights:         true,
		EnableActivation:      true,
		P:                     qparams.DefaultP,
		MinThreshold:          quant.MinThreshold,
		MaxIterations:         qparams.DefaultMaxIterations,
		KLBins:                qparams.DefaultKLBins,
	}
}

func (c QuantizationConfig) weightsSearch(nBits, axis int) qparams.Config {
	return qparams.Config{
		Method:        c.WeightsMethod,
		ErrorMethod:   c.WeightsErrorMethod,
		NBits:         nBits,
		PerChannel:    c.WeightsPerChannel,
		ChannelAxis:   axis,
		P:             c.P,
		MinThreshold:  c.MinThreshold,
		MaxIterations: c.MaxIterations,
		KLBins:        c.KLBins,
	}
}

func (c QuantizationConfig) activationSearch(nBits int) qparams.Config {
	return qparams.Config{
		Method:        c.ActivationMethod,
		ErrorMethod:   c.ActivationErrorMethod,
		NBits:         nBits,
		P:             c.P,
		MinThreshold:  c.MinThreshold,
		MaxIterations: c.MaxIterations,
		KLBins:        c.KLBins,
	}
}

// MixedPrecisionConfig enables per-node weights bit-width selection.
type MixedPrecisionConfig struct {
	Enabled bool
	// WeightsNBits lists the candidate bit-widths. When empty the candidates
	// come from the op's config options.
	WeightsNBits []int
	// Budget is the weights-memory budget in bytes. Zero or +Inf means
	// unconstrained.
	Budget        float64
	Workers       int
	MaxIterations int
	Timeout       time.Duration
}

func (m MixedPrecisionConfig) budget() float64 {
	if m.Budget <= 0 || math.IsNaN(m.Budget) {
		return math.Inf(1)
	}
	return m.Budget
}

// Config is everything a Plan needs.
type Config struct {
	Quantization   QuantizationConfig
	MixedPrecision MixedPrecisionConfig
	Platform       TargetPlatform
	// Workers bounds concurrent per-node searches. Zero means one per node.
	Workers int
}
