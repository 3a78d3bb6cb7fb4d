// Package recipe reads the YAML quantization recipe used by the CLI and the
// REST service: the global quantization settings, mixed precision, the target
// platform description and the layers to quantize.
package recipe

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/ptq/pkg/ptq"
	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/similarity"
)

var ErrInvalidRecipe = errors.New("recipe: invalid recipe")

// Recipe is the YAML document. Pointer fields are optional and fall back to
// ptq.DefaultQuantizationConfig.
type Recipe struct {
	Quantization   Quantization   `yaml:"quantization"`
	MixedPrecision MixedPrecision `yaml:"mixed_precision"`
	TargetPlatform Platform       `yaml:"target_platform"`
	Layers         []Layer        `yaml:"layers"`
	Workers        int            `yaml:"workers"`
}

type Quantization struct {
	WeightsMethod         *quant.Method      `yaml:"weights_method"`
	WeightsErrorMethod    *quant.ErrorMethod `yaml:"weights_error_method"`
	ActivationMethod      *quant.Method      `yaml:"activation_method"`
	ActivationErrorMethod *quant.ErrorMethod `yaml:"activation_error_method"`
	WeightsNBits          *int               `yaml:"weights_n_bits"`
	ActivationNBits       *int               `yaml:"activation_n_bits"`
	WeightsPerChannel     *bool              `yaml:"weights_per_channel"`
	EnableWeights         *bool              `yaml:"enable_weights"`
	EnableActivation      *bool              `yaml:"enable_activation"`
	P                     *float64           `yaml:"p"`
	MinThreshold          *float64           `yaml:"min_threshold"`
	MaxIterations         *int               `yaml:"max_iterations"`
	KLBins                *int               `yaml:"kl_bins"`
}

type MixedPrecision struct {
	Enabled      bool  `yaml:"enabled"`
	WeightsNBits []int `yaml:"weights_n_bits"`
	// BudgetBytes caps total weights memory. Zero means unconstrained.
	BudgetBytes   float64       `yaml:"budget_bytes"`
	Distance      string        `yaml:"distance"`
	P             float64       `yaml:"p"`
	Workers       int           `yaml:"workers"`
	MaxIterations int           `yaml:"max_iterations"`
	Timeout       time.Duration `yaml:"timeout"`
}

// OpEntry describes one op type on the target: what it can quantize and the
// configurations it accepts. An entry without an options key uses the default
// op's options; an explicitly empty list is an error.
type OpEntry struct {
	Weights     *bool          `yaml:"weights"`
	Activation  *bool          `yaml:"activation"`
	ChannelAxis int            `yaml:"channel_axis"`
	Options     []ptq.OpConfig `yaml:"options"`
	Base        *ptq.OpConfig  `yaml:"base"`
}

type Platform struct {
	Default OpEntry            `yaml:"default"`
	Ops     map[string]OpEntry `yaml:"ops"`
}

// Layer names a weights tensor and how the layer is evaluated.
type Layer struct {
	Name    string `yaml:"name"`
	Op      string `yaml:"op"`
	Weights string `yaml:"weights"`
	Bias    string `yaml:"bias"`
	// Activation is the non-linearity applied after the layer by the
	// sensitivity evaluator: "none" (default) or "relu".
	Activation  string `yaml:"activation"`
	ChannelAxis *int   `yaml:"channel_axis"`
}

// Load reads and validates a recipe file.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a recipe.
func Parse(data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecipe, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks what can be checked without weights: layer names, op
// options and the distance name. Search settings are validated when the plan
// is resolved.
func (r *Recipe) Validate() error {
	seen := make(map[string]struct{}, len(r.Layers))
	for i, l := range r.Layers {
		if l.Name == "" {
			return fmt.Errorf("%w: layer %d has no name", ErrInvalidRecipe, i)
		}
		if _, dup := seen[l.Name]; dup {
			return fmt.Errorf("%w: duplicate layer %q", ErrInvalidRecipe, l.Name)
		}
		seen[l.Name] = struct{}{}
		switch l.Activation {
		case "", "none", "relu":
		default:
			return fmt.Errorf("%w: layer %q: unknown activation %q", ErrInvalidRecipe, l.Name, l.Activation)
		}
	}
	if _, err := r.Distance(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecipe, err)
	}
	if len(r.TargetPlatform.Default.Options) > 0 {
		if err := r.TargetPlatform.Default.options().Validate(); err != nil {
			return fmt.Errorf("%w: default op: %w", ErrInvalidRecipe, err)
		}
	}
	for op, e := range r.TargetPlatform.Ops {
		if e.Options == nil {
			continue
		}
		if err := e.options().Validate(); err != nil {
			return fmt.Errorf("%w: op %q: %w", ErrInvalidRecipe, op, err)
		}
	}
	return nil
}

// Distance returns the sensitivity distance, MSE when unset.
func (r *Recipe) Distance() (similarity.Distance, error) {
	if r.MixedPrecision.Distance == "" {
		return similarity.DistanceMSE, nil
	}
	return similarity.ParseDistance(r.MixedPrecision.Distance)
}

// Config builds the orchestrator configuration.
func (r *Recipe) Config() ptq.Config {
	q := ptq.DefaultQuantizationConfig()
	rq := r.Quantization
	set(&q.WeightsMethod, rq.WeightsMethod)
	set(&q.WeightsErrorMethod, rq.WeightsErrorMethod)
	set(&q.ActivationMethod, rq.ActivationMethod)
	set(&q.ActivationErrorMethod, rq.ActivationErrorMethod)
	set(&q.WeightsNBits, rq.WeightsNBits)
	set(&q.ActivationNBits, rq.ActivationNBits)
	set(&q.WeightsPerChannel, rq.WeightsPerChannel)
	set(&q.EnableWeights, rq.EnableWeights)
	set(&q.EnableActivation, rq.EnableActivation)
	set(&q.P, rq.P)
	set(&q.MinThreshold, rq.MinThreshold)
	set(&q.MaxIterations, rq.MaxIterations)
	set(&q.KLBins, rq.KLBins)

	mp := r.MixedPrecision
	return ptq.Config{
		Quantization: q,
		MixedPrecision: ptq.MixedPrecisionConfig{
			Enabled:       mp.Enabled,
			WeightsNBits:  mp.WeightsNBits,
			Budget:        mp.BudgetBytes,
			Workers:       mp.Workers,
			MaxIterations: mp.MaxIterations,
			Timeout:       mp.Timeout,
		},
		Platform: r.platform(q),
		Workers:  r.Workers,
	}
}

// Capabilities builds the framework capability table. Ops quantize weights
// and activations unless the recipe says otherwise.
func (r *Recipe) Capabilities() ptq.CapabilityTable {
	t := ptq.CapabilityTable{
		Default: r.TargetPlatform.Default.capability(),
		Ops:     make(map[string]ptq.OpCapability, len(r.TargetPlatform.Ops)),
	}
	for op, e := range r.TargetPlatform.Ops {
		t.Ops[op] = e.capability()
	}
	return t
}

// platform fills the default op options from the global bit-widths when the
// recipe gives none.
func (r *Recipe) platform(q ptq.QuantizationConfig) ptq.TargetPlatform {
	p := ptq.TargetPlatform{Default: r.TargetPlatform.Default.options()}
	if len(p.Default.Options) == 0 {
		p.Default = ptq.OpOptions{Options: []ptq.OpConfig{{
			WeightsNBits:     q.WeightsNBits,
			ActivationNBits:  q.ActivationNBits,
			EnableWeights:    true,
			EnableActivation: true,
		}}}
	}
	if len(r.TargetPlatform.Ops) > 0 {
		p.Ops = make(map[string]ptq.OpOptions, len(r.TargetPlatform.Ops))
		for op, e := range r.TargetPlatform.Ops {
			if e.Options != nil {
				p.Ops[op] = e.options()
			}
		}
	}
	return p
}

func (e OpEntry) options() ptq.OpOptions {
	return ptq.OpOptions{Options: e.Options, Base: e.Base}
}

func (e OpEntry) capability() ptq.OpCapability {
	return ptq.OpCapability{
		Weights:     e.Weights == nil || *e.Weights,
		Activation:  e.Activation == nil || *e.Activation,
		ChannelAxis: e.ChannelAxis,
	}
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
