package ptq

import (
	"cmp"
	"fmt"
	"slices"
)

// OpConfig is one quantization configuration an op supports on the target.
type OpConfig struct {
	WeightsNBits     int  `yaml:"weights_n_bits" json:"weights_n_bits"`
	ActivationNBits  int  `yaml:"activation_n_bits" json:"activation_n_bits"`
	EnableWeights    bool `yaml:"enable_weights" json:"enable_weights"`
	EnableActivation bool `yaml:"enable_activation" json:"enable_activation"`
}

// OpOptions is the set of configurations allowed for an op type. With more
// than one option, Base names the one used outside mixed precision.
type OpOptions struct {
	Options []OpConfig `yaml:"options" json:"options"`
	Base    *OpConfig  `yaml:"base,omitempty" json:"base,omitempty"`
}

// Validate rejects an empty list and a multi-option list without a base
// config. A given base config must be one of the options.
func (o OpOptions) Validate() error {
	switch {
	case len(o.Options) == 0:
		return ErrEmptyOptions
	case len(o.Options) > 1 && o.Base == nil:
		return ErrMissingBaseConfig
	case o.Base != nil && !slices.Contains(o.Options, *o.Base):
		return fmt.Errorf("%w: base config %+v is not one of the options", ErrConfig, *o.Base)
	}
	for i, opt := range o.Options {
		if opt.EnableWeights && opt.WeightsNBits <= 0 {
			return fmt.Errorf("%w: option %d enables weights with %d bits", ErrConfig, i, opt.WeightsNBits)
		}
		if opt.EnableActivation && opt.ActivationNBits <= 0 {
			return fmt.Errorf("%w: option %d enables activation with %d bits", ErrConfig, i, opt.ActivationNBits)
		}
	}
	return nil
}

// BaseConfig returns the base config, or the only option. Call Validate first.
func (o OpOptions) BaseConfig() OpConfig {
	if o.Base != nil {
		return *o.Base
	}
	return o.Options[0]
}

// WeightsBits lists the distinct weights bit-widths of the options that enable
// weights quantization, highest first.
func (o OpOptions) WeightsBits() []int {
	var bits []int
	for _, opt := range o.Options {
		if opt.EnableWeights {
			bits = append(bits, opt.WeightsNBits)
		}
	}
	return sortBitsDesc(bits)
}

func sortBitsDesc(bits []int) []int {
	out := slices.Clone(bits)
	slices.SortFunc(out, func(a, b int) int { return cmp.Compare(b, a) })
	return slices.Compact(out)
}

// TargetPlatform maps op types to their config options. Ops not listed use
// Default.
type TargetPlatform struct {
	Default OpOptions            `yaml:"default" json:"default"`
	Ops     map[string]OpOptions `yaml:"ops" json:"ops"`
}

// DefaultPlatform allows a single 8-bit weights and activation config.
func DefaultPlatform() TargetPlatform {
	return TargetPlatform{
		Default: OpOptions{Options: []OpConfig{{
			WeightsNBits:     8,
			ActivationNBits:  8,
			EnableWeights:    true,
			EnableActivation: true,
		}}},
	}
}

// OptionsFor returns the options of an op type.
func (p TargetPlatform) OptionsFor(opType string) OpOptions {
	if o, ok := p.Ops[opType]; ok {
		return o
	}
	return p.Default
}

// OpCapability is the capability record of one op type.
type OpCapability struct {
	Weights     bool `yaml:"weights" json:"weights"`
	Activation  bool `yaml:"activation" json:"activation"`
	ChannelAxis int  `yaml:"channel_axis" json:"channel_axis"`
}

// CapabilityTable is a FrameworkInfo backed by a table of op types. Unknown
// op types fall back to Default.
type CapabilityTable struct {
	Default OpCapability
	Ops     map[string]OpCapability
}

func (t CapabilityTable) lookup(opType string) OpCapability {
	if c, ok := t.Ops[opType]; ok {
		return c
	}
	return t.Default
}

func (t CapabilityTable) SupportsWeightsQuantization(opType string) bool {
	return t.lookup(opType).Weights
}

func (t CapabilityTable) SupportsActivationQuantization(opType string) bool {
	return t.lookup(opType).Activation
}

func (t CapabilityTable) ChannelAxis(opType string) int {
	return t.lookup(opType).ChannelAxis
}
