// Package quant holds the data model shared by the parameter search engine,
// the orchestrator and the allocator: tensors, histograms, quantization schemes,
// error methods, and the fake-quantization grids each scheme defines.
package quant

import (
	"errors"
	"fmt"
	"strings"
)

// MinThreshold is the default floor for symmetric thresholds (2^-16).
const MinThreshold = 1.0 / (1 << 16)

var (
	ErrInvalidInput  = errors.New("quant: invalid input")
	ErrDegenerate    = errors.New("quant: degenerate input")
	ErrUnknownMethod = errors.New("quant: unknown method")
)

// Method is the quantization scheme: how a threshold, range or codebook maps
// values onto a discrete grid.
type Method uint8

const (
	PowerOfTwo Method = iota
	Symmetric
	Uniform
	KMeans
	LUT
)

var methodNames = map[Method]string{
	PowerOfTwo: "power_of_two",
	Symmetric:  "symmetric",
	Uniform:    "uniform",
	KMeans:     "kmeans",
	LUT:        "lut",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

// Clustering reports whether the method produces a codebook instead of a
// threshold or range.
func (m Method) Clustering() bool {
	return m == KMeans || m == LUT
}

// ParseMethod accepts the names produced by String, case-insensitively.
func ParseMethod(s string) (Method, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch key {
	case "pot", "power-of-two", "poweroftwo":
		return PowerOfTwo, nil
	case "lut_quantizer", "lut-kmeans":
		return LUT, nil
	}
	for m, name := range methodNames {
		if name == key {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

func (m Method) MarshalText() ([]byte, error) {
	if _, ok := methodNames[m]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *Method) UnmarshalText(b []byte) error {
	v, err := ParseMethod(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ErrorMethod is the objective the parameter search minimizes.
type ErrorMethod uint8

const (
	NoClipping ErrorMethod = iota
	MSE
	MAE
	LP
	KL
)

var errorMethodNames = map[ErrorMethod]string{
	NoClipping: "noclipping",
	MSE:        "mse",
	MAE:        "mae",
	LP:         "lp",
	KL:         "kl",
}

func (e ErrorMethod) String() string {
	if s, ok := errorMethodNames[e]; ok {
		return s
	}
	return fmt.Sprintf("error_method(%d)", uint8(e))
}

func ParseErrorMethod(s string) (ErrorMethod, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch key {
	case "no_clipping", "no-clipping", "minmax", "min_max":
		return NoClipping, nil
	}
	for e, name := range errorMethodNames {
		if name == key {
			return e, nil
		}
	}
	return 0, fmt.Errorf("%w: error method %q", ErrUnknownMethod, s)
}

func (e ErrorMethod) MarshalText() ([]byte, error) {
	if _, ok := errorMethodNames[e]; !ok {
		return nil, fmt.Errorf("%w: error method %d", ErrUnknownMethod, uint8(e))
	}
	return []byte(e.String()), nil
}

func (e *ErrorMethod) UnmarshalText(b []byte) error {
	v, err := ParseErrorMethod(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// Scheme fake-quantizes values with a fixed set of parameters. Params
// implements it for every Method.
type Scheme interface {
	Name() string
	Quantize(t Tensor) (Tensor, error)
}
