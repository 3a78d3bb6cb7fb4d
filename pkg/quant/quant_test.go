package quant

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParseMethod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Method
	}{
		{"power_of_two", PowerOfTwo},
		{"POT", PowerOfTwo},
		{"symmetric", Symmetric},
		{" Uniform ", Uniform},
		{"kmeans", KMeans},
		{"lut", LUT},
		{"lut_quantizer", LUT},
	}
	for _, tt := range tests {
		got, err := ParseMethod(tt.in)
		if err != nil {
			t.Fatalf("ParseMethod(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseMethod(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseMethod("ternary"); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
}

func TestErrorMethodTextRoundTrip(t *testing.T) {
	t.Parallel()

	for e := range errorMethodNames {
		b, err := e.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", e, err)
		}
		var back ErrorMethod
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", b, err)
		}
		if back != e {
			t.Fatalf("round trip %v -> %v", e, back)
		}
	}
	if _, err := ErrorMethod(42).MarshalText(); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
}

func TestQuantizeSymmetricSigned(t *testing.T) {
	t.Parallel()

	x := []float64{-10, -5, 0, 5, 10}
	dst := make([]float64, len(x))
	QuantizeSymmetric(dst, x, 10, 8, true)

	want := []float64{-10, -5, 0, 5, 10 - 10.0/128}
	if diff := cmp.Diff(want, dst, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestQuantizeSymmetricUnsignedClampsNegatives(t *testing.T) {
	t.Parallel()

	x := []float64{-1, 0, 1, 3.99}
	dst := make([]float64, len(x))
	QuantizeSymmetric(dst, x, 4, 2, false)

	// delta = 1, levels 0..3
	want := []float64{0, 0, 1, 3}
	if diff := cmp.Diff(want, dst); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestQuantizeSymmetricZeroThreshold(t *testing.T) {
	t.Parallel()

	x := []float64{1, 2}
	dst := make([]float64, 2)
	QuantizeSymmetric(dst, x, 0, 8, true)
	if dst[0] != 0 || dst[1] != 0 {
		t.Fatalf("expected zeros, got %v", dst)
	}
}

func TestQuantizeUniform(t *testing.T) {
	t.Parallel()

	x := []float64{-2, 0, 1, 3, 9}
	dst := make([]float64, len(x))
	QuantizeUniform(dst, x, 0, 3, 2)

	want := []float64{0, 0, 1, 3, 3}
	if diff := cmp.Diff(want, dst, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestFixRangeToIncludeZero(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		lo, hi float64
	}{
		{"straddles", -1, 3},
		{"asymmetric", -0.37, 5.2},
		{"positive", 0.5, 4},
		{"negative", -4, -0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			lo, hi := FixRangeToIncludeZero(tt.lo, tt.hi, 8)
			if lo > 0 || hi < 0 {
				t.Fatalf("range [%v, %v] excludes zero", lo, hi)
			}
			scale := (hi - lo) / 255
			zp := -lo / scale
			if math.Abs(zp-math.Round(zp)) > 1e-6 {
				t.Fatalf("zero is not a grid point: zero point %v", zp)
			}
		})
	}
}

func TestNearestCenterTiesPreferLowerIndex(t *testing.T) {
	t.Parallel()

	if got := NearestCenter(0, []float64{-1, 1}); got != 0 {
		t.Fatalf("NearestCenter tie = %d, want 0", got)
	}
	if got := NearestCenter(0.9, []float64{-1, 1}); got != 1 {
		t.Fatalf("NearestCenter = %d, want 1", got)
	}
}

func TestPowerOfTwoHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, floor, ceil float64
		pot             bool
	}{
		{10, 8, 16, false},
		{8, 8, 8, true},
		{0.3, 0.25, 0.5, false},
		{1.0 / 1024, 1.0 / 1024, 1.0 / 1024, true},
	}
	for _, tt := range tests {
		if got := PowerOfTwoFloor(tt.in); got != tt.floor {
			t.Fatalf("PowerOfTwoFloor(%v) = %v, want %v", tt.in, got, tt.floor)
		}
		if got := PowerOfTwoCeil(tt.in); got != tt.ceil {
			t.Fatalf("PowerOfTwoCeil(%v) = %v, want %v", tt.in, got, tt.ceil)
		}
		if got := IsPowerOfTwo(tt.in); got != tt.pot {
			t.Fatalf("IsPowerOfTwo(%v) = %v, want %v", tt.in, got, tt.pot)
		}
	}
	if IsPowerOfTwo(0) || IsPowerOfTwo(-2) || IsPowerOfTwo(math.Inf(1)) {
		t.Fatal("non-positive or infinite values are not powers of two")
	}
}

func TestTensorValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		t    Tensor
		want error
	}{
		{"ok", Vector([]float64{1, 2}), nil},
		{"empty", Tensor{}, ErrInvalidInput},
		{"shape mismatch", Tensor{Shape: []int{3}, Data: []float64{1}}, ErrInvalidInput},
		{"nan", Vector([]float64{1, math.NaN()}), ErrDegenerate},
		{"all inf", Vector([]float64{math.Inf(1), math.Inf(-1)}), ErrDegenerate},
	}
	for _, tt := range tests {
		err := tt.t.Validate()
		if tt.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tt.name, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestChannelsAndMapChannels(t *testing.T) {
	t.Parallel()

	// 2x3, row-major
	tn, err := NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	rows, err := tn.Channels(0)
	if err != nil {
		t.Fatalf("Channels(0): %v", err)
	}
	if diff := cmp.Diff([][]float64{{1, 2, 3}, {4, 5, 6}}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}

	cols, err := tn.Channels(-1)
	if err != nil {
		t.Fatalf("Channels(-1): %v", err)
	}
	if diff := cmp.Diff([][]float64{{1, 4}, {2, 5}, {3, 6}}, cols); diff != "" {
		t.Fatalf("cols mismatch (-want +got):\n%s", diff)
	}

	scaled, err := tn.MapChannels(1, func(c int, v []float64) []float64 {
		out := make([]float64, len(v))
		for i := range v {
			out[i] = v[i] * float64(c+1)
		}
		return out
	})
	if err != nil {
		t.Fatalf("MapChannels: %v", err)
	}
	if diff := cmp.Diff([]float64{1, 4, 9, 4, 10, 18}, scaled.Data); diff != "" {
		t.Fatalf("mapped mismatch (-want +got):\n%s", diff)
	}

	if _, err := tn.Channels(2); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad axis, got %v", err)
	}
}

func TestHistogramValidate(t *testing.T) {
	t.Parallel()

	ok := Histogram{Edges: []float64{-1, 0, 1}, Counts: []float64{1, 3}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := ok.MaxAbs(); got != 1 {
		t.Fatalf("MaxAbs = %v, want 1", got)
	}

	bad := []struct {
		name string
		h    Histogram
		want error
	}{
		{"no bins", Histogram{}, ErrDegenerate},
		{"edge count", Histogram{Edges: []float64{0, 1}, Counts: []float64{1, 1}}, ErrInvalidInput},
		{"not increasing", Histogram{Edges: []float64{0, 0, 1}, Counts: []float64{1, 1}}, ErrInvalidInput},
		{"negative count", Histogram{Edges: []float64{0, 1}, Counts: []float64{-1}}, ErrInvalidInput},
		{"empty mass", Histogram{Edges: []float64{0, 1}, Counts: []float64{0}}, ErrDegenerate},
	}
	for _, tt := range bad {
		if err := tt.h.Validate(); !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestParamsQuantizePerChannel(t *testing.T) {
	t.Parallel()

	tn, _ := NewTensor([]int{2, 2}, []float64{0.9, -0.9, 3.1, -3.1})
	p := Params{
		Method:      Symmetric,
		NBits:       2,
		Signed:      true,
		PerChannel:  true,
		ChannelAxis: 0,
		Threshold:   []float64{1, 4},
	}
	got, err := p.Quantize(tn)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	// channel 0: delta 0.5, levels -1..0.5; channel 1: delta 2, levels -4..2
	want := []float64{0.5, -1, 2, -4}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParamsQuantizeCodebooks(t *testing.T) {
	t.Parallel()

	km := Params{Method: KMeans, NBits: 1, Centers: []float64{-1, 2}}
	got, err := km.Quantize(Vector([]float64{-3, 0.4, 0.6, 10}))
	if err != nil {
		t.Fatalf("Quantize kmeans: %v", err)
	}
	if diff := cmp.Diff([]float64{-1, -1, 2, 2}, got.Data); diff != "" {
		t.Fatalf("kmeans mismatch (-want +got):\n%s", diff)
	}

	lut := Params{Method: LUT, NBits: 1, Centers: []float64{-64, 64}, Scale: []float64{1.0 / 32}}
	got, err = lut.Quantize(Vector([]float64{-5, 5}))
	if err != nil {
		t.Fatalf("Quantize lut: %v", err)
	}
	if diff := cmp.Diff([]float64{-2, 2}, got.Data); diff != "" {
		t.Fatalf("lut mismatch (-want +got):\n%s", diff)
	}

	if _, err := (Params{Method: Uniform, NBits: 8}).Quantize(Vector([]float64{1})); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty params, got %v", err)
	}
}

func TestParamsCloneIsDeep(t *testing.T) {
	t.Parallel()

	p := Params{Method: Symmetric, NBits: 8, Threshold: []float64{1}}
	c := p.Clone()
	c.Threshold[0] = 2
	if p.Threshold[0] != 1 {
		t.Fatal("Clone shares threshold slice")
	}
}
