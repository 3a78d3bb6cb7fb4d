package similarity

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func randomVec(seed int64, n int) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

func TestIdentityIsZero(t *testing.T) {
	t.Parallel()
	x := randomVec(1, 257)

	for _, norm := range []bool{false, true} {
		mse, err := MSE(x, x, norm)
		if err != nil {
			t.Fatalf("MSE: %v", err)
		}
		if mse != 0 {
			t.Errorf("MSE(x, x, norm=%v) = %v, want 0", norm, mse)
		}
		mae, err := MAE(x, x, norm)
		if err != nil {
			t.Fatalf("MAE: %v", err)
		}
		if mae != 0 {
			t.Errorf("MAE(x, x, norm=%v) = %v, want 0", norm, mae)
		}
		lp, err := LpNorm(x, x, 3, norm)
		if err != nil {
			t.Fatalf("LpNorm: %v", err)
		}
		if lp != 0 {
			t.Errorf("LpNorm(x, x, 3, norm=%v) = %v, want 0", norm, lp)
		}
	}
}

func TestKnownValues(t *testing.T) {
	t.Parallel()
	ref := []float64{1, 2, 3, 4}
	cand := []float64{1, 2, 3, 2}

	tests := []struct {
		name string
		fn   func() (float64, error)
		want float64
	}{
		{"mse", func() (float64, error) { return MSE(ref, cand, false) }, 1.0},
		{"mae", func() (float64, error) { return MAE(ref, cand, false) }, 0.5},
		{"lp3", func() (float64, error) { return LpNorm(ref, cand, 3, false) }, 2.0},
		{"mse-norm", func() (float64, error) { return MSE(ref, cand, true) }, 1.0 / (7.5 + NormEps)},
		{"mae-norm", func() (float64, error) { return MAE(ref, cand, true) }, 0.5 / (2.5 + NormEps)},
	}
	for _, tc := range tests {
		got, err := tc.fn()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestShapeMismatchRejected(t *testing.T) {
	t.Parallel()
	a := []float64{1, 2, 3}
	b := []float64{1, 2}

	checks := map[string]func() error{
		"mse":    func() error { _, err := MSE(a, b, false); return err },
		"mae":    func() error { _, err := MAE(a, b, false); return err },
		"lp":     func() error { _, err := LpNorm(a, b, 2, false); return err },
		"cosine": func() error { _, err := Cosine(a, b); return err },
		"kl":     func() error { _, err := KL(a, b, 16); return err },
		"nmse":   func() error { _, err := NMSE(a, b); return err },
	}
	for name, fn := range checks {
		if err := fn(); !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("%s: expected ErrShapeMismatch, got %v", name, err)
		}
	}
}

func TestEmptyRejected(t *testing.T) {
	t.Parallel()
	if _, err := MSE(nil, nil, false); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestCosineRange(t *testing.T) {
	t.Parallel()
	for seed := int64(0); seed < 20; seed++ {
		a := randomVec(seed, 64)
		b := randomVec(seed+100, 64)
		d, err := Cosine(a, b)
		if err != nil {
			t.Fatalf("Cosine: %v", err)
		}
		if d < 0 || d > 1 {
			t.Fatalf("seed %d: cosine distance %v outside [0, 1]", seed, d)
		}
	}

	a := []float64{1, 2, 3}
	neg := []float64{-1, -2, -3}
	d, err := Cosine(a, neg)
	if err != nil {
		t.Fatalf("Cosine: %v", err)
	}
	if math.Abs(d-1) > 1e-6 {
		t.Fatalf("opposite vectors: got %v, want ~1", d)
	}
}

func TestCosinePositiveMultipleIsZero(t *testing.T) {
	t.Parallel()
	a := randomVec(7, 128)
	for _, scale := range []float64{0.01, 1, 3.5, 1000} {
		b := make([]float64, len(a))
		for i := range a {
			b[i] = a[i] * scale
		}
		d, err := Cosine(a, b)
		if err != nil {
			t.Fatalf("Cosine: %v", err)
		}
		if d > 1e-8 {
			t.Errorf("scale %v: got %v, want ~0", scale, d)
		}
	}
}

// Both-zero inputs return 1.0, not 0.0. This pins the current behaviour so a
// change to it is deliberate.
func TestCosineAllZeroReturnsOne(t *testing.T) {
	t.Parallel()
	zero := make([]float64, 10)
	d, err := Cosine(zero, zero)
	if err != nil {
		t.Fatalf("Cosine: %v", err)
	}
	if d != 1.0 {
		t.Fatalf("got %v, want 1.0", d)
	}
}

func TestKL(t *testing.T) {
	t.Parallel()
	x := randomVec(3, 4096)
	same, err := KL(x, x, 128)
	if err != nil {
		t.Fatalf("KL: %v", err)
	}
	if same > 1e-9 {
		t.Fatalf("KL(x, x) = %v, want ~0", same)
	}

	coarse := make([]float64, len(x))
	for i, v := range x {
		coarse[i] = math.Round(v)
	}
	d, err := KL(x, coarse, 128)
	if err != nil {
		t.Fatalf("KL: %v", err)
	}
	if d <= same {
		t.Fatalf("coarse KL %v should exceed identical KL %v", d, same)
	}
}

func TestDivergenceNonNegative(t *testing.T) {
	t.Parallel()
	p := []float64{1, 0, 3, 5}
	q := []float64{0, 2, 3, 1}
	if d := Divergence(p, q); d < 0 {
		t.Fatalf("divergence %v < 0", d)
	}
	if d := Divergence(p, p); d > 1e-12 {
		t.Fatalf("Divergence(p, p) = %v", d)
	}
}

func TestParseDistance(t *testing.T) {
	t.Parallel()
	for d, name := range distanceNames {
		got, err := ParseDistance(name)
		if err != nil {
			t.Fatalf("ParseDistance(%q): %v", name, err)
		}
		if got != d {
			t.Errorf("ParseDistance(%q) = %v, want %v", name, got, d)
		}
	}
	if _, err := ParseDistance("chebyshev"); err == nil {
		t.Fatal("expected error for unknown distance")
	}
}
