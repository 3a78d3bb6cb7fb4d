package ptq

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/pkg/mixedprecision"
	"github.com/samcharles93/ptq/pkg/qparams"
	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/stats"
)

func quiet() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

var caps = CapabilityTable{
	Default: OpCapability{Weights: true, Activation: true},
	Ops: map[string]OpCapability{
		"Add":   {Activation: true},
		"Shape": {},
	},
}

func weights(t *testing.T, rows, cols int, scale float64) *quant.Tensor {
	t.Helper()
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = scale * math.Sin(float64(i)*0.37) * float64(1+i%cols) / float64(cols)
	}
	w, err := quant.NewTensor([]int{rows, cols}, data)
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}
	return &w
}

func activations(t *testing.T, lo, hi float64) *quant.Stats {
	t.Helper()
	c, err := stats.New(64)
	if err != nil {
		t.Fatalf("stats.New: %v", err)
	}
	values := make([]float64, 257)
	for i := range values {
		values[i] = lo + (hi-lo)*float64(i)/float64(len(values)-1)
	}
	c.Update(values)
	s, err := c.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return &s
}

func testConfig() Config {
	return Config{Quantization: DefaultQuantizationConfig(), Platform: DefaultPlatform()}
}

func testNodes(t *testing.T) []Node {
	t.Helper()
	return []Node{
		{Name: "a", Type: "Conv", Weights: weights(t, 2, 32, 3), Stats: activations(t, -8, 8)},
		{Name: "b", Type: "Dense", Weights: weights(t, 2, 32, 0.5), Stats: activations(t, 0, 4)},
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	multi := DefaultPlatform()
	multi.Ops = map[string]OpOptions{"Conv": {Options: []OpConfig{
		{WeightsNBits: 8, ActivationNBits: 8, EnableWeights: true, EnableActivation: true},
		{WeightsNBits: 4, ActivationNBits: 8, EnableWeights: true, EnableActivation: true},
	}}}
	empty := DefaultPlatform()
	empty.Ops = map[string]OpOptions{"Conv": {}}

	tests := []struct {
		name   string
		mutate func(*Config, []Node) []Node
		want   error
	}{
		{
			name: "duplicate node",
			mutate: func(_ *Config, n []Node) []Node {
				n[1].Name = "a"
				return n
			},
			want: ErrConfig,
		},
		{
			name: "missing base config",
			mutate: func(c *Config, n []Node) []Node {
				c.Platform = multi
				return n
			},
			want: ErrMissingBaseConfig,
		},
		{
			name: "empty options",
			mutate: func(c *Config, n []Node) []Node {
				c.Platform = empty
				return n
			},
			want: ErrEmptyOptions,
		},
		{
			name: "missing statistics",
			mutate: func(_ *Config, n []Node) []Node {
				n[0].Stats = nil
				return n
			},
			want: ErrMissingStats,
		},
		{
			name: "unsupported activation pair",
			mutate: func(c *Config, n []Node) []Node {
				c.Quantization.ActivationMethod = quant.KMeans
				return n
			},
			want: qparams.ErrUnsupported,
		},
		{
			name: "bad channel axis",
			mutate: func(_ *Config, n []Node) []Node {
				axis := 5
				n[1].ChannelAxis = &axis
				return n
			},
			want: quant.ErrInvalidInput,
		},
		{
			name: "invalid search settings",
			mutate: func(c *Config, n []Node) []Node {
				c.Quantization.WeightsErrorMethod = quant.LP
				c.Quantization.P = -1
				return n
			},
			want: qparams.ErrInvalidConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			nodes := tt.mutate(&cfg, testNodes(t))
			_, err := Resolve(nodes, caps, cfg)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Resolve error = %v, want %v", err, tt.want)
			}
			var ne *NodeError
			if !errors.As(err, &ne) {
				t.Fatalf("Resolve error %T is not a *NodeError", err)
			}
		})
	}
}

func TestResolveEnablement(t *testing.T) {
	t.Parallel()

	nodes := []Node{
		{Name: "add", Type: "Add", Weights: weights(t, 1, 8, 1), Stats: activations(t, -1, 1)},
		{Name: "shape", Type: "Shape"},
		{Name: "noweights", Type: "Conv", Stats: activations(t, -1, 1)},
	}
	p, err := Resolve(nodes, caps, testConfig())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := map[string][2]bool{
		"add":       {false, true},
		"shape":     {false, false},
		"noweights": {false, true},
	}
	for name, w := range want {
		ws, err := p.WeightsCandidates(name)
		if err != nil {
			t.Fatalf("WeightsCandidates(%q): %v", name, err)
		}
		act, err := p.ActivationCandidate(name)
		if err != nil {
			t.Fatalf("ActivationCandidate(%q): %v", name, err)
		}
		if ws[0].Enabled != w[0] || act.Enabled != w[1] {
			t.Errorf("%s: weights %v activation %v, want %v", name, ws[0].Enabled, act.Enabled, w)
		}
	}
}

func TestPipelineWithoutMixedPrecision(t *testing.T) {
	t.Parallel()

	p, err := Resolve(testNodes(t), caps, testConfig())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := p.Freeze(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Freeze before Compute = %v, want ErrInvalidState", err)
	}
	if err := p.Compute(quiet()); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if err := p.Compute(quiet()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Compute = %v, want ErrInvalidState", err)
	}
	res, err := p.Allocate(quiet(), nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.Counters.EvaluatorCalls != 0 || res.Counters.SolverInvocations != 0 {
		t.Fatalf("counters = %+v, want no evaluator or solver work", res.Counters)
	}
	frozen, err := p.Freeze()
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if len(frozen) != 2 {
		t.Fatalf("frozen %d nodes, want 2", len(frozen))
	}
	for _, n := range frozen {
		w := n.Weights
		if !w.Enabled || w.Bits != 8 {
			t.Fatalf("%s weights = %+v, want enabled 8 bits", n.Name, w)
		}
		if len(w.Params.Threshold) != 2 {
			t.Fatalf("%s has %d thresholds, want one per channel", n.Name, len(w.Params.Threshold))
		}
		for c, th := range w.Params.Threshold {
			if !quant.IsPowerOfTwo(th) {
				t.Errorf("%s channel %d threshold %v is not a power of two", n.Name, c, th)
			}
		}
		if n.Sensitivity != nil {
			t.Errorf("%s has a sensitivity without scoring", n.Name)
		}
	}
	if got := frozen[0].Activation.Params.Threshold; len(got) != 1 || got[0] != 8 {
		t.Fatalf("activation threshold = %v, want [8]", got)
	}
	if frozen[1].Activation.Params.Signed {
		t.Fatal("non-negative activation marked signed")
	}
	if _, err := p.Freeze(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Freeze = %v, want ErrInvalidState", err)
	}
}

func TestComputeIsDeterministicAcrossWorkers(t *testing.T) {
	t.Parallel()

	run := func(workers int) []FrozenNode {
		cfg := testConfig()
		cfg.Workers = workers
		p, err := Resolve(testNodes(t), caps, cfg)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if err := p.Compute(quiet()); err != nil {
			t.Fatalf("Compute: %v", err)
		}
		if _, err := p.Allocate(quiet(), nil); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		out, err := p.Freeze()
		if err != nil {
			t.Fatalf("Freeze: %v", err)
		}
		return out
	}
	if diff := cmp.Diff(run(1), run(0)); diff != "" {
		t.Fatalf("results depend on worker count (-one +many):\n%s", diff)
	}
}

// bitsPenalty scores a configuration by how far each node is from 8 bits,
// weighted per node.
func bitsPenalty(weight map[string]float64) EvaluatorFunc {
	return func(_ context.Context, conf Configuration) (float64, error) {
		var s float64
		for name, p := range conf {
			s += weight[name] * float64(8-p.NBits)
		}
		return s, nil
	}
}

func mixedConfig(budget float64) Config {
	cfg := testConfig()
	cfg.MixedPrecision = MixedPrecisionConfig{Enabled: true, WeightsNBits: []int{2, 8, 4}, Budget: budget}
	return cfg
}

func TestMixedPrecisionAllocation(t *testing.T) {
	t.Parallel()

	// 64 weights per node: 64, 32 and 16 bytes at 8, 4 and 2 bits.
	p, err := Resolve(testNodes(t), caps, mixedConfig(96))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	ws, _ := p.WeightsCandidates("a")
	if got := []int{ws[0].Bits, ws[1].Bits, ws[2].Bits}; !cmp.Equal(got, []int{8, 4, 2}) {
		t.Fatalf("candidate bits = %v, want [8 4 2]", got)
	}
	if err := p.Compute(quiet()); err != nil {
		t.Fatalf("Compute: %v", err)
	}

	var (
		mu    sync.Mutex
		calls int
	)
	penalty := bitsPenalty(map[string]float64{"a": 10, "b": 1})
	ev := EvaluatorFunc(func(ctx context.Context, conf Configuration) (float64, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		if len(conf) != 2 {
			t.Errorf("configuration has %d nodes, want 2", len(conf))
		}
		return penalty(ctx, conf)
	})
	res, err := p.Allocate(quiet(), ev)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if diff := cmp.Diff([]int{8, 4}, res.Bits); diff != "" {
		t.Fatalf("bits mismatch (-want +got):\n%s", diff)
	}
	if res.Cost != 96 {
		t.Fatalf("cost = %v, want 96", res.Cost)
	}
	// One baseline plus two lower candidates per node.
	if calls != 5 {
		t.Fatalf("evaluator calls = %d, want 5", calls)
	}

	frozen, err := p.Freeze()
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if frozen[1].Sensitivity == nil || *frozen[1].Sensitivity != 4 {
		t.Fatalf("b sensitivity = %v, want 4", frozen[1].Sensitivity)
	}
	if frozen[1].Weights.Params.NBits != 4 {
		t.Fatalf("b params bits = %d, want 4", frozen[1].Weights.Params.NBits)
	}
}

func TestMixedPrecisionNeedsEvaluator(t *testing.T) {
	t.Parallel()

	p, err := Resolve(testNodes(t), caps, mixedConfig(0))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := p.Compute(quiet()); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if _, err := p.Allocate(quiet(), nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("Allocate(nil) = %v, want ErrConfig", err)
	}
}

func TestMixedPrecisionInfeasibleBudget(t *testing.T) {
	t.Parallel()

	p, err := Resolve(testNodes(t), caps, mixedConfig(10))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := p.Compute(quiet()); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	_, err = p.Allocate(quiet(), bitsPenalty(nil))
	var inf *mixedprecision.InfeasibleError
	if !errors.As(err, &inf) {
		t.Fatalf("Allocate = %v, want *InfeasibleError", err)
	}
	if inf.MinCost != 32 {
		t.Fatalf("min cost = %v, want 32", inf.MinCost)
	}
}

func TestSelectAndFreezeValidation(t *testing.T) {
	t.Parallel()

	p, err := Resolve(testNodes(t), caps, mixedConfig(96))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := p.Compute(quiet()); err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if err := p.Select(map[string]int{"a": 2, "b": 3}); !errors.Is(err, ErrInvalidAssignment) {
		t.Fatalf("Select unknown bits = %v, want ErrInvalidAssignment", err)
	}
	if err := p.Select(map[string]int{"nope": 8}); !errors.Is(err, ErrInvalidAssignment) {
		t.Fatalf("Select unknown node = %v, want ErrInvalidAssignment", err)
	}
	// Over budget: 64 + 64 bytes.
	if err := p.Select(map[string]int{"a": 8, "b": 8}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, err := p.Freeze(); !errors.Is(err, ErrInvalidAssignment) {
		t.Fatalf("Freeze over budget = %v, want ErrInvalidAssignment", err)
	}

	if err := p.Select(map[string]int{"a": 2}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	frozen, err := p.Freeze()
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	got := []int{frozen[0].Weights.Bits, frozen[1].Weights.Bits}
	if diff := cmp.Diff([]int{2, 8}, got); diff != "" {
		t.Fatalf("bits mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeReportsFailedNode(t *testing.T) {
	t.Parallel()

	nodes := testNodes(t)
	nodes[1].Weights.Data[3] = math.NaN()
	p, err := Resolve(nodes, caps, testConfig())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	err = p.Compute(quiet())
	var ne *NodeError
	if !errors.As(err, &ne) || ne.Node != "b" {
		t.Fatalf("Compute = %v, want a *NodeError for b", err)
	}
	if !errors.Is(err, quant.ErrDegenerate) {
		t.Fatalf("Compute = %v, want ErrDegenerate in the chain", err)
	}

	ws, _ := p.WeightsCandidates("a")
	if !ws[0].Usable() {
		t.Fatalf("healthy node a lost its candidate: %v", ws[0].Err)
	}
	if _, err := p.Allocate(quiet(), nil); !errors.Is(err, ErrInvalidAssignment) {
		t.Fatalf("Allocate = %v, want ErrInvalidAssignment", err)
	}
}

func TestComputeCancelled(t *testing.T) {
	t.Parallel()

	p, err := Resolve(testNodes(t), caps, testConfig())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	ctx, cancel := context.WithCancel(quiet())
	cancel()
	if err := p.Compute(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Compute = %v, want context.Canceled", err)
	}
}

func TestOpOptionsValidate(t *testing.T) {
	t.Parallel()

	eight := OpConfig{WeightsNBits: 8, ActivationNBits: 8, EnableWeights: true, EnableActivation: true}
	four := OpConfig{WeightsNBits: 4, ActivationNBits: 8, EnableWeights: true, EnableActivation: true}
	other := OpConfig{WeightsNBits: 2, EnableWeights: true}

	tests := []struct {
		name string
		opts OpOptions
		want error
	}{
		{"empty", OpOptions{}, ErrEmptyOptions},
		{"single", OpOptions{Options: []OpConfig{eight}}, nil},
		{"multi without base", OpOptions{Options: []OpConfig{eight, four}}, ErrMissingBaseConfig},
		{"multi with base", OpOptions{Options: []OpConfig{eight, four}, Base: &eight}, nil},
		{"foreign base", OpOptions{Options: []OpConfig{eight, four}, Base: &other}, ErrConfig},
		{"zero bits", OpOptions{Options: []OpConfig{{EnableWeights: true}}}, ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.opts.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate = %v, want %v", err, tt.want)
			}
		})
	}

	bits := OpOptions{Options: []OpConfig{four, eight, four, {WeightsNBits: 2}}}.WeightsBits()
	if diff := cmp.Diff([]int{8, 4}, bits); diff != "" {
		t.Fatalf("WeightsBits mismatch (-want +got):\n%s", diff)
	}
}
