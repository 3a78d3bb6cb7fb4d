// Package calib loads calibration data for activation quantization. A file
// may carry precomputed statistics per node, raw representative samples per
// node, or both; samples are folded into histograms with pkg/stats. It may
// also carry representative model inputs for sensitivity evaluation.
package calib

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/ptq/pkg/quant"
	"github.com/samcharles93/ptq/pkg/stats"
)

var ErrInvalidFile = errors.New("calib: invalid calibration file")

// File is the on-disk calibration format.
//
//	{
//	  "stats":   {"conv1": {"histogram": {"edges": [...], "counts": [...]}, "min": -1, "max": 3}},
//	  "samples": {"conv2": [[0.1, 0.7], [1.2, -0.4]]},
//	  "inputs":  [[0.5, -1, 2], [1, 0, -0.25]]
//	}
//
// Each entry of samples is a list of batches observed at the node's output.
// Each row of inputs is one model input sample.
type File struct {
	Stats   map[string]quant.Stats  `json:"stats,omitempty"`
	Samples map[string][][]float64 `json:"samples,omitempty"`
	Inputs  [][]float64            `json:"inputs,omitempty"`
}

// Load reads a calibration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a calibration file and validates its statistics and the
// shape of its inputs.
func Parse(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	for _, name := range sortedKeys(f.Stats) {
		if err := f.Stats[name].Validate(); err != nil {
			return nil, fmt.Errorf("%w: node %q: %w", ErrInvalidFile, name, err)
		}
	}
	for i, row := range f.Inputs {
		if len(row) == 0 || len(row) != len(f.Inputs[0]) {
			return nil, fmt.Errorf("%w: input %d has %d values, want %d", ErrInvalidFile, i, len(row), len(f.Inputs[0]))
		}
	}
	return &f, nil
}

// Save writes statistics in the calibration format.
func Save(path string, s map[string]quant.Stats) error {
	data, err := json.MarshalIndent(File{Stats: s}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Resolve returns statistics for every node in the file. Precomputed
// statistics win over samples for the same node. Samples are collected into
// histograms with the given bin count, one goroutine per node.
func (f *File) Resolve(bins int) (map[string]quant.Stats, error) {
	if bins <= 0 {
		bins = stats.DefaultBins
	}
	set, err := stats.NewSet(bins)
	if err != nil {
		return nil, err
	}
	var g errgroup.Group
	for name, batches := range f.Samples {
		if _, ok := f.Stats[name]; ok {
			continue
		}
		c := set.Collector(name)
		g.Go(func() error {
			for _, b := range batches {
				c.Update(b)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := set.Finalize()
	for _, name := range set.Names() {
		if _, ok := out[name]; !ok {
			return nil, fmt.Errorf("%w: node %q: %w", ErrInvalidFile, name, stats.ErrNoSamples)
		}
	}
	for name, s := range f.Stats {
		out[name] = s
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
