package stats

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/ptq/pkg/quant"
)

// Set keeps one Collector per node output.
type Set struct {
	mu    sync.Mutex
	bins  int
	nodes map[string]*Collector
}

// NewSet returns an empty set whose collectors use the given bin count.
func NewSet(bins int) (*Set, error) {
	if bins <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBins, bins)
	}
	return &Set{bins: bins, nodes: make(map[string]*Collector)}, nil
}

// Collector returns the collector for node, creating it on first use.
func (s *Set) Collector(node string) *Collector {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.nodes[node]
	if !ok {
		c, _ = New(s.bins)
		s.nodes[node] = c
	}
	return c
}

// Update is shorthand for s.Collector(node).Update(values).
func (s *Set) Update(node string, values []float64) {
	s.Collector(node).Update(values)
}

// Names returns the nodes seen so far, sorted.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.nodes))
	for n := range s.nodes {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Finalize returns the statistics of every node that has samples. Nodes that
// never saw a finite sample are left out.
func (s *Set) Finalize() map[string]quant.Stats {
	out := make(map[string]quant.Stats)
	for _, name := range s.Names() {
		st, err := s.Collector(name).Finalize()
		if err != nil {
			continue
		}
		out[name] = st
	}
	return out
}
