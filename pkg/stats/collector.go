// Package stats accumulates per-node activation statistics over a calibration
// run: a running min/max and a histogram that re-bins itself as the observed
// range grows.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/samcharles93/ptq/pkg/quant"
)

// DefaultBins is the histogram resolution used when none is configured.
const DefaultBins = 2048

var (
	ErrNoSamples   = errors.New("stats: no finite samples collected")
	ErrInvalidBins = errors.New("stats: invalid bin count")
)

// Collector is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	bins    int
	counts  []float64
	lo, hi  float64
	min     float64
	max     float64
	n       int64
	skipped int64
}

// New returns an empty collector with the given number of bins.
func New(bins int) (*Collector, error) {
	if bins <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBins, bins)
	}
	return &Collector{
		bins: bins,
		min:  math.Inf(1),
		max:  math.Inf(-1),
	}, nil
}

// Update adds a batch of samples. Non-finite values are counted as skipped and
// otherwise ignored.
func (c *Collector) Update(values []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lo, hi := math.Inf(1), math.Inf(-1)
	finite := 0
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			c.skipped++
			continue
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
		finite++
	}
	if finite == 0 {
		return
	}
	c.ensureRange(lo, hi)
	width := (c.hi - c.lo) / float64(c.bins)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		c.counts[c.binOf(v, width)]++
	}
	c.min, c.max = math.Min(c.min, lo), math.Max(c.max, hi)
	c.n += int64(finite)
}

func (c *Collector) binOf(v, width float64) int {
	return min(c.bins-1, max(0, int((v-c.lo)/width)))
}

// ensureRange grows the histogram range to cover [lo, hi]. Existing counts are
// moved to the new bin holding their old bin center.
func (c *Collector) ensureRange(lo, hi float64) {
	if c.counts == nil {
		if hi == lo {
			w := math.Max(math.Abs(lo), 1) * 1e-3
			lo, hi = lo-w, hi+w
		}
		c.lo, c.hi = lo, hi
		c.counts = make([]float64, c.bins)
		return
	}
	if lo >= c.lo && hi <= c.hi {
		return
	}
	oldLo, oldWidth := c.lo, (c.hi-c.lo)/float64(c.bins)
	old := c.counts
	c.lo, c.hi = math.Min(c.lo, lo), math.Max(c.hi, hi)
	c.counts = make([]float64, c.bins)
	width := (c.hi - c.lo) / float64(c.bins)
	for i, n := range old {
		if n == 0 {
			continue
		}
		center := oldLo + (float64(i)+0.5)*oldWidth
		c.counts[c.binOf(center, width)] += n
	}
}

// Merge folds another collector's samples into c.
func (c *Collector) Merge(o *Collector) {
	s, ok := o.snapshot()
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureRange(s.lo, s.hi)
	width := (c.hi - c.lo) / float64(c.bins)
	oWidth := (s.hi - s.lo) / float64(len(s.counts))
	for i, n := range s.counts {
		if n == 0 {
			continue
		}
		c.counts[c.binOf(s.lo+(float64(i)+0.5)*oWidth, width)] += n
	}
	c.min, c.max = math.Min(c.min, s.min), math.Max(c.max, s.max)
	c.n += s.n
	c.skipped += s.skipped
}

type snapshot struct {
	counts           []float64
	lo, hi, min, max float64
	n, skipped       int64
}

func (c *Collector) snapshot() (snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		return snapshot{skipped: c.skipped}, false
	}
	return snapshot{
		counts:  append([]float64(nil), c.counts...),
		lo:      c.lo,
		hi:      c.hi,
		min:     c.min,
		max:     c.max,
		n:       c.n,
		skipped: c.skipped,
	}, true
}

// Count returns the number of finite samples and the number skipped.
func (c *Collector) Count() (n, skipped int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n, c.skipped
}

// Finalize returns the histogram and min/max collected so far. The collector
// stays usable.
func (c *Collector) Finalize() (quant.Stats, error) {
	s, ok := c.snapshot()
	if !ok {
		return quant.Stats{}, ErrNoSamples
	}
	edges := make([]float64, len(s.counts)+1)
	width := (s.hi - s.lo) / float64(len(s.counts))
	for i := range edges {
		edges[i] = s.lo + float64(i)*width
	}
	edges[len(s.counts)] = s.hi
	return quant.Stats{
		Histogram: quant.Histogram{Edges: edges, Counts: s.counts},
		Min:       s.min,
		Max:       s.max,
	}, nil
}
