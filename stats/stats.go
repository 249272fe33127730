// Package stats - Per-tensor activation statistics accumulated over
// representative-data batches: running mean/variance, min/max and a
// dynamic-range histogram.
package stats

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// histogramBins is the fixed bin count of the activation histogram. Must be
// divisible by four so range doubling can merge bins pairwise.
const histogramBins = 512

// Histogram accumulates counts over a symmetric [-absMax, absMax] range that
// doubles whenever a batch exceeds it.
type Histogram struct {
	counts []float64
	absMax float64
}

func newHistogram() *Histogram {
	return &Histogram{counts: make([]float64, histogramBins)}
}

// Add accumulates a batch of values, expanding the range as needed.
func (h *Histogram) Add(values []float64) {
	for _, v := range values {
		a := math.Abs(v)
		if a > h.absMax {
			h.grow(a)
		}
	}
	if h.absMax == 0 {
		h.counts[histogramBins/2] += float64(len(values))
		return
	}
	width := 2 * h.absMax / histogramBins
	for _, v := range values {
		idx := int((v + h.absMax) / width)
		if idx < 0 {
			idx = 0
		}
		if idx >= histogramBins {
			idx = histogramBins - 1
		}
		h.counts[idx]++
	}
}

// grow doubles absMax until it covers a, merging counts pairwise into the
// center half of the new range.
func (h *Histogram) grow(a float64) {
	if h.absMax == 0 {
		h.absMax = a
		return
	}
	for h.absMax < a {
		h.absMax *= 2
		merged := make([]float64, histogramBins)
		for i := 0; i < histogramBins; i += 2 {
			merged[histogramBins/4+i/2] = h.counts[i] + h.counts[i+1]
		}
		h.counts = merged
	}
}

// Centers returns the bin center values.
func (h *Histogram) Centers() []float64 {
	centers := make([]float64, histogramBins)
	width := 2 * h.absMax / histogramBins
	for i := range centers {
		centers[i] = -h.absMax + width*(float64(i)+0.5)
	}
	return centers
}

// Counts returns the accumulated bin counts.
func (h *Histogram) Counts() []float64 {
	return h.counts
}

// AbsMax returns the histogram's current range bound.
func (h *Histogram) AbsMax() float64 {
	return h.absMax
}

// TensorStats holds running statistics for one tensor across batches.
type TensorStats struct {
	Count int
	Min   float64
	Max   float64
	Hist  *Histogram

	mean float64
	m2   float64
}

// NewTensorStats creates empty statistics.
func NewTensorStats() *TensorStats {
	return &TensorStats{
		Min:  math.Inf(1),
		Max:  math.Inf(-1),
		Hist: newHistogram(),
	}
}

// Update folds one batch of values into the running statistics.
func (s *TensorStats) Update(values []float32) {
	if len(values) == 0 {
		return
	}
	batch := make([]float64, len(values))
	for i, v := range values {
		batch[i] = float64(v)
		if batch[i] < s.Min {
			s.Min = batch[i]
		}
		if batch[i] > s.Max {
			s.Max = batch[i]
		}
	}

	bMean, bVar := stat.MeanVariance(batch, nil)
	bn := float64(len(batch))
	bM2 := 0.0
	if len(batch) > 1 {
		bM2 = bVar * (bn - 1)
	}

	n := float64(s.Count)
	delta := bMean - s.mean
	total := n + bn
	s.mean += delta * bn / total
	s.m2 += bM2 + delta*delta*n*bn/total
	s.Count += len(values)

	s.Hist.Add(batch)
}

// Mean returns the running mean.
func (s *TensorStats) Mean() float64 {
	return s.mean
}

// Variance returns the running population variance. Callers substitute an
// eps floor for degenerate values.
func (s *TensorStats) Variance() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.m2 / float64(s.Count)
}

// MaxAbs returns the largest absolute value observed.
func (s *TensorStats) MaxAbs() float64 {
	return math.Max(math.Abs(s.Min), math.Abs(s.Max))
}
