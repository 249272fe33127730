package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/backend"
	"github.com/nvr-ai/go-quant/dataset"
	"github.com/nvr-ai/go-quant/graph"
)

func TestTensorStatsMatchesDirectComputation(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, -3, 0.5, 2.5}

	s := NewTensorStats()
	// Feed in two uneven batches to exercise the running merge.
	s.Update(values[:3])
	s.Update(values[3:])

	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	mean := sum / float64(len(values))
	var m2 float64
	for _, v := range values {
		d := float64(v) - mean
		m2 += d * d
	}

	assert.InDelta(t, mean, s.Mean(), 1e-9)
	assert.InDelta(t, m2/float64(len(values)), s.Variance(), 1e-9)
	assert.Equal(t, float64(-3), s.Min)
	assert.Equal(t, float64(5), s.Max)
	assert.Equal(t, float64(5), s.MaxAbs())
}

func TestTensorStatsSingleValueBatches(t *testing.T) {
	s := NewTensorStats()
	for _, v := range []float32{2, 4, 6} {
		s.Update([]float32{v})
	}
	assert.InDelta(t, 4.0, s.Mean(), 1e-9)
	assert.InDelta(t, 8.0/3.0, s.Variance(), 1e-9)
}

func TestHistogramGrowPreservesMass(t *testing.T) {
	h := newHistogram()
	h.Add([]float64{0.5, -0.5, 0.25})

	var before float64
	for _, c := range h.Counts() {
		before += c
	}
	require.Equal(t, float64(3), before)

	// Exceeding the range doubles it; the counts move, the mass does not.
	h.Add([]float64{3.0})
	var after float64
	for _, c := range h.Counts() {
		after += c
	}
	assert.Equal(t, float64(4), after)
	assert.GreaterOrEqual(t, h.AbsMax(), 3.0)
}

func TestHistogramCentersSpanRange(t *testing.T) {
	h := newHistogram()
	h.Add([]float64{-2, 2})
	centers := h.Centers()
	require.Len(t, centers, histogramBins)
	assert.Less(t, centers[0], -1.9)
	assert.Greater(t, centers[histogramBins-1], 1.9)
	assert.True(t, math.Abs(centers[0]+centers[histogramBins-1]) < 1e-9,
		"centers should be symmetric around zero")
}

func buildChain(t *testing.T) *graph.Graph {
	t.Helper()
	kernel := tensor.New(tensor.WithShape(2, 2, 1, 1),
		tensor.WithBacking([]float32{1, 0, 0, 1}))
	g, err := graph.Build([]graph.LayerSpec{
		{Name: "input", Op: graph.OpInput, InputShape: tensor.Shape{1, 2, 4, 4}},
		{Name: "conv", Op: graph.OpConv2D,
			Weights: map[string]*tensor.Dense{graph.AttrKernel: kernel}},
		{Name: "relu", Op: graph.OpReLU},
	})
	require.NoError(t, err)
	return g
}

func TestCollectorIsDeterministic(t *testing.T) {
	g := buildChain(t)
	runner := backend.NewGorgonia(nil)
	c := NewCollector(runner, nil)

	gen := dataset.Gaussian(11, 0, 1, tensor.Shape{1, 2, 4, 4}, 8)
	first, err := c.Collect(g, gen, 8)
	require.NoError(t, err)

	second, err := c.Collect(g, gen, 8)
	require.NoError(t, err)

	for _, name := range []string{"input", "conv", "relu"} {
		a, b := first.Get(name), second.Get(name)
		require.NotNil(t, a, name)
		require.NotNil(t, b, name)
		assert.Equal(t, a.Mean(), b.Mean(), name)
		assert.Equal(t, a.Variance(), b.Variance(), name)
		assert.Equal(t, a.Min, b.Min, name)
		assert.Equal(t, a.Max, b.Max, name)
	}
}

func TestCollectExhaustionFailsLoudly(t *testing.T) {
	g := buildChain(t)
	c := NewCollector(backend.NewGorgonia(nil), nil)

	gen := dataset.Gaussian(1, 0, 1, tensor.Shape{1, 2, 4, 4}, 3)
	_, err := c.Collect(g, gen, 10)
	require.ErrorIs(t, err, dataset.ErrExhausted)
	assert.Contains(t, err.Error(), "needs 10 batches, got 3")
}

func TestStoreGetMissing(t *testing.T) {
	s := Store{}
	assert.Nil(t, s.Get("absent"))
}
