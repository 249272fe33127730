package correction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/backend"
	"github.com/nvr-ai/go-quant/dataset"
	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/quantization"
)

// convBNGraph is a 1x1 all-ones Conv2D over one channel followed by an
// identity-initialized batch norm, the canonical correction target.
func convBNGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Build([]graph.LayerSpec{
		{Name: "input", Op: graph.OpInput, InputShape: tensor.Shape{1, 1, 4, 4}},
		{Name: "conv", Op: graph.OpConv2D, Weights: map[string]*tensor.Dense{
			graph.AttrKernel: tensor.New(tensor.WithShape(1, 1, 1, 1), tensor.WithBacking([]float32{1})),
		}},
		{Name: "bn", Op: graph.OpBatchNorm, Weights: map[string]*tensor.Dense{
			graph.AttrGamma:          tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{1})),
			graph.AttrBeta:           tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{0})),
			graph.AttrMovingMean:     tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{0})),
			graph.AttrMovingVariance: tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{1})),
		}, BN: &graph.BNParams{Epsilon: 1e-3}},
	})
	require.NoError(t, err)

	conv := g.FindNodeByName("conv")[0]
	conv.QuantizeWeights = true
	conv.WeightParams = map[string]*quantization.Params{
		graph.AttrKernel: quantization.SymmetricParams(quantization.MethodPowerOfTwo, 8, 1.0),
	}
	return g
}

func TestApplyOverwritesMovingStatistics(t *testing.T) {
	g := convBNGraph(t)
	cfg := quantization.DefaultConfig()
	cfg.WeightsSecondMomentIters = 200

	// The conv is an identity, so the batch norm sees the input distribution.
	gen := dataset.Gaussian(42, 8.0, 0.5, tensor.Shape{1, 1, 4, 4}, 0)
	sm := NewSecondMoment(backend.NewGorgonia(nil), cfg, nil)
	out, err := sm.Apply(g, gen)
	require.NoError(t, err)

	bn := out.FindNodeByName("bn")[0]
	mm := bn.WeightByKey(graph.AttrMovingMean).Data().([]float32)
	mv := bn.WeightByKey(graph.AttrMovingVariance).Data().([]float32)
	assert.InDelta(t, 8.0, mm[0], 1e-1)
	assert.InDelta(t, 0.25, mv[0], 1e-1)

	// Gamma and beta are never touched.
	assert.Equal(t, float32(1), bn.WeightByKey(graph.AttrGamma).Data().([]float32)[0])
	assert.Equal(t, float32(0), bn.WeightByKey(graph.AttrBeta).Data().([]float32)[0])

	// The correction works on a copy; the caller's graph keeps its
	// original statistics.
	origBN := g.FindNodeByName("bn")[0]
	assert.Equal(t, float32(0), origBN.WeightByKey(graph.AttrMovingMean).Data().([]float32)[0])
	assert.Equal(t, float32(1), origBN.WeightByKey(graph.AttrMovingVariance).Data().([]float32)[0])
}

func TestApplyNoOpWithoutConvBNPairs(t *testing.T) {
	g, err := graph.Build([]graph.LayerSpec{
		{Name: "input", Op: graph.OpInput, InputShape: tensor.Shape{1, 1, 2, 2}},
		{Name: "relu", Op: graph.OpReLU},
	})
	require.NoError(t, err)

	sm := NewSecondMoment(backend.NewGorgonia(nil), quantization.DefaultConfig(), nil)
	out, err := sm.Apply(g, dataset.Gaussian(1, 0, 1, tensor.Shape{1, 1, 2, 2}, 0))
	require.NoError(t, err)
	assert.NotSame(t, g, out)
	assert.Len(t, out.Nodes(), 2)
}

func TestApplySkipsUnquantizedConv(t *testing.T) {
	g := convBNGraph(t)
	conv := g.FindNodeByName("conv")[0]
	conv.QuantizeWeights = false

	sm := NewSecondMoment(backend.NewGorgonia(nil), quantization.DefaultConfig(), nil)
	out, err := sm.Apply(g, dataset.Gaussian(1, 8.0, 0.5, tensor.Shape{1, 1, 4, 4}, 0))
	require.NoError(t, err)

	bn := out.FindNodeByName("bn")[0]
	assert.Equal(t, float32(0), bn.WeightByKey(graph.AttrMovingMean).Data().([]float32)[0])
}

func TestApplyExhaustionReturnsOriginalGraph(t *testing.T) {
	g := convBNGraph(t)
	cfg := quantization.DefaultConfig()
	cfg.WeightsSecondMomentIters = 200

	// Only 5 batches available for a 200-iteration pass.
	gen := dataset.Gaussian(1, 8.0, 0.5, tensor.Shape{1, 1, 4, 4}, 5)
	sm := NewSecondMoment(backend.NewGorgonia(nil), cfg, nil)
	out, err := sm.Apply(g, gen)
	require.ErrorIs(t, err, dataset.ErrExhausted)
	assert.Same(t, g, out)

	bn := g.FindNodeByName("bn")[0]
	assert.Equal(t, float32(0), bn.WeightByKey(graph.AttrMovingMean).Data().([]float32)[0])
}
