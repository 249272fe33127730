package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/dataset"
	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/quantization"
)

func convSpecs() []graph.LayerSpec {
	kernel := tensor.New(tensor.WithShape(2, 1, 1, 1), tensor.WithBacking([]float32{0.9, -0.4}))
	return []graph.LayerSpec{
		{Name: "input", Op: graph.OpInput, InputShape: tensor.Shape{1, 1, 4, 4}},
		{Name: "conv1", Op: graph.OpConv2D,
			Weights: map[string]*tensor.Dense{graph.AttrKernel: kernel}},
		{Name: "relu1", Op: graph.OpReLU},
	}
}

func gen(batches int) dataset.Generator {
	return dataset.Gaussian(21, 0, 1, tensor.Shape{1, 1, 4, 4}, batches)
}

func TestRunProducesReport(t *testing.T) {
	cfg := quantization.DefaultConfig()
	cfg.CalibrationIters = 8

	core := New(cfg, nil, nil, nil)
	g, report, err := core.Run(convSpecs(), gen(16))
	require.NoError(t, err)
	require.NotNil(t, g)
	require.NotNil(t, report)
	require.Len(t, report.Entries, 3)

	byNode := map[string]BitWidthEntry{}
	for _, e := range report.Entries {
		byNode[e.Node] = e
	}
	assert.Contains(t, []int{2, 4, 8}, byNode["conv1"].WeightsBits)
	assert.Equal(t, 8, byNode["conv1"].ActivationBits)
	assert.Equal(t, 0, byNode["relu1"].WeightsBits)

	rendered := report.String()
	assert.Contains(t, rendered, "conv1")
	assert.Contains(t, rendered, "NODE")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := quantization.DefaultConfig()
	cfg.WeightsNBits = 99
	_, _, err := New(cfg, nil, nil, nil).Run(convSpecs(), gen(16))
	var ce *quantization.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestRunExhaustionMidStage(t *testing.T) {
	cfg := quantization.DefaultConfig()
	cfg.CalibrationIters = 8
	// Second moment wants 200 batches from a 16-batch generator; the error
	// must name the starved stage and keep the searched graph.
	cfg.WeightsSecondMomentCorrection = true
	cfg.WeightsSecondMomentIters = 200

	specs := convSpecs()
	specs = append(specs[:2], graph.LayerSpec{
		Name: "bn1", Op: graph.OpBatchNorm,
		Weights: map[string]*tensor.Dense{
			graph.AttrGamma:          tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{1, 1})),
			graph.AttrBeta:           tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{0, 0})),
			graph.AttrMovingMean:     tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{0, 0})),
			graph.AttrMovingVariance: tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{1, 1})),
		},
		BN: &graph.BNParams{Epsilon: 1e-3},
	})

	g, _, err := New(cfg, nil, nil, nil).Run(specs, gen(16))
	require.ErrorIs(t, err, dataset.ErrExhausted)
	// The graph from before the failed stage comes back.
	require.NotNil(t, g)
	conv := g.FindNodeByName("conv1")[0]
	assert.True(t, conv.IsWeightsQuantizationEnabled())
}

func TestEditRulesDisableQuantization(t *testing.T) {
	cfg := quantization.DefaultConfig()
	cfg.CalibrationIters = 8

	core := New(cfg, nil, nil, nil).WithDebug(&DebugConfig{
		EditRules: []EditRule{{Match: "conv", DisableWeights: true}},
	})
	g, report, err := core.Run(convSpecs(), gen(16))
	require.NoError(t, err)

	conv := g.FindNodeByName("conv1")[0]
	assert.False(t, conv.IsWeightsQuantizationEnabled())
	assert.Nil(t, conv.WeightParams)
	// Activations were not named by the rule and stay quantized.
	assert.True(t, conv.IsActivationQuantizationEnabled())

	for _, e := range report.Entries {
		if e.Node == "conv1" {
			assert.Equal(t, 0, e.WeightsBits)
			assert.Equal(t, 8, e.ActivationBits)
		}
	}
}

func TestProfileRecordsStages(t *testing.T) {
	cfg := quantization.DefaultConfig()
	cfg.CalibrationIters = 4

	core := New(cfg, nil, nil, nil)
	_, _, err := core.Run(convSpecs(), gen(8))
	require.NoError(t, err)

	stages := map[string]bool{}
	for _, s := range core.Profile().Stages() {
		stages[s.Stage] = true
		assert.Equal(t, int64(1), s.Count, s.Stage)
	}
	assert.True(t, stages["build"])
	assert.True(t, stages["collect"])
	assert.True(t, stages["search"])
}

func TestProfileTiming(t *testing.T) {
	p := NewProfile()
	stop := p.Start("stage")
	time.Sleep(2 * time.Millisecond)
	stop()
	stop = p.Start("stage")
	stop()

	stages := p.Stages()
	require.Len(t, stages, 1)
	assert.Equal(t, int64(2), stages[0].Count)
	assert.GreaterOrEqual(t, stages[0].Total, 2*time.Millisecond)
	assert.LessOrEqual(t, stages[0].Min, stages[0].Max)
}

func TestSimilarityMetrics(t *testing.T) {
	cos, mse := similarity([]float32{1, 0}, []float32{1, 0})
	assert.InDelta(t, 1.0, cos, 1e-9)
	assert.InDelta(t, 0.0, mse, 1e-9)

	cos, mse = similarity([]float32{1, 0}, []float32{0, 1})
	assert.InDelta(t, 0.0, cos, 1e-9)
	assert.InDelta(t, 1.0, mse, 1e-9)

	cos, mse = similarity([]float32{1}, []float32{1, 2})
	assert.Equal(t, 0.0, cos)
	assert.Equal(t, 0.0, mse)
}
