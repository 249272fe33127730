package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/quantization"
)

func quantizedGraph(t *testing.T) *graph.Graph {
	t.Helper()
	kernel := tensor.New(tensor.WithShape(2, 1, 1, 1), tensor.WithBacking([]float32{0.5, -0.25}))
	g, err := graph.Build([]graph.LayerSpec{
		{Name: "input", Op: graph.OpInput, InputShape: tensor.Shape{1, 1, 2, 2}},
		{Name: "conv", Op: graph.OpConv2D,
			Weights: map[string]*tensor.Dense{graph.AttrKernel: kernel}},
	})
	require.NoError(t, err)

	conv := g.FindNodeByName("conv")[0]
	conv.QuantizeWeights = true
	conv.WeightParams = map[string]*quantization.Params{
		graph.AttrKernel: {
			Method:     quantization.MethodSymmetric,
			NBits:      4,
			Signed:     true,
			Scale:      0.0731,
			Threshold:  0.5848,
			PerChannel: true,
			Scales:     []float32{0.0731, 0.0365},
		},
	}
	conv.QuantizeActivations = true
	conv.ActivationParams = []*quantization.Params{
		quantization.SymmetricParams(quantization.MethodPowerOfTwo, 8, 2.0),
	}
	return g
}

func TestJSONRoundTrip(t *testing.T) {
	g := quantizedGraph(t)
	doc, err := Export(g, false)
	require.NoError(t, err)

	data, err := doc.JSON()
	require.NoError(t, err)
	back, err := FromJSON(data)
	require.NoError(t, err)
	require.Len(t, back.Nodes, len(doc.Nodes))

	var conv *NodeRecord
	for i := range back.Nodes {
		if back.Nodes[i].Name == "conv" {
			conv = &back.Nodes[i]
		}
	}
	require.NotNil(t, conv)

	w := conv.Weights[graph.AttrKernel]
	require.NotNil(t, w)
	assert.Equal(t, 4, w.NBits)
	assert.Equal(t, quantization.MethodSymmetric, w.Method)
	assert.InDelta(t, 0.0731, w.Scale, 1e-6)
	assert.InDelta(t, 0.5848, w.Threshold, 1e-6)
	require.Len(t, w.Scales, 2)
	assert.InDelta(t, 0.0365, w.Scales[1], 1e-6)

	require.Len(t, conv.Activations, 1)
	assert.Equal(t, 8, conv.Activations[0].NBits)
	assert.InDelta(t, 2.0, conv.Activations[0].Threshold, 1e-6)
}

func TestImportReattachesRecords(t *testing.T) {
	g := quantizedGraph(t)
	doc, err := Export(g, false)
	require.NoError(t, err)
	data, err := doc.JSON()
	require.NoError(t, err)
	back, err := FromJSON(data)
	require.NoError(t, err)

	// A freshly built graph without any quantization state.
	fresh := quantizedGraph(t)
	conv := fresh.FindNodeByName("conv")[0]
	conv.QuantizeWeights = false
	conv.QuantizeActivations = false
	conv.WeightParams = nil
	conv.ActivationParams = nil

	require.NoError(t, Import(fresh, back))
	assert.True(t, conv.IsWeightsQuantizationEnabled())
	p := conv.WeightParams[graph.AttrKernel]
	require.NotNil(t, p)
	assert.Equal(t, 4, p.NBits)
	assert.InDelta(t, 0.0731, p.Scale, 1e-6)
	assert.True(t, p.PerChannel)

	require.Len(t, conv.ActivationParams, 1)
	assert.Equal(t, 8, conv.ActivationParams[0].NBits)
}

func TestImportUnknownNodeFails(t *testing.T) {
	g := quantizedGraph(t)
	doc := &Model{Nodes: []NodeRecord{{Name: "phantom"}}}
	err := Import(g, doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phantom")
}

func TestFP16PayloadRoundTrip(t *testing.T) {
	w := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{0.5, -0.25, 1.5, -2}))
	payload := &WeightPayload{Shape: []int{2, 2}, FP16: EncodeWeightsFP16(w)}
	require.Len(t, payload.FP16, 8)

	back, err := DecodeWeightsFP16(payload)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2}, back.Shape())
	// These values are exactly representable in fp16.
	assert.Equal(t, w.Data().([]float32), back.Data().([]float32))
}

func TestDecodeFP16Validation(t *testing.T) {
	_, err := DecodeWeightsFP16(&WeightPayload{Shape: []int{2}, FP16: []byte{1, 2, 3}})
	assert.Error(t, err)

	_, err = DecodeWeightsFP16(&WeightPayload{Shape: []int{3}, FP16: []byte{1, 2, 3, 4}})
	assert.Error(t, err)
}

func TestExportWithWeightsCarriesPayload(t *testing.T) {
	g := quantizedGraph(t)
	doc, err := Export(g, true)
	require.NoError(t, err)

	for _, rec := range doc.Nodes {
		if rec.Name != "conv" {
			continue
		}
		require.Contains(t, rec.Payload, graph.AttrKernel)
		payload := rec.Payload[graph.AttrKernel]
		assert.Equal(t, []int{2, 1, 1, 1}, payload.Shape)
		// Raw grid levels per channel: 0.5/0.0731 and -0.25/0.0365 both
		// round to seven steps.
		assert.Equal(t, []int32{7, -7}, payload.Levels)
	}
}
