package tpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/quantization"
)

func TestDefaultCapabilities(t *testing.T) {
	caps := Default()

	for _, op := range []graph.OpType{graph.OpConv2D, graph.OpDepthwiseConv2D, graph.OpDense} {
		cfg, ok := caps.Lookup(op)
		require.True(t, ok, "op %s", op)
		assert.True(t, cfg.EnableWeightsQuantization)
		assert.Equal(t, []int{2, 4, 8}, cfg.WeightsNBitsCandidates)
		assert.Equal(t, []string{graph.AttrKernel}, cfg.KernelAttributes)
	}

	bn, ok := caps.Lookup(graph.OpBatchNorm)
	require.True(t, ok)
	assert.False(t, bn.EnableWeightsQuantization)
	assert.True(t, bn.EnableActivationsQuantization)
}

func TestRegisterAfterFreezeFails(t *testing.T) {
	caps := New("test", "v1")
	require.NoError(t, caps.Register(graph.OpConv2D, OpQuantConfig{}))
	caps.Freeze()
	assert.Error(t, caps.Register(graph.OpDense, OpQuantConfig{}))
}

func TestRegisterSortsCandidates(t *testing.T) {
	caps := New("test", "v1")
	require.NoError(t, caps.Register(graph.OpConv2D, OpQuantConfig{
		WeightsNBitsCandidates: []int{8, 2, 4},
	}))
	cfg, ok := caps.Lookup(graph.OpConv2D)
	require.True(t, ok)
	assert.Equal(t, []int{2, 4, 8}, cfg.WeightsNBitsCandidates)
}

func TestAllowsMethod(t *testing.T) {
	open := OpQuantConfig{}
	assert.True(t, open.AllowsMethod(quantization.MethodUniform))

	restricted := OpQuantConfig{WeightsMethods: []quantization.Method{quantization.MethodPowerOfTwo}}
	assert.True(t, restricted.AllowsMethod(quantization.MethodPowerOfTwo))
	assert.False(t, restricted.AllowsMethod(quantization.MethodUniform))
}

func TestGet(t *testing.T) {
	caps, err := Get("default", "v1")
	require.NoError(t, err)
	assert.Equal(t, "default", caps.Name)

	_, err = Get("default", "v9")
	assert.Error(t, err)

	_, err = Get("imaginary", "")
	assert.Error(t, err)
}
