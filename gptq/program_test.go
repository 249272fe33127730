package gptq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/graph"
)

// branchSpec is a 1x1 conv scaling its input by a constant factor.
func branchSpec(name string, factor float32, inputs []string) graph.LayerSpec {
	return graph.LayerSpec{
		Name: name,
		Op:   graph.OpConv2D,
		Weights: map[string]*tensor.Dense{
			graph.AttrKernel: tensor.New(tensor.WithShape(1, 1, 1, 1), tensor.WithBacking([]float32{factor})),
		},
		Inputs: inputs,
	}
}

func TestBuildProgramFoldsMultiInputAdd(t *testing.T) {
	g, err := graph.Build([]graph.LayerSpec{
		{Name: "input", Op: graph.OpInput, InputShape: tensor.Shape{1, 1, 2, 2}},
		branchSpec("branch_a", 1, []string{"input"}),
		branchSpec("branch_b", 2, []string{"input"}),
		branchSpec("branch_c", 3, []string{"input"}),
		{Name: "sum", Op: graph.OpAdd, Inputs: []string{"branch_a", "branch_b", "branch_c"}},
	})
	require.NoError(t, err)

	cfg, err := NewBuilder(Iterations(1), testSolver()).WithRounding(RoundingSTE).Build()
	require.NoError(t, err)
	prog, err := buildProgram(g, tensor.Shape{1, 1, 2, 2}, cfg, false)
	require.NoError(t, err)

	ones := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking([]float32{1, 1, 1, 1}))
	require.NoError(t, G.Let(prog.input, ones))
	m := G.NewTapeMachine(prog.g)
	defer m.Close()
	require.NoError(t, m.RunAll())

	// Every branch reaches the sum: (1 + 2 + 3) * ones.
	out := prog.fltOutput.Value().(*tensor.Dense).Data().([]float32)
	require.Len(t, out, 4)
	for i, v := range out {
		assert.InDelta(t, 6.0, v, 1e-5, "element %d", i)
	}
}

func TestBuildProgramRejectsSingleInputAdd(t *testing.T) {
	g, err := graph.Build([]graph.LayerSpec{
		{Name: "input", Op: graph.OpInput, InputShape: tensor.Shape{1, 1, 2, 2}},
		{Name: "sum", Op: graph.OpAdd},
	})
	require.NoError(t, err)

	cfg, err := NewBuilder(Iterations(1), testSolver()).WithRounding(RoundingSTE).Build()
	require.NoError(t, err)
	_, err = buildProgram(g, tensor.Shape{1, 1, 2, 2}, cfg, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2 inputs")
}
