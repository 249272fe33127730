package graph

import (
	"gorgonia.org/tensor"
)

// LayerSpec is the float-model import contract: one entry per layer of the
// trained model, in execution order. A spec with no Inputs consumes the
// previous layer's output.
type LayerSpec struct {
	Name    string
	Op      OpType
	Weights map[string]*tensor.Dense
	Conv    *ConvParams
	BN      *BNParams

	// InputShape is required for OpInput layers (NCHW or NF).
	InputShape tensor.Shape

	// Inputs names the producer layers for multi-input ops.
	Inputs []string
}

// Build converts an ordered layer list into a Graph, inferring output shapes
// along the way. It is the only entry point that creates IR nodes.
func Build(layers []LayerSpec) (*Graph, error) {
	g := New()
	var prev *Node
	for _, spec := range layers {
		if len(g.FindNodeByName(spec.Name)) > 0 {
			return nil, integrityErrorf("build", "duplicate layer name %q", spec.Name)
		}
		n := &Node{
			Name:    spec.Name,
			Op:      spec.Op,
			Weights: spec.Weights,
			Conv:    spec.Conv,
			BN:      spec.BN,
		}
		if err := g.InsertNode(n); err != nil {
			return nil, err
		}

		var producers []*Node
		switch {
		case spec.Op == OpInput:
			if spec.InputShape == nil {
				return nil, integrityErrorf("build", "input layer %q missing shape", spec.Name)
			}
			n.OutputShape = spec.InputShape.Clone()
		case len(spec.Inputs) > 0:
			for _, name := range spec.Inputs {
				set := g.FindNodeByName(name)
				if len(set) == 0 {
					return nil, integrityErrorf("build", "layer %q consumes unknown layer %q", spec.Name, name)
				}
				producers = append(producers, set[len(set)-1])
			}
		default:
			if prev == nil {
				return nil, integrityErrorf("build", "layer %q has no producer", spec.Name)
			}
			producers = []*Node{prev}
		}

		for i, p := range producers {
			if err := g.AddEdge(p, n, 0, i); err != nil {
				return nil, err
			}
		}
		if spec.Op != OpInput {
			shape, err := inferShape(n, producers)
			if err != nil {
				return nil, err
			}
			n.OutputShape = shape
		}
		prev = n
	}
	return g, nil
}

// inferShape computes a node's output shape from its producers.
func inferShape(n *Node, producers []*Node) (tensor.Shape, error) {
	if len(producers) == 0 {
		return nil, integrityErrorf("build", "node %q has no producers", n.Name)
	}
	in := producers[0].OutputShape
	if in == nil {
		return nil, integrityErrorf("build", "producer of %q has unknown shape", n.Name)
	}
	switch n.Op {
	case OpConv2D, OpDepthwiseConv2D:
		kernel := n.WeightByKey(AttrKernel)
		if kernel == nil {
			return nil, integrityErrorf("build", "conv node %q has no kernel", n.Name)
		}
		if len(in) != 4 {
			return nil, integrityErrorf("build", "conv node %q expects NCHW input, got %v", n.Name, in)
		}
		stride := []int{1, 1}
		pad := []int{0, 0}
		if n.Conv != nil {
			if len(n.Conv.Stride) == 2 {
				stride = n.Conv.Stride
			}
			if len(n.Conv.Pad) == 2 {
				pad = n.Conv.Pad
			}
		}
		ks := kernel.Shape()
		outC := ks[0]
		outH := (in[2]+2*pad[0]-ks[2])/stride[0] + 1
		outW := (in[3]+2*pad[1]-ks[3])/stride[1] + 1
		if outH <= 0 || outW <= 0 {
			return nil, integrityErrorf("build", "conv node %q produces empty output %dx%d", n.Name, outH, outW)
		}
		return tensor.Shape{in[0], outC, outH, outW}, nil
	case OpDense:
		kernel := n.WeightByKey(AttrKernel)
		if kernel == nil {
			return nil, integrityErrorf("build", "dense node %q has no kernel", n.Name)
		}
		return tensor.Shape{in[0], kernel.Shape()[1]}, nil
	case OpBatchNorm, OpReLU, OpAdd:
		return in.Clone(), nil
	}
	return nil, integrityErrorf("build", "node %q has unregistered op %q", n.Name, n.Op)
}
