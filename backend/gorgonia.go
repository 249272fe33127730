package backend

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/logger"
	"github.com/nvr-ai/go-quant/quantization"
)

// Gorgonia is the default Runner. Convolutions and matrix products run on
// gorgonia tape machines; elementwise ops run directly on tensor data.
type Gorgonia struct {
	log logger.Logger
}

// NewGorgonia creates a gorgonia-backed Runner.
func NewGorgonia(log logger.Logger) *Gorgonia {
	if log == nil {
		log = logger.Discard()
	}
	return &Gorgonia{log: log}
}

// Forward runs the graph on one input batch.
//
// Arguments:
//   - g: The graph to execute; must be a DAG with inferred shapes.
//   - inputs: One tensor per graph input node, in insertion order.
//   - opts: Quantization treatment for this pass.
//
// Returns:
//   - map[string]*tensor.Dense: Every node's output, keyed by node name.
//   - error: The error if any.
func (b *Gorgonia) Forward(g *graph.Graph, inputs []tensor.Tensor, opts Options) (map[string]*tensor.Dense, error) {
	order, err := g.TopoSort()
	if err != nil {
		return nil, err
	}
	if len(inputs) != len(g.Inputs()) {
		return nil, errors.Errorf("graph has %d inputs, got %d tensors", len(g.Inputs()), len(inputs))
	}

	outs := make(map[string]*tensor.Dense, len(order))
	byNode := make(map[*graph.Node]*tensor.Dense, len(order))
	inputIdx := 0
	for _, n := range order {
		var ins []*tensor.Dense
		for _, e := range g.InEdges(n) {
			ins = append(ins, byNode[e.From])
		}

		var out *tensor.Dense
		switch n.Op {
		case graph.OpInput:
			d, ok := inputs[inputIdx].(*tensor.Dense)
			if !ok {
				return nil, errors.Errorf("input %d is not a dense tensor", inputIdx)
			}
			inputIdx++
			out = d
		case graph.OpConv2D, graph.OpDepthwiseConv2D:
			out, err = b.conv(n, ins[0], quantizeNode(n, opts))
		case graph.OpDense:
			out, err = b.dense(n, ins[0], quantizeNode(n, opts))
		case graph.OpBatchNorm:
			out, err = batchNorm(n, ins[0])
		case graph.OpReLU:
			out, err = relu(ins[0])
		case graph.OpAdd:
			out, err = addAll(ins)
		default:
			err = errors.Errorf("node %q: no handler registered for op %q", n.Name, n.Op)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "forward %q", n.Name)
		}

		if quantizeNode(n, opts) && n.IsActivationQuantizationEnabled() && len(n.ActivationParams) > 0 && n.ActivationParams[0] != nil {
			out = fakeQuantTensor(out, n.ActivationParams[0])
		}
		byNode[n] = out
		outs[n.Name] = out
	}
	b.log.Debug("forward pass complete", "nodes", len(order), "quantized", opts.Quantized)
	return outs, nil
}

// conv runs a 2D convolution on a tape machine. Depthwise kernels are
// expanded into block-diagonal full kernels before dispatch.
func (b *Gorgonia) conv(n *graph.Node, in *tensor.Dense, quantized bool) (*tensor.Dense, error) {
	kernel := n.WeightByKey(graph.AttrKernel)
	if kernel == nil {
		return nil, errors.New("missing kernel")
	}
	if quantized && n.IsWeightsQuantizationEnabled() {
		if p := n.WeightParams[graph.AttrKernel]; p != nil {
			kernel = quantizeKernel(kernel, p)
		}
	}
	if n.Op == graph.OpDepthwiseConv2D {
		kernel = ExpandDepthwise(kernel, in.Shape()[1])
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

	eg := G.NewGraph()
	x := G.NodeFromAny(eg, in, G.WithName("x"))
	w := G.NodeFromAny(eg, kernel, G.WithName("w"))
	ks := kernel.Shape()
	out, err := G.Conv2d(x, w, tensor.Shape{ks[2], ks[3]}, pad, stride, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "conv2d")
	}
	m := G.NewTapeMachine(eg)
	defer m.Close()
	if err := m.RunAll(); err != nil {
		return nil, errors.Wrap(err, "conv2d run")
	}
	res := out.Value().(*tensor.Dense).Clone().(*tensor.Dense)
	if bias := n.WeightByKey(graph.AttrBias); bias != nil {
		addChannelBias(res, bias)
	}
	return res, nil
}

// dense runs x*W (+ bias) on a tape machine.
func (b *Gorgonia) dense(n *graph.Node, in *tensor.Dense, quantized bool) (*tensor.Dense, error) {
	kernel := n.WeightByKey(graph.AttrKernel)
	if kernel == nil {
		return nil, errors.New("missing kernel")
	}
	if quantized && n.IsWeightsQuantizationEnabled() {
		if p := n.WeightParams[graph.AttrKernel]; p != nil {
			kernel = quantizeKernel(kernel, p)
		}
	}
	eg := G.NewGraph()
	x := G.NodeFromAny(eg, in, G.WithName("x"))
	w := G.NodeFromAny(eg, kernel, G.WithName("w"))
	out, err := G.Mul(x, w)
	if err != nil {
		return nil, errors.Wrap(err, "matmul")
	}
	m := G.NewTapeMachine(eg)
	defer m.Close()
	if err := m.RunAll(); err != nil {
		return nil, errors.Wrap(err, "matmul run")
	}
	res := out.Value().(*tensor.Dense).Clone().(*tensor.Dense)
	if bias := n.WeightByKey(graph.AttrBias); bias != nil {
		data := res.Data().([]float32)
		bs := bias.Data().([]float32)
		cols := res.Shape()[1]
		for i := range data {
			data[i] += bs[i%cols]
		}
	}
	return res, nil
}

// batchNorm applies inference-mode normalization with the node's moving
// statistics: y = gamma*(x-mean)/sqrt(var+eps) + beta.
func batchNorm(n *graph.Node, in *tensor.Dense) (*tensor.Dense, error) {
	gamma := n.WeightByKey(graph.AttrGamma)
	beta := n.WeightByKey(graph.AttrBeta)
	mean := n.WeightByKey(graph.AttrMovingMean)
	variance := n.WeightByKey(graph.AttrMovingVariance)
	if gamma == nil || beta == nil || mean == nil || variance == nil {
		return nil, errors.New("batch norm is missing statistics attributes")
	}
	eps := float32(1e-3)
	if n.BN != nil && n.BN.Epsilon > 0 {
		eps = n.BN.Epsilon
	}

	out := in.Clone().(*tensor.Dense)
	data := out.Data().([]float32)
	gs := gamma.Data().([]float32)
	bs := beta.Data().([]float32)
	ms := mean.Data().([]float32)
	vs := variance.Data().([]float32)

	channels := out.Shape()[1]
	inner := 1
	for _, d := range out.Shape()[2:] {
		inner *= d
	}
	for i := range data {
		c := (i / inner) % channels
		data[i] = gs[c]*(data[i]-ms[c])/math32.Sqrt(vs[c]+eps) + bs[c]
	}
	return out, nil
}

func relu(in *tensor.Dense) (*tensor.Dense, error) {
	out := in.Clone().(*tensor.Dense)
	data := out.Data().([]float32)
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
	return out, nil
}

func addAll(ins []*tensor.Dense) (*tensor.Dense, error) {
	if len(ins) < 2 {
		return nil, errors.Errorf("add expects at least 2 inputs, got %d", len(ins))
	}
	out := ins[0].Clone().(*tensor.Dense)
	data := out.Data().([]float32)
	for _, in := range ins[1:] {
		other := in.Data().([]float32)
		if len(other) != len(data) {
			return nil, errors.New("add inputs disagree on size")
		}
		for i := range data {
			data[i] += other[i]
		}
	}
	return out, nil
}

// addChannelBias adds a per-channel bias to an NCHW tensor in place.
func addChannelBias(t *tensor.Dense, bias *tensor.Dense) {
	data := t.Data().([]float32)
	bs := bias.Data().([]float32)
	channels := t.Shape()[1]
	inner := 1
	for _, d := range t.Shape()[2:] {
		inner *= d
	}
	for i := range data {
		data[i] += bs[(i/inner)%channels]
	}
}

// quantizeKernel returns a fake-quantized copy of a kernel tensor.
func quantizeKernel(kernel *tensor.Dense, p *quantization.Params) *tensor.Dense {
	out := kernel.Clone().(*tensor.Dense)
	data := out.Data().([]float32)
	if p.PerChannel && len(p.Scales) == out.Shape()[0] {
		per := len(data) / out.Shape()[0]
		for c := 0; c < out.Shape()[0]; c++ {
			cp := *p
			cp.Scale = p.Scales[c]
			quantization.Quantize(data[c*per:(c+1)*per], data[c*per:(c+1)*per], &cp)
		}
		return out
	}
	quantization.Quantize(data, data, p)
	return out
}

func fakeQuantTensor(t *tensor.Dense, p *quantization.Params) *tensor.Dense {
	out := t.Clone().(*tensor.Dense)
	data := out.Data().([]float32)
	quantization.Quantize(data, data, p)
	return out
}

// ExpandDepthwise turns a depthwise kernel (C*M, 1, kh, kw) into the
// equivalent full kernel (C*M, C, kh, kw) with zeros off the diagonal, so a
// single Conv2d dispatch covers both conv flavors.
func ExpandDepthwise(kernel *tensor.Dense, inC int) *tensor.Dense {
	ks := kernel.Shape()
	filters, kh, kw := ks[0], ks[2], ks[3]
	mult := filters / inC
	src := kernel.Data().([]float32)
	backing := make([]float32, filters*inC*kh*kw)
	plane := kh * kw
	for f := 0; f < filters; f++ {
		c := f / mult
		copy(backing[(f*inC+c)*plane:(f*inC+c)*plane+plane], src[f*plane:(f+1)*plane])
	}
	return tensor.New(tensor.WithShape(filters, inC, kh, kw), tensor.WithBacking(backing))
}

// DepthwiseMask returns the 0/1 tensor marking the block-diagonal support of
// an expanded depthwise kernel.
func DepthwiseMask(filters, inC, kh, kw int) *tensor.Dense {
	mult := filters / inC
	backing := make([]float32, filters*inC*kh*kw)
	plane := kh * kw
	for f := 0; f < filters; f++ {
		c := f / mult
		for i := 0; i < plane; i++ {
			backing[(f*inC+c)*plane+i] = 1
		}
	}
	return tensor.New(tensor.WithShape(filters, inC, kh, kw), tensor.WithBacking(backing))
}

// CompressDepthwise inverts ExpandDepthwise, extracting the block diagonal
// back into depthwise layout (C*M, 1, kh, kw).
func CompressDepthwise(full *tensor.Dense) *tensor.Dense {
	fs := full.Shape()
	filters, inC, kh, kw := fs[0], fs[1], fs[2], fs[3]
	mult := filters / inC
	src := full.Data().([]float32)
	backing := make([]float32, filters*kh*kw)
	plane := kh * kw
	for f := 0; f < filters; f++ {
		c := f / mult
		copy(backing[f*plane:(f+1)*plane], src[(f*inC+c)*plane:(f*inC+c)*plane+plane])
	}
	return tensor.New(tensor.WithShape(filters, 1, kh, kw), tensor.WithBacking(backing))
}
