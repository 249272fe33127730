package gptq

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/backend"
	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/quantization"
)

// Soft rounding relaxation bounds (the rectified sigmoid is stretched to
// (gammaLo, zeta) before clipping so the assignment can saturate at 0 and 1).
const (
	softZeta    = 1.1
	softGammaLo = -0.1
)

// layerProgram is the trainable wrap of one quantizable layer.
type layerProgram struct {
	node   *graph.Node
	params *quantization.Params

	depthwise bool
	inC       int

	// STE rounding: wVar is the float master, resid the rounding residual
	// refreshed before every step.
	wVar  *G.Node
	resid *G.Node
	initW []float32
	// maxLSB caps STE weight drift, in quantization steps.
	maxLSB int

	// Soft rounding: auxV is the rounding variable, floorGrid the frozen
	// integer grid floor(w0/s0).
	auxV      *G.Node
	floorGrid *tensor.Dense
	scaleVar  *G.Node

	biasVar *G.Node

	fxpWeight *G.Node
	fltWeight *G.Node
	fxpOut    *G.Node
	fltOut    *G.Node
}

// program is the differentiable twin of the work graph: one expression graph
// holding the float forward (constant weights) next to the quantized forward
// (trainable rounding), plus the compare points the loss consumes.
type program struct {
	g      *G.ExprGraph
	input  *G.Node
	layers []*layerProgram

	fxpActs []*G.Node
	fltActs []*G.Node
	fxpWts  []*G.Node
	fltWts  []*G.Node
	actMean []*G.Node
	actStd  []*G.Node

	// fltOutput is the float model output; vDir projects it for the
	// Jacobian sensitivity estimate.
	fltOutput *G.Node
	vDir      *G.Node

	// beta is the soft-rounding temperature, annealed per step.
	beta *G.Node
	reg  *G.Node
}

// buildProgram compiles the work graph. floatOnly programs carry just the
// float path and the projection hook; the Jacobian estimator uses them.
func buildProgram(work *graph.Graph, inputShape tensor.Shape, cfg *Config, floatOnly bool) (*program, error) {
	order, err := work.TopoSort()
	if err != nil {
		return nil, err
	}
	if len(work.Inputs()) != 1 {
		return nil, errors.Errorf("gptq training expects a single-input graph, got %d inputs", len(work.Inputs()))
	}

	p := &program{g: G.NewGraph()}
	flt := map[*graph.Node]*G.Node{}
	fxp := map[*graph.Node]*G.Node{}

	if !floatOnly && cfg.Rounding == RoundingSoftQuantizer {
		p.beta = G.NewScalar(p.g, tensor.Float32, G.WithName("beta"))
	}

	for _, n := range order {
		var ins, qins []*G.Node
		for _, e := range work.InEdges(n) {
			ins = append(ins, flt[e.From])
			qins = append(qins, fxp[e.From])
		}

		var fltOut, fxpOut *G.Node
		switch n.Op {
		case graph.OpInput:
			p.input = G.NewTensor(p.g, tensor.Float32, len(inputShape),
				G.WithShape(inputShape...), G.WithName(n.Name))
			fltOut, fxpOut = p.input, p.input
		case graph.OpConv2D, graph.OpDepthwiseConv2D, graph.OpDense:
			lp, err := p.buildLayer(n, ins[0], qins[0], cfg, floatOnly)
			if err != nil {
				return nil, errors.Wrapf(err, "layer %q", n.Name)
			}
			fltOut, fxpOut = lp.fltOut, lp.fxpOut
			// Compare points cover every parameterized quantized layer, in
			// float-only programs too: the Jacobian estimator weights the same
			// points the training loss consumes.
			if n.IsWeightsQuantizationEnabled() && lp.params != nil {
				p.layers = append(p.layers, lp)
				p.fxpActs = append(p.fxpActs, lp.fxpOut)
				p.fltActs = append(p.fltActs, lp.fltOut)
				p.fxpWts = append(p.fxpWts, lp.fxpWeight)
				p.fltWts = append(p.fltWts, lp.fltWeight)
				mean, std, err := momentNodes(lp.fltOut, cfg.Eps)
				if err != nil {
					return nil, errors.Wrapf(err, "layer %q moments", n.Name)
				}
				p.actMean = append(p.actMean, mean)
				p.actStd = append(p.actStd, std)
			}
		case graph.OpBatchNorm:
			if fltOut, err = bnExpr(p.g, n, ins[0]); err != nil {
				return nil, errors.Wrapf(err, "layer %q", n.Name)
			}
			if fxpOut, err = bnExpr(p.g, n, qins[0]); err != nil {
				return nil, errors.Wrapf(err, "layer %q", n.Name)
			}
		case graph.OpReLU:
			if fltOut, err = G.Rectify(ins[0]); err != nil {
				return nil, errors.Wrapf(err, "layer %q", n.Name)
			}
			if fxpOut, err = G.Rectify(qins[0]); err != nil {
				return nil, errors.Wrapf(err, "layer %q", n.Name)
			}
		case graph.OpAdd:
			if len(ins) < 2 {
				return nil, errors.Errorf("layer %q: add expects at least 2 inputs, got %d", n.Name, len(ins))
			}
			fltOut, fxpOut = ins[0], qins[0]
			for i := 1; i < len(ins); i++ {
				if fltOut, err = G.Add(fltOut, ins[i]); err != nil {
					return nil, errors.Wrapf(err, "layer %q", n.Name)
				}
				if fxpOut, err = G.Add(fxpOut, qins[i]); err != nil {
					return nil, errors.Wrapf(err, "layer %q", n.Name)
				}
			}
		default:
			return nil, errors.Errorf("layer %q: no trainable handler for op %q", n.Name, n.Op)
		}
		flt[n] = fltOut
		fxp[n] = fxpOut
	}

	outputs := work.Outputs()
	p.fltOutput = flt[outputs[0]]
	if floatOnly {
		// The projection direction only exists in the Jacobian estimator's
		// program; training programs must not carry unbound placeholders.
		p.vDir = G.NewTensor(p.g, tensor.Float32, len(outputs[0].OutputShape),
			G.WithShape(outputs[0].OutputShape...), G.WithName("v_dir"))
	}
	return p, nil
}

// buildLayer wires one conv/dense layer in both paths, creating the
// trainable wrap when the node's weights quantization is enabled.
func (p *program) buildLayer(n *graph.Node, in, qin *G.Node, cfg *Config, floatOnly bool) (*layerProgram, error) {
	kernel := n.WeightByKey(graph.AttrKernel)
	if kernel == nil {
		return nil, errors.New("missing kernel")
	}
	lp := &layerProgram{node: n, params: n.WeightParams[graph.AttrKernel]}

	w0 := kernel
	if n.Op == graph.OpDepthwiseConv2D {
		lp.depthwise = true
		lp.inC = n.OutputShape[1]
		if n.Conv != nil && n.Conv.DepthMultiplier > 1 {
			lp.inC = n.OutputShape[1] / n.Conv.DepthMultiplier
		}
		w0 = backend.ExpandDepthwise(kernel, lp.inC)
	}
	lp.fltWeight = G.NewConstant(w0.Clone().(*tensor.Dense), G.WithName(n.Name+".w0"), G.In(p.g))

	var err error
	if lp.fltOut, err = opExpr(n, in, lp.fltWeight, constBias(p.g, n)); err != nil {
		return nil, err
	}
	if floatOnly {
		lp.fxpOut = lp.fltOut
		lp.fxpWeight = lp.fltWeight
		return lp, nil
	}

	trainable := n.IsWeightsQuantizationEnabled() && lp.params != nil
	var wq *G.Node
	switch {
	case !trainable:
		wq = lp.fltWeight
	case cfg.Rounding == RoundingSTE:
		if wq, err = p.steWeight(lp, n, w0, cfg); err != nil {
			return nil, err
		}
	default:
		if wq, err = p.softWeight(lp, n, w0, cfg); err != nil {
			return nil, err
		}
	}
	if lp.depthwise && trainable {
		ws := w0.Shape()
		mask := G.NewConstant(backend.DepthwiseMask(ws[0], ws[1], ws[2], ws[3]),
			G.WithName(n.Name+".mask"), G.In(p.g))
		if wq, err = G.HadamardProd(wq, mask); err != nil {
			return nil, err
		}
	}
	lp.fxpWeight = wq

	qbias := constBias(p.g, n)
	if trainable && cfg.TrainBias {
		if bias := n.WeightByKey(graph.AttrBias); bias != nil {
			lp.biasVar = G.NodeFromAny(p.g, bias.Clone().(*tensor.Dense), G.WithName(n.Name+".bias"))
			qbias = lp.biasVar
		}
	}
	if lp.fxpOut, err = opExpr(n, qin, wq, qbias); err != nil {
		return nil, err
	}
	return lp, nil
}

// steWeight builds the STE wrap: forward value is master + residual, where
// the residual snaps the master to the quantization grid and is refreshed
// outside the graph before every step.
func (p *program) steWeight(lp *layerProgram, n *graph.Node, w0 *tensor.Dense, cfg *Config) (*G.Node, error) {
	lp.wVar = G.NodeFromAny(p.g, w0.Clone().(*tensor.Dense), G.WithName(n.Name+".w"))
	lp.resid = G.NewTensor(p.g, tensor.Float32, len(w0.Shape()),
		G.WithShape(w0.Shape()...), G.WithName(n.Name+".resid"))
	lp.initW = append([]float32(nil), w0.Data().([]float32)...)
	lp.maxLSB = 1
	if ste, ok := cfg.Quantizer.(*STEConfig); ok {
		lp.maxLSB = ste.LSBChangePerBitWidth.Get(lp.params.NBits)
	}
	return G.Add(lp.wVar, lp.resid)
}

// softWeight builds the annealed soft rounding wrap:
// wq = s * clamp(floor(w0/s0) + h(V)), h(V) = clip01(sigmoid(V)*(zeta-gamma)+gamma).
// The clamp runs in integer units so its bounds stay scalar even for
// per-channel scales.
func (p *program) softWeight(lp *layerProgram, n *graph.Node, w0 *tensor.Dense, cfg *Config) (*G.Node, error) {
	data := w0.Data().([]float32)
	filters := w0.Shape()[0]
	floorData := make([]float32, len(data))
	v0 := make([]float32, len(data))
	for i, w := range data {
		s0 := channelScale(lp.params, i, filters, len(data))
		f := math32.Floor(w / s0)
		floorData[i] = f
		rest := w/s0 - f
		t := (rest - softGammaLo) / (softZeta - softGammaLo)
		if t < 1e-4 {
			t = 1e-4
		}
		if t > 1-1e-4 {
			t = 1 - 1e-4
		}
		v0[i] = math32.Log(t / (1 - t))
	}
	lp.floorGrid = tensor.New(tensor.WithShape(w0.Shape()...), tensor.WithBacking(floorData))
	lp.auxV = G.NodeFromAny(p.g,
		tensor.New(tensor.WithShape(w0.Shape()...), tensor.WithBacking(v0)),
		G.WithName(n.Name+".v"))

	h, err := softAssignment(lp.auxV)
	if err != nil {
		return nil, err
	}
	if err := p.accumulateReg(h); err != nil {
		return nil, err
	}

	grid := G.NewConstant(lp.floorGrid.Clone().(*tensor.Dense), G.WithName(n.Name+".grid"), G.In(p.g))
	sum, err := G.Add(grid, h)
	if err != nil {
		return nil, err
	}
	clamped, err := clampExpr(sum,
		G.NewConstant(lp.params.QMin(), G.In(p.g)),
		G.NewConstant(lp.params.QMax(), G.In(p.g)))
	if err != nil {
		return nil, err
	}
	return p.applyScale(lp, n, clamped, w0.Shape(), cfg)
}

// applyScale multiplies the integer-grid weights by the layer scale: a scalar
// or full constant tensor when scales are frozen, a learnable scalar or
// per-channel vector when quantization parameter learning is on.
func (p *program) applyScale(lp *layerProgram, n *graph.Node, clamped *G.Node, shape tensor.Shape, cfg *Config) (*G.Node, error) {
	rank := len(shape)
	filters := shape[0]
	total := shape.TotalSize()
	switch {
	case cfg.QuantParamLearning && lp.params.PerChannel:
		svShape := make([]int, rank)
		svShape[0] = filters
		for a := 1; a < rank; a++ {
			svShape[a] = 1
		}
		backing := make([]float32, filters)
		for c := range backing {
			backing[c] = channelScale(lp.params, c*(total/filters), filters, total)
		}
		lp.scaleVar = G.NodeFromAny(p.g,
			tensor.New(tensor.WithShape(svShape...), tensor.WithBacking(backing)),
			G.WithName(n.Name+".scale"))
		axes := make([]byte, 0, rank-1)
		for a := 1; a < rank; a++ {
			axes = append(axes, byte(a))
		}
		return G.BroadcastHadamardProd(clamped, lp.scaleVar, nil, axes)
	case cfg.QuantParamLearning:
		lp.scaleVar = G.NodeFromAny(p.g, lp.params.Scale, G.WithName(n.Name+".scale"))
		return G.Mul(clamped, lp.scaleVar)
	case lp.params.PerChannel:
		full := make([]float32, total)
		for i := range full {
			full[i] = channelScale(lp.params, i, filters, total)
		}
		sc := G.NewConstant(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(full)),
			G.WithName(n.Name+".scale"), G.In(p.g))
		return G.HadamardProd(clamped, sc)
	default:
		// Scalar scale, so Mul broadcasts instead of matrix-multiplying.
		sc := G.NewConstant(lp.params.Scale, G.WithName(n.Name+".scale"), G.In(p.g))
		return G.Mul(clamped, sc)
	}
}

// channelScale returns the scale governing flat element i of a kernel with
// the given leading channel count and total size.
func channelScale(p *quantization.Params, i, filters, total int) float32 {
	if p.PerChannel && len(p.Scales) == filters && filters > 0 {
		return p.Scales[i/(total/filters)]
	}
	return p.Scale
}

// accumulateReg folds one layer's rounding regularizer sum(1-|2h-1|^beta)
// into the program total.
func (p *program) accumulateReg(h *G.Node) error {
	two := G.NewConstant(float32(2), G.In(p.g))
	one := G.NewConstant(float32(1), G.In(p.g))
	scaled, err := G.Mul(h, two)
	if err != nil {
		return err
	}
	centered, err := G.Sub(scaled, one)
	if err != nil {
		return err
	}
	abs, err := G.Abs(centered)
	if err != nil {
		return err
	}
	powed, err := G.Pow(abs, p.beta)
	if err != nil {
		return err
	}
	inv, err := G.Sub(one, powed)
	if err != nil {
		return err
	}
	term, err := G.Sum(inv)
	if err != nil {
		return err
	}
	if p.reg == nil {
		p.reg = term
		return nil
	}
	p.reg, err = G.Add(p.reg, term)
	return err
}

// softAssignment maps the aux variable to the (0,1) rounding fraction.
func softAssignment(v *G.Node) (*G.Node, error) {
	sig, err := G.Sigmoid(v)
	if err != nil {
		return nil, err
	}
	span := G.NewConstant(float32(softZeta-softGammaLo), G.In(v.Graph()))
	lo := G.NewConstant(float32(softGammaLo), G.In(v.Graph()))
	stretched, err := G.Mul(sig, span)
	if err != nil {
		return nil, err
	}
	shifted, err := G.Add(stretched, lo)
	if err != nil {
		return nil, err
	}
	zero := G.NewConstant(float32(0), G.In(v.Graph()))
	one := G.NewConstant(float32(1), G.In(v.Graph()))
	return clampExpr(shifted, zero, one)
}

// clampExpr clips x into [lo, hi] with rectifier arithmetic:
// lo + relu(x-lo) - relu(x-hi).
func clampExpr(x, lo, hi *G.Node) (*G.Node, error) {
	xl, err := G.Sub(x, lo)
	if err != nil {
		return nil, err
	}
	rl, err := G.Rectify(xl)
	if err != nil {
		return nil, err
	}
	xh, err := G.Sub(x, hi)
	if err != nil {
		return nil, err
	}
	rh, err := G.Rectify(xh)
	if err != nil {
		return nil, err
	}
	sum, err := G.Add(lo, rl)
	if err != nil {
		return nil, err
	}
	return G.Sub(sum, rh)
}

// opExpr dispatches the node's forward expression.
func opExpr(n *graph.Node, in, w, bias *G.Node) (*G.Node, error) {
	switch n.Op {
	case graph.OpConv2D, graph.OpDepthwiseConv2D:
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
		ws := w.Shape()
		out, err := G.Conv2d(in, w, tensor.Shape{ws[2], ws[3]}, pad, stride, []int{1, 1})
		if err != nil {
			return nil, err
		}
		if bias == nil {
			return out, nil
		}
		rb, err := G.Reshape(bias, tensor.Shape{1, bias.Shape()[0], 1, 1})
		if err != nil {
			return nil, err
		}
		return G.BroadcastAdd(out, rb, nil, []byte{0, 2, 3})
	case graph.OpDense:
		out, err := G.Mul(in, w)
		if err != nil {
			return nil, err
		}
		if bias == nil {
			return out, nil
		}
		rb, err := G.Reshape(bias, tensor.Shape{1, bias.Shape()[0]})
		if err != nil {
			return nil, err
		}
		return G.BroadcastAdd(out, rb, nil, []byte{0})
	}
	return nil, errors.Errorf("op %q has no expression form", n.Op)
}

// bnExpr applies inference-mode batch normalization with the node's frozen
// statistics folded into a per-channel affine.
func bnExpr(eg *G.ExprGraph, n *graph.Node, in *G.Node) (*G.Node, error) {
	gamma := n.WeightByKey(graph.AttrGamma).Data().([]float32)
	beta := n.WeightByKey(graph.AttrBeta).Data().([]float32)
	mean := n.WeightByKey(graph.AttrMovingMean).Data().([]float32)
	variance := n.WeightByKey(graph.AttrMovingVariance).Data().([]float32)
	eps := float32(1e-3)
	if n.BN != nil && n.BN.Epsilon > 0 {
		eps = n.BN.Epsilon
	}
	channels := len(gamma)
	a := make([]float32, channels)
	b := make([]float32, channels)
	for c := range gamma {
		a[c] = gamma[c] / math32.Sqrt(variance[c]+eps)
		b[c] = beta[c] - mean[c]*a[c]
	}

	rank := len(in.Shape())
	var shape tensor.Shape
	var pattern []byte
	if rank == 4 {
		shape = tensor.Shape{1, channels, 1, 1}
		pattern = []byte{0, 2, 3}
	} else {
		shape = tensor.Shape{1, channels}
		pattern = []byte{0}
	}
	aConst := G.NewConstant(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(a)),
		G.WithName(n.Name+".a"), G.In(eg))
	bConst := G.NewConstant(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(b)),
		G.WithName(n.Name+".b"), G.In(eg))
	scaled, err := G.BroadcastHadamardProd(in, aConst, nil, pattern)
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(scaled, bConst, nil, pattern)
}

// momentNodes builds the per-tensor mean and std nodes of a float compare
// point.
func momentNodes(act *G.Node, eps float64) (*G.Node, *G.Node, error) {
	mean, err := G.Mean(act)
	if err != nil {
		return nil, nil, err
	}
	centered, err := G.Sub(act, mean)
	if err != nil {
		return nil, nil, err
	}
	sq, err := G.Square(centered)
	if err != nil {
		return nil, nil, err
	}
	msq, err := G.Mean(sq)
	if err != nil {
		return nil, nil, err
	}
	floored, err := G.Add(msq, G.NewConstant(float32(eps), G.In(act.Graph())))
	if err != nil {
		return nil, nil, err
	}
	std, err := G.Sqrt(floored)
	if err != nil {
		return nil, nil, err
	}
	return mean, std, nil
}

// constBias returns the node's bias as a graph constant, or nil.
func constBias(eg *G.ExprGraph, n *graph.Node) *G.Node {
	bias := n.WeightByKey(graph.AttrBias)
	if bias == nil {
		return nil
	}
	return G.NewConstant(bias.Clone().(*tensor.Dense), G.WithName(n.Name+".b0"), G.In(eg))
}

// learnables partitions the trainable nodes by optimizer role.
func (p *program) learnables() (rounding, bias, qparam G.Nodes) {
	for _, lp := range p.layers {
		if lp.wVar != nil {
			rounding = append(rounding, lp.wVar)
		}
		if lp.auxV != nil {
			rounding = append(rounding, lp.auxV)
		}
		if lp.biasVar != nil {
			bias = append(bias, lp.biasVar)
		}
		if lp.scaleVar != nil {
			qparam = append(qparam, lp.scaleVar)
		}
	}
	return rounding, bias, qparam
}
