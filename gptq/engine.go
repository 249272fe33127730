package gptq

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/backend"
	"github.com/nvr-ai/go-quant/dataset"
	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/logger"
	"github.com/nvr-ai/go-quant/quantization"
)

// State is the engine lifecycle phase.
type State string

// Engine lifecycle states.
const (
	StateIdle       State = "IDLE"
	StateConfigured State = "CONFIGURED"
	StateTraining   State = "TRAINING"
	StateConverged  State = "CONVERGED"
	StateStopped    State = "STOPPED"
)

// Engine runs the gradient refinement stage: it compiles the quantized graph
// into a differentiable twin, trains the rounding decisions (and optionally
// biases and quantization parameters) against the float model, and bakes the
// result back into the graph weights.
type Engine struct {
	cfg   *Config
	log   logger.Logger
	state State
}

// NewEngine creates an engine for a validated Config.
func NewEngine(cfg *Config, log logger.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, quantization.NewConfigError("gptq engine requires a config")
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{cfg: cfg, log: log, state: StateConfigured}, nil
}

// State returns the engine's lifecycle phase.
func (e *Engine) State() State { return e.state }

// Train deep-copies g, refines every weights-quantized conv/dense layer by
// gradient descent over the representative dataset, and returns the refined
// copy. On error the caller's graph is returned unchanged and the engine
// lands in StateStopped.
func (e *Engine) Train(g *graph.Graph, gen dataset.Generator) (*graph.Graph, error) {
	work := g.DeepCopy()

	if err := gen.Reset(); err != nil {
		return g, e.stop(errors.Wrap(err, "resetting representative dataset"))
	}
	peek, err := gen.Next()
	if err != nil {
		return g, e.stop(errors.Wrap(err, "peeking input shape"))
	}
	inputShape := peek[0].Shape().Clone()

	lossFn := e.cfg.Loss
	if lossFn == nil {
		var pointWeights []float64
		if e.cfg.UseJacBasedWeights {
			if pointWeights, err = jacobianWeights(work, gen, inputShape, e.cfg, e.log); err != nil {
				return g, e.stop(err)
			}
		}
		lossFn = MultipleTensorsMSELoss(pointWeights)
	}

	prog, err := buildProgram(work, inputShape, e.cfg, false)
	if err != nil {
		return g, e.stop(err)
	}
	if len(prog.layers) == 0 {
		e.log.Info("no weights-quantized layers, gptq is a no-op")
		e.state = StateConverged
		return work, nil
	}

	cost, err := e.buildCost(prog, lossFn)
	if err != nil {
		return g, e.stop(err)
	}

	rounding, bias, qparam := prog.learnables()
	all := make(G.Nodes, 0, len(rounding)+len(bias)+len(qparam))
	all = append(append(append(all, rounding...), bias...), qparam...)
	if _, err := G.Grad(cost, all...); err != nil {
		return g, e.stop(errors.Wrap(err, "differentiating cost"))
	}

	m := G.NewTapeMachine(prog.g, G.BindDualValues(all...))
	defer m.Close()

	e.state = StateTraining
	e.log.Info("gptq training started",
		"layers", len(prog.layers), "rounding", e.cfg.Rounding,
		"epochs", e.cfg.Unit.IsEpochs(), "count", e.cfg.Unit.Count())

	if err := e.trainLoop(prog, m, gen, rounding, bias, qparam); err != nil {
		return g, e.stop(err)
	}

	if err := e.finalize(prog); err != nil {
		return g, e.stop(err)
	}
	e.state = StateConverged
	e.log.Info("gptq training finished", "layers", len(prog.layers))
	return work, nil
}

// stop records a failed run.
func (e *Engine) stop(err error) error {
	e.state = StateStopped
	return err
}

// buildCost assembles loss + regFactor*regularizer.
func (e *Engine) buildCost(prog *program, lossFn Loss) (*G.Node, error) {
	cost, err := lossFn(prog.fxpActs, prog.fltActs, prog.fxpWts, prog.fltWts, prog.actMean, prog.actStd)
	if err != nil {
		return nil, errors.Wrap(err, "building loss")
	}
	if prog.reg == nil {
		return cost, nil
	}
	sq, ok := e.cfg.Quantizer.(*SoftQuantizerConfig)
	if !ok {
		return cost, nil
	}
	scaled, err := G.Mul(prog.reg, G.NewConstant(float32(sq.RegFactor), G.In(prog.g)))
	if err != nil {
		return nil, errors.Wrap(err, "scaling regularizer")
	}
	return G.Add(cost, scaled)
}

// trainLoop drives the step budget: a flat step count consumes the generator
// once and fails loudly if it runs dry, an epoch budget restarts it each
// epoch and requires at least one batch per pass.
func (e *Engine) trainLoop(prog *program, m G.VM, gen dataset.Generator, rounding, bias, qparam G.Nodes) error {
	if err := gen.Reset(); err != nil {
		return errors.Wrap(err, "resetting representative dataset")
	}
	if !e.cfg.Unit.IsEpochs() {
		total := e.cfg.Unit.Count()
		for i := 0; i < total; i++ {
			batch, err := gen.Next()
			if err != nil {
				if errors.Is(err, dataset.ErrExhausted) {
					return errors.Wrapf(dataset.ErrExhausted, "gptq needs %d steps, got %d", total, i)
				}
				return errors.Wrapf(err, "gptq step %d", i)
			}
			if err := e.step(prog, m, batch, i, rounding, bias, qparam); err != nil {
				return errors.Wrapf(err, "gptq step %d", i)
			}
		}
		return nil
	}

	step := 0
	for epoch := 0; epoch < e.cfg.Unit.Count(); epoch++ {
		if err := gen.Reset(); err != nil {
			return errors.Wrapf(err, "resetting for epoch %d", epoch)
		}
		n := 0
		for {
			batch, err := gen.Next()
			if err != nil {
				if errors.Is(err, dataset.ErrExhausted) {
					break
				}
				return errors.Wrapf(err, "gptq epoch %d step %d", epoch, n)
			}
			if err := e.step(prog, m, batch, step, rounding, bias, qparam); err != nil {
				return errors.Wrapf(err, "gptq epoch %d step %d", epoch, n)
			}
			n++
			step++
		}
		if n == 0 {
			return errors.Wrapf(dataset.ErrExhausted, "gptq epoch %d yielded no batches", epoch)
		}
	}
	return nil
}

// step runs one forward/backward/update cycle.
func (e *Engine) step(prog *program, m G.VM, batch []tensor.Tensor, stepIdx int, rounding, bias, qparam G.Nodes) error {
	if err := G.Let(prog.input, batch[0]); err != nil {
		return errors.Wrap(err, "binding input")
	}
	if prog.beta != nil {
		if err := G.Let(prog.beta, e.betaAt(stepIdx)); err != nil {
			return errors.Wrap(err, "binding beta")
		}
	}
	for _, lp := range prog.layers {
		if lp.resid == nil {
			continue
		}
		if err := refreshResidual(lp); err != nil {
			return errors.Wrapf(err, "layer %q residual", lp.node.Name)
		}
	}

	m.Reset()
	if err := m.RunAll(); err != nil {
		return errors.Wrap(err, "forward/backward pass")
	}

	if err := e.cfg.Optimizer.Step(G.NodesToValueGrads(rounding)); err != nil {
		return errors.Wrap(err, "rounding update")
	}
	if len(bias) > 0 {
		solver := e.cfg.OptimizerBias
		if solver == nil {
			solver = e.cfg.OptimizerRest
		}
		if err := solver.Step(G.NodesToValueGrads(bias)); err != nil {
			return errors.Wrap(err, "bias update")
		}
	}
	if len(qparam) > 0 {
		solver := e.cfg.OptimizerQuantParam
		if solver == nil {
			solver = e.cfg.OptimizerRest
		}
		if err := solver.Step(G.NodesToValueGrads(qparam)); err != nil {
			return errors.Wrap(err, "quantization parameter update")
		}
	}

	for _, lp := range prog.layers {
		if lp.wVar != nil {
			clampMaster(lp)
		}
	}
	return nil
}

// betaAt returns the soft rounding temperature at a training step: a linear
// decay from BetaStart to BetaEnd over the quantizer's batch horizon, flat
// afterwards.
func (e *Engine) betaAt(stepIdx int) float32 {
	sq, ok := e.cfg.Quantizer.(*SoftQuantizerConfig)
	if !ok {
		return 0
	}
	span := sq.NBatches
	if span < 1 {
		span = 1
	}
	frac := float64(stepIdx) / float64(span)
	if frac > 1 {
		frac = 1
	}
	return float32(sq.BetaStart + (sq.BetaEnd-sq.BetaStart)*frac)
}

// refreshResidual rebinds the STE residual to snap the current float master
// onto the quantization grid: resid = fakequant(master) - master. The
// residual is constant with respect to the graph, so the master's gradient
// passes through the rounding unmodified.
func refreshResidual(lp *layerProgram) error {
	master := lp.wVar.Value().(*tensor.Dense)
	data := master.Data().([]float32)
	q := fakeQuantValues(data, master.Shape(), lp.params)
	resid := make([]float32, len(data))
	for i := range resid {
		resid[i] = q[i] - data[i]
	}
	return G.Let(lp.resid,
		tensor.New(tensor.WithShape(master.Shape()...), tensor.WithBacking(resid)))
}

// clampMaster keeps an STE master within maxLSB quantization steps of its
// initial value, matching the configured drift cap.
func clampMaster(lp *layerProgram) {
	master := lp.wVar.Value().(*tensor.Dense)
	data := master.Data().([]float32)
	filters := master.Shape()[0]
	for i, w := range data {
		drift := float32(lp.maxLSB) * channelScale(lp.params, i, filters, len(data))
		lo, hi := lp.initW[i]-drift, lp.initW[i]+drift
		if w < lo {
			data[i] = lo
		} else if w > hi {
			data[i] = hi
		}
	}
}

// fakeQuantValues quantize-dequantizes a weight buffer, honoring per-channel
// scales over the leading dimension.
func fakeQuantValues(data []float32, shape tensor.Shape, p *quantization.Params) []float32 {
	out := make([]float32, len(data))
	filters := shape[0]
	if !p.PerChannel {
		quantization.Quantize(out, data, p)
		return out
	}
	per := len(data) / filters
	for c := 0; c < filters; c++ {
		cp := *p
		cp.Scale = channelScale(p, c*per, filters, len(data))
		quantization.Quantize(out[c*per:(c+1)*per], data[c*per:(c+1)*per], &cp)
	}
	return out
}

// finalize bakes the trained values back into the graph: soft assignments are
// hard-rounded onto the grid, STE masters are fake-quantized, trained biases
// and scales overwrite the node's weights and parameters. Depthwise kernels
// are compressed back from their expanded layout.
func (e *Engine) finalize(prog *program) error {
	for _, lp := range prog.layers {
		var trained *tensor.Dense
		switch {
		case lp.auxV != nil:
			trained = e.bakeSoft(lp)
		case lp.wVar != nil:
			trained = e.bakeSTE(lp)
		}
		if trained != nil {
			if lp.depthwise {
				trained = backend.CompressDepthwise(trained)
			}
			lp.node.SetWeight(graph.AttrKernel, trained)
		}
		if lp.biasVar != nil {
			lp.node.SetWeight(graph.AttrBias, lp.biasVar.Value().(*tensor.Dense).Clone().(*tensor.Dense))
		}
		e.log.Debug("layer refined", "layer", lp.node.Name)
	}
	return nil
}

// bakeSoft reconstructs w = s * clamp(floor + hardRound(h)) with the final
// hard rounding decision h >= 0.5, using the learned scales when present.
func (e *Engine) bakeSoft(lp *layerProgram) *tensor.Dense {
	v := lp.auxV.Value().(*tensor.Dense).Data().([]float32)
	grid := lp.floorGrid.Data().([]float32)
	shape := lp.floorGrid.Shape()
	filters := shape[0]
	scaleOf := e.learnedScale(lp, filters, len(grid))

	qmin, qmax := lp.params.QMin(), lp.params.QMax()
	out := make([]float32, len(grid))
	for i := range out {
		h := float32(0)
		if hardRoundsUp(v[i]) {
			h = 1
		}
		q := grid[i] + h
		if q < qmin {
			q = qmin
		}
		if q > qmax {
			q = qmax
		}
		out[i] = q * scaleOf(i)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))
}

// bakeSTE fake-quantizes the trained float master.
func (e *Engine) bakeSTE(lp *layerProgram) *tensor.Dense {
	master := lp.wVar.Value().(*tensor.Dense)
	out := fakeQuantValues(master.Data().([]float32), master.Shape(), lp.params)
	return tensor.New(tensor.WithShape(master.Shape()...), tensor.WithBacking(out))
}

// learnedScale returns the per-element scale lookup, folding trained scales
// back into the layer's quantization parameters.
func (e *Engine) learnedScale(lp *layerProgram, filters, total int) func(i int) float32 {
	if lp.scaleVar == nil {
		return func(i int) float32 { return channelScale(lp.params, i, filters, total) }
	}
	switch sv := lp.scaleVar.Value().(type) {
	case *tensor.Dense:
		scales := append([]float32(nil), sv.Data().([]float32)...)
		lp.params.Scales = scales
		lp.params.Scale = scales[0]
		maxScale := float32(0)
		for _, s := range scales {
			if s > maxScale {
				maxScale = s
			}
		}
		lp.params.Threshold = maxScale * math32.Exp2(float32(lp.params.NBits-1))
		per := total / filters
		return func(i int) float32 { return scales[i/per] }
	default:
		s, _ := sv.Data().(float32)
		if s > 0 {
			lp.params.Scale = s
			lp.params.Threshold = s * math32.Exp2(float32(lp.params.NBits-1))
		}
		return func(int) float32 { return lp.params.Scale }
	}
}

// hardRoundsUp reports whether the soft assignment of an aux variable lands
// at or above one half.
func hardRoundsUp(v float32) bool {
	h := (1/(1+math32.Exp(-v)))*(softZeta-softGammaLo) + softGammaLo
	if h < 0 {
		h = 0
	}
	if h > 1 {
		h = 1
	}
	return h >= 0.5
}
