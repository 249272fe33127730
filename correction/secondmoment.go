// Package correction - Second-moment statistics correction: recomputes
// batch-normalization running mean/variance against the quantized preceding
// layer's actual output distribution.
package correction

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/backend"
	"github.com/nvr-ai/go-quant/dataset"
	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/logger"
	"github.com/nvr-ai/go-quant/quantization"
)

// SecondMoment applies the correction pass.
type SecondMoment struct {
	runner backend.Runner
	cfg    *quantization.Config
	log    logger.Logger
}

// NewSecondMoment creates the pass.
func NewSecondMoment(runner backend.Runner, cfg *quantization.Config, log logger.Logger) *SecondMoment {
	if log == nil {
		log = logger.Discard()
	}
	return &SecondMoment{runner: runner, cfg: cfg, log: log}
}

// pair is one conv whose quantization shifts the distribution seen by the
// batch-norm node that consumes it.
type pair struct {
	conv *graph.Node
	bn   *graph.Node
}

// Apply deep-copies g, builds the semi-quantized model in which only the
// corrected convolutions are quantized, measures each following
// batch-normalization's input moments over the configured number of batches,
// and overwrites the moving mean/variance with the measured values. Gamma and
// beta are never touched. On error the caller's graph is returned unchanged.
func (s *SecondMoment) Apply(g *graph.Graph, gen dataset.Generator) (*graph.Graph, error) {
	work := g.DeepCopy()
	pairs := s.findPairs(work)
	if len(pairs) == 0 {
		s.log.Debug("no conv followed by batch norm, second moment correction is a no-op")
		return work, nil
	}

	only := map[string]bool{}
	for _, p := range pairs {
		only[p.conv.Name] = true
	}

	if err := gen.Reset(); err != nil {
		return g, errors.Wrap(err, "resetting representative dataset")
	}

	moments := make(map[*graph.Node]*channelMoments, len(pairs))
	for _, p := range pairs {
		moments[p.bn] = newChannelMoments(p.conv.OutputShape[1])
	}

	iters := s.cfg.WeightsSecondMomentIters
	for i := 0; i < iters; i++ {
		batch, err := gen.Next()
		if err != nil {
			if errors.Is(err, dataset.ErrExhausted) {
				return g, errors.Wrapf(dataset.ErrExhausted,
					"second moment correction needs %d batches, got %d", iters, i)
			}
			return g, errors.Wrapf(err, "second moment batch %d", i)
		}
		outs, err := s.runner.Forward(work, batch, backend.Options{Quantized: true, Only: only})
		if err != nil {
			return g, errors.Wrapf(err, "semi-quantized forward pass %d", i)
		}
		for _, p := range pairs {
			moments[p.bn].update(outs[p.conv.Name])
		}
	}

	for _, p := range pairs {
		m := moments[p.bn]
		mean := p.bn.WeightByKey(graph.AttrMovingMean).Data().([]float32)
		variance := p.bn.WeightByKey(graph.AttrMovingVariance).Data().([]float32)
		for c := range mean {
			mean[c] = float32(m.mean[c])
			v := m.variance(c)
			if v < float64(quantization.Eps) {
				s.log.Warn("measured variance below eps floor", "bn", p.bn.Name, "channel", c)
				v = float64(quantization.Eps)
			}
			variance[c] = float32(v)
		}
		s.log.Info("second moment corrected", "conv", p.conv.Name, "bn", p.bn.Name)
	}
	return work, nil
}

// findPairs walks each batch-norm node back to its producer and pairs it with
// a quantizable conv feeding it exclusively. A conv with no following batch
// norm is skipped, not an error.
func (s *SecondMoment) findPairs(g *graph.Graph) []pair {
	var pairs []pair
	for _, n := range g.Nodes() {
		if n.Op != graph.OpBatchNorm {
			continue
		}
		preds := g.PredecessorsOf(n)
		if len(preds) != 1 {
			continue
		}
		conv := preds[0]
		if conv.Op != graph.OpConv2D && conv.Op != graph.OpDepthwiseConv2D {
			continue
		}
		if !conv.IsWeightsQuantizationEnabled() || conv.WeightParams[graph.AttrKernel] == nil {
			continue
		}
		if len(g.SuccessorsOf(conv)) != 1 {
			continue
		}
		pairs = append(pairs, pair{conv: conv, bn: n})
	}
	return pairs
}

// channelMoments accumulates per-channel mean/variance of NCHW activations.
type channelMoments struct {
	count []float64
	mean  []float64
	m2    []float64
}

func newChannelMoments(channels int) *channelMoments {
	return &channelMoments{
		count: make([]float64, channels),
		mean:  make([]float64, channels),
		m2:    make([]float64, channels),
	}
}

func (m *channelMoments) update(t *tensor.Dense) {
	if t == nil {
		return
	}
	data := t.Data().([]float32)
	channels := len(m.mean)
	inner := 1
	for _, d := range t.Shape()[2:] {
		inner *= d
	}
	for i, v := range data {
		c := (i / inner) % channels
		m.count[c]++
		delta := float64(v) - m.mean[c]
		m.mean[c] += delta / m.count[c]
		m.m2[c] += delta * (float64(v) - m.mean[c])
	}
}

func (m *channelMoments) variance(c int) float64 {
	if m.count[c] == 0 {
		return 0
	}
	return m.m2[c] / m.count[c]
}
