// Package search - Per-node quantization parameter search: selects a bit
// width and threshold/range for every quantizable weight and activation by
// minimizing the local quantization error against collected statistics.
package search

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/logger"
	"github.com/nvr-ai/go-quant/quantization"
	"github.com/nvr-ai/go-quant/stats"
	"github.com/nvr-ai/go-quant/tpc"
)

// Searcher computes quantization parameters for every enabled node.
type Searcher struct {
	caps *tpc.Capabilities
	cfg  *quantization.Config
	log  logger.Logger
}

// New creates a Searcher.
func New(caps *tpc.Capabilities, cfg *quantization.Config, log logger.Logger) *Searcher {
	if log == nil {
		log = logger.Discard()
	}
	return &Searcher{caps: caps, cfg: cfg, log: log}
}

// Run attaches quantization parameters to every node of g. Nodes whose op has
// no registered capabilities, or whose quantization is disabled, are left
// untouched: weight tensors are never modified by the search.
func (s *Searcher) Run(g *graph.Graph, store stats.Store) error {
	for _, n := range g.Nodes() {
		opCfg, ok := s.caps.Lookup(n.Op)
		if !ok {
			s.log.Debug("no platform capabilities for op, skipping", "node", n.Name, "op", n.Op)
			continue
		}

		n.QuantizeWeights = s.cfg.EnableWeightsQuantization &&
			opCfg.EnableWeightsQuantization && len(opCfg.KernelAttributes) > 0
		n.QuantizeActivations = s.cfg.EnableActivationsQuantization &&
			opCfg.EnableActivationsQuantization

		if n.QuantizeWeights {
			if err := s.searchWeights(n, opCfg); err != nil {
				return errors.Wrapf(err, "weight search for %q", n.Name)
			}
		}
		if n.QuantizeActivations {
			if err := s.searchActivations(n, opCfg, store); err != nil {
				return errors.Wrapf(err, "activation search for %q", n.Name)
			}
		}
	}
	return nil
}

func (s *Searcher) searchWeights(n *graph.Node, opCfg tpc.OpQuantConfig) error {
	method := s.cfg.WeightsMethod
	if !opCfg.AllowsMethod(method) {
		if len(opCfg.WeightsMethods) == 0 {
			return errors.Errorf("method %s rejected with no alternative", method)
		}
		method = opCfg.WeightsMethods[0]
	}
	candidates := opCfg.WeightsNBitsCandidates
	if len(candidates) == 0 {
		candidates = []int{s.cfg.WeightsNBits}
	}

	if n.WeightParams == nil {
		n.WeightParams = map[string]*quantization.Params{}
	}
	for _, attr := range opCfg.KernelAttributes {
		kernel := n.WeightByKey(attr)
		if kernel == nil {
			continue
		}
		data := kernel.Data().([]float32)
		var best *quantization.Params
		bestErr := math32.Inf(1)
		for _, bits := range candidates {
			var p *quantization.Params
			var e float64
			if s.cfg.WeightsPerChannel {
				p, e = s.perChannel(kernel, method, bits)
			} else {
				p, e = s.searchTensor(data, method, bits)
			}
			if float32(e) < bestErr {
				bestErr = float32(e)
				best = p
			}
		}
		n.WeightParams[attr] = best
		s.log.Debug("weight params selected",
			"node", n.Name, "attr", attr, "bits", best.NBits, "threshold", best.Threshold)
	}
	return nil
}

func (s *Searcher) searchActivations(n *graph.Node, opCfg tpc.OpQuantConfig, store stats.Store) error {
	st := store.Get(n.Name)
	if st == nil {
		return errors.Errorf("no collected statistics for node output")
	}
	if st.Variance() < float64(quantization.Eps) {
		s.log.Warn("zero-variance activation, substituting eps floor", "node", n.Name)
	}

	candidates := opCfg.ActivationNBitsCandidates
	if len(candidates) == 0 {
		candidates = []int{s.cfg.ActivationNBits}
	}
	method := s.cfg.ActivationsMethod

	centers64 := st.Hist.Centers()
	centers := make([]float32, len(centers64))
	for i, c := range centers64 {
		centers[i] = float32(c)
	}
	counts := st.Hist.Counts()

	var best *quantization.Params
	bestErr := math32.Inf(1)
	for _, bits := range candidates {
		p, e := s.searchStats(st, centers, counts, method, bits)
		if float32(e) < bestErr {
			bestErr = float32(e)
			best = p
		}
	}
	n.ActivationParams = []*quantization.Params{best}
	return nil
}

// searchTensor line-searches thresholds for one (method, bits) pair over raw
// tensor data. Ties between candidates prefer the smaller threshold.
func (s *Searcher) searchTensor(data []float32, method quantization.Method, bits int) (*quantization.Params, float64) {
	maxAbs := maxAbs32(data)
	if method == quantization.MethodUniform {
		min32, max32 := minMax32(data)
		return s.searchUniform(bits, min32, max32, func(p *quantization.Params) float64 {
			return quantization.MSE(data, p)
		})
	}
	return s.searchSymmetric(method, bits, maxAbs, func(p *quantization.Params) float64 {
		return quantization.MSE(data, p)
	})
}

// searchStats is searchTensor against histogram statistics instead of raw
// values.
func (s *Searcher) searchStats(st *stats.TensorStats, centers []float32, counts []float64, method quantization.Method, bits int) (*quantization.Params, float64) {
	if method == quantization.MethodUniform {
		return s.searchUniform(bits, float32(st.Min), float32(st.Max), func(p *quantization.Params) float64 {
			return quantization.WeightedMSE(centers, counts, p)
		})
	}
	objective := func(p *quantization.Params) float64 {
		// Non-negative activations carry no sign bit.
		if st.Min >= 0 {
			p.Signed = false
			p.Scale = p.Threshold / math32.Exp2(float32(p.NBits))
		}
		return quantization.WeightedMSE(centers, counts, p)
	}
	return s.searchSymmetric(method, bits, float32(st.MaxAbs()), objective)
}

func (s *Searcher) searchSymmetric(method quantization.Method, bits int, maxAbs float32, objective func(*quantization.Params) float64) (*quantization.Params, float64) {
	steps := s.cfg.ThresholdSearchSteps
	if steps <= 0 {
		steps = 16
	}
	var candidates []float32
	switch method {
	case quantization.MethodPowerOfTwo:
		t := quantization.PowerOfTwoThreshold(maxAbs)
		for i := 0; i < steps; i++ {
			candidates = append(candidates, t)
			t /= 2
		}
	default:
		for i := 0; i < steps; i++ {
			frac := 1 - float32(i)/float32(steps)*0.7
			candidates = append(candidates, maxAbs*frac)
		}
	}

	var best *quantization.Params
	bestErr := math32.Inf(1)
	for _, t := range candidates {
		p := quantization.SymmetricParams(method, bits, t)
		e := float32(objective(p))
		if e < bestErr || (e == bestErr && best != nil && p.Threshold < best.Threshold) {
			bestErr = e
			best = p
		}
	}
	return best, float64(bestErr)
}

func (s *Searcher) searchUniform(bits int, rangeMin, rangeMax float32, objective func(*quantization.Params) float64) (*quantization.Params, float64) {
	steps := s.cfg.ThresholdSearchSteps
	if steps <= 0 {
		steps = 16
	}
	var best *quantization.Params
	bestErr := math32.Inf(1)
	for i := 0; i < steps; i++ {
		frac := 1 - float32(i)/float32(steps)*0.7
		p := quantization.UniformParams(bits, rangeMin*frac, rangeMax*frac)
		e := float32(objective(p))
		if e < bestErr || (e == bestErr && best != nil && p.Threshold < best.Threshold) {
			bestErr = e
			best = p
		}
	}
	return best, float64(bestErr)
}

// perChannel searches one threshold per output channel for a fixed bit width.
func (s *Searcher) perChannel(kernel *tensor.Dense, method quantization.Method, bits int) (*quantization.Params, float64) {
	data := kernel.Data().([]float32)
	channels := kernel.Shape()[0]
	per := len(data) / channels
	scales := make([]float32, channels)
	var total float64
	var first *quantization.Params
	for c := 0; c < channels; c++ {
		slice := data[c*per : (c+1)*per]
		p, e := s.searchTensor(slice, method, bits)
		scales[c] = p.Scale
		total += e
		if c == 0 {
			first = p
		}
	}
	out := *first
	out.PerChannel = true
	out.Scales = scales
	return &out, total / float64(channels)
}

func maxAbs32(data []float32) float32 {
	var m float32
	for _, v := range data {
		if a := math32.Abs(v); a > m {
			m = a
		}
	}
	return m
}

func minMax32(data []float32) (float32, float32) {
	if len(data) == 0 {
		return 0, 0
	}
	lo, hi := data[0], data[0]
	for _, v := range data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
