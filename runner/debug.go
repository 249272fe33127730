package runner

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-quant/backend"
	"github.com/nvr-ai/go-quant/dataset"
	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/logger"
)

// EditRule overrides the searched quantization decision for every node whose
// name contains Match. Rules apply after the parameter search, so a disabled
// node keeps no stale parameters.
type EditRule struct {
	Match              string
	DisableWeights     bool
	DisableActivations bool
}

// DebugConfig enables the pipeline's introspection hooks.
type DebugConfig struct {
	// AnalyzeSimilarity compares float vs fully-quantized outputs per node
	// over one representative batch and logs cosine similarity and MSE.
	AnalyzeSimilarity bool
	EditRules         []EditRule
}

// applyEditRules mutates the graph's quantization flags in place.
func applyEditRules(g *graph.Graph, rules []EditRule, log logger.Logger) {
	for _, rule := range rules {
		for _, n := range g.Nodes() {
			if !strings.Contains(n.Name, rule.Match) {
				continue
			}
			if rule.DisableWeights && n.QuantizeWeights {
				n.QuantizeWeights = false
				n.WeightParams = nil
				log.Info("edit rule disabled weights quantization", "node", n.Name, "match", rule.Match)
			}
			if rule.DisableActivations && n.QuantizeActivations {
				n.QuantizeActivations = false
				n.ActivationParams = nil
				log.Info("edit rule disabled activation quantization", "node", n.Name, "match", rule.Match)
			}
		}
	}
}

// analyzeSimilarity runs one batch through the float and the quantized model
// and logs per-node divergence. Failures here are reported but never fail the
// pipeline; the analysis is advisory.
func analyzeSimilarity(r backend.Runner, g *graph.Graph, gen dataset.Generator, log logger.Logger) error {
	if err := gen.Reset(); err != nil {
		return errors.Wrap(err, "resetting representative dataset")
	}
	batch, err := gen.Next()
	if err != nil {
		return errors.Wrap(err, "similarity batch")
	}
	fl, err := r.Forward(g, batch, backend.Options{})
	if err != nil {
		return errors.Wrap(err, "float forward")
	}
	qt, err := r.Forward(g, batch, backend.Options{Quantized: true})
	if err != nil {
		return errors.Wrap(err, "quantized forward")
	}
	for _, n := range g.Nodes() {
		f, q := fl[n.Name], qt[n.Name]
		if f == nil || q == nil {
			continue
		}
		cos, mse := similarity(f.Data().([]float32), q.Data().([]float32))
		log.Info("node similarity", "node", n.Name, "cosine", cos, "mse", mse)
	}
	return nil
}

// similarity returns the cosine similarity and MSE between two equally sized
// activation buffers.
func similarity(a, b []float32) (float64, float64) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, 0
	}
	var dot, na, nb, sq float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
		d := x - y
		sq += d * d
	}
	cos := 0.0
	if na > 0 && nb > 0 {
		cos = dot / (math.Sqrt(na) * math.Sqrt(nb))
	}
	return cos, sq / float64(len(a))
}
