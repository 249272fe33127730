package gptq

import (
	"math"

	"github.com/leesper/go_rng"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/dataset"
	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/logger"
)

// jacobianSeed keeps the random projection directions reproducible across
// runs; the estimate is an average, not a sample, so a fixed seed is fine.
const jacobianSeed = 1

// jacobianWeights estimates how sensitive the model output is to each compare
// point, Hutchinson style: project the float output onto random Gaussian
// directions, differentiate the projection with respect to every compare
// point, and average the squared gradient magnitudes. The result weights the
// per-point loss terms so layers the output actually depends on dominate
// training.
func jacobianWeights(work *graph.Graph, gen dataset.Generator, inputShape tensor.Shape, cfg *Config, log logger.Logger) ([]float64, error) {
	prog, err := buildProgram(work, inputShape, cfg, true)
	if err != nil {
		return nil, errors.Wrap(err, "building float program")
	}
	if len(prog.fltActs) == 0 {
		return nil, errors.New("no compare points to weight")
	}

	proj, err := projection(prog)
	if err != nil {
		return nil, errors.Wrap(err, "building output projection")
	}
	grads, err := G.Grad(proj, prog.fltActs...)
	if err != nil {
		return nil, errors.Wrap(err, "differentiating projection")
	}

	if err := gen.Reset(); err != nil {
		return nil, errors.Wrap(err, "resetting representative dataset")
	}
	batches, err := dataset.Drain(gen, cfg.NumSamplesForLoss, "jacobian estimation")
	if err != nil {
		return nil, err
	}

	m := G.NewTapeMachine(prog.g)
	defer m.Close()

	gauss := rng.NewGaussianGenerator(jacobianSeed)
	scores := make([]float64, len(prog.fltActs))
	vShape := prog.vDir.Shape()
	for it := 0; it < cfg.HessianIter; it++ {
		batch := batches[it%len(batches)]
		if err := G.Let(prog.input, batch[0]); err != nil {
			return nil, errors.Wrapf(err, "jacobian iteration %d", it)
		}
		backing := make([]float32, vShape.TotalSize())
		for i := range backing {
			backing[i] = float32(gauss.Gaussian(0, 1))
		}
		v := tensor.New(tensor.WithShape(vShape...), tensor.WithBacking(backing))
		if err := G.Let(prog.vDir, v); err != nil {
			return nil, errors.Wrapf(err, "jacobian iteration %d", it)
		}
		m.Reset()
		if err := m.RunAll(); err != nil {
			return nil, errors.Wrapf(err, "jacobian iteration %d", it)
		}
		for i, gn := range grads {
			scores[i] += meanSquare(gn.Value())
		}
	}
	for i := range scores {
		scores[i] /= float64(cfg.HessianIter)
	}

	normalizeScores(scores, cfg)
	log.Debug("jacobian loss weights computed", "points", len(scores))
	return scores, nil
}

// projection builds the scalar sum(output * v_dir) whose gradient is the
// Jacobian row along v_dir.
func projection(p *program) (*G.Node, error) {
	prod, err := G.HadamardProd(p.fltOutput, p.vDir)
	if err != nil {
		return nil, err
	}
	return G.Sum(prod)
}

// normalizeScores applies the configured log / max normalization in place.
// Log normalization compresses the dynamic range (sensitivities span orders
// of magnitude) and shifts the minimum to zero so every weight stays
// nonnegative.
func normalizeScores(scores []float64, cfg *Config) {
	if cfg.LogNorm {
		lo := math.Inf(1)
		for i, s := range scores {
			scores[i] = math.Log10(s + cfg.Eps)
			if scores[i] < lo {
				lo = scores[i]
			}
		}
		for i := range scores {
			scores[i] -= lo
		}
	}
	if cfg.NormScores {
		hi := 0.0
		for _, s := range scores {
			if s > hi {
				hi = s
			}
		}
		if hi > 0 {
			for i := range scores {
				scores[i] /= hi
			}
		}
	}
}

// meanSquare returns the mean squared entry of a gradient value.
func meanSquare(v G.Value) float64 {
	d, ok := v.(*tensor.Dense)
	if !ok {
		return 0
	}
	data := d.Data().([]float32)
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, x := range data {
		sum += float64(x) * float64(x)
	}
	return sum / float64(len(data))
}
