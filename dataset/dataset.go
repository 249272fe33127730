// Package dataset - Representative dataset generators used for calibration
// and GPTQ refinement. A generator is a restartable, finite-or-infinite
// producer of input batches standing in for the training distribution.
package dataset

import (
	"github.com/leesper/go_rng"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrExhausted reports that a generator yielded fewer batches than a stage's
// configured iteration count requires. Stages fail loudly with this instead
// of silently short-training.
var ErrExhausted = errors.New("representative dataset exhausted")

// Generator produces input batches for the pipeline. Next returns one tensor
// per graph input; once drained it returns ErrExhausted until Reset.
type Generator interface {
	Next() ([]tensor.Tensor, error)
	Reset() error
}

// sliceGenerator replays a fixed list of batches.
type sliceGenerator struct {
	batches [][]tensor.Tensor
	cursor  int
}

// FromSlices creates a generator replaying the given batches in order.
func FromSlices(batches [][]tensor.Tensor) Generator {
	return &sliceGenerator{batches: batches}
}

func (s *sliceGenerator) Next() ([]tensor.Tensor, error) {
	if s.cursor >= len(s.batches) {
		return nil, ErrExhausted
	}
	b := s.batches[s.cursor]
	s.cursor++
	return b, nil
}

func (s *sliceGenerator) Reset() error {
	s.cursor = 0
	return nil
}

// gaussianGenerator yields seeded Gaussian batches. Restarting reseeds the
// source, so two drains produce identical batches; the statistics collector
// relies on that determinism.
type gaussianGenerator struct {
	seed      int64
	mean, std float64
	shape     tensor.Shape
	batches   int
	rng       *rng.GaussianGenerator
	cursor    int
}

// Gaussian creates a generator of `batches` N(mean, std) batches with the
// given shape. batches <= 0 makes it infinite.
func Gaussian(seed int64, mean, std float64, shape tensor.Shape, batches int) Generator {
	return &gaussianGenerator{
		seed:  seed,
		mean:  mean,
		std:   std,
		shape: shape.Clone(),
		// batches bounds Next; the zero source is lazily (re)built.
		batches: batches,
		rng:     rng.NewGaussianGenerator(seed),
	}
}

func (g *gaussianGenerator) Next() ([]tensor.Tensor, error) {
	if g.batches > 0 && g.cursor >= g.batches {
		return nil, ErrExhausted
	}
	g.cursor++
	backing := make([]float32, g.shape.TotalSize())
	for i := range backing {
		backing[i] = float32(g.rng.Gaussian(g.mean, g.std))
	}
	t := tensor.New(tensor.WithShape(g.shape...), tensor.WithBacking(backing))
	return []tensor.Tensor{t}, nil
}

func (g *gaussianGenerator) Reset() error {
	g.rng = rng.NewGaussianGenerator(g.seed)
	g.cursor = 0
	return nil
}

// Drain pulls exactly n batches from gen, wrapping exhaustion with the stage
// name so pipeline errors identify the starved stage.
func Drain(gen Generator, n int, stage string) ([][]tensor.Tensor, error) {
	out := make([][]tensor.Tensor, 0, n)
	for i := 0; i < n; i++ {
		batch, err := gen.Next()
		if err != nil {
			if errors.Is(err, ErrExhausted) {
				return nil, errors.Wrapf(ErrExhausted, "%s needs %d batches, got %d", stage, n, i)
			}
			return nil, errors.Wrapf(err, "%s: batch %d", stage, i)
		}
		out = append(out, batch)
	}
	return out, nil
}
