package gptq

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

// Loss scores the divergence between the quantized and float model. It
// receives six tensor lists: quantized activations, float activations,
// quantized weights, float weights, and the float activations' per-tensor
// mean and std. Implementations return a scalar node.
type Loss func(fxpActs, fltActs, fxpWeights, fltWeights, actMean, actStd []*G.Node) (*G.Node, error)

// MultipleTensorsMSELoss returns the default loss: a weighted average of the
// per-compare-point mean squared activation error. pointWeights may be nil
// for uniform weighting; otherwise it must align with the activation lists.
func MultipleTensorsMSELoss(pointWeights []float64) Loss {
	return func(fxpActs, fltActs, _, _, _, _ []*G.Node) (*G.Node, error) {
		if len(fxpActs) == 0 || len(fxpActs) != len(fltActs) {
			return nil, errors.Errorf("loss expects aligned activation lists, got %d/%d",
				len(fxpActs), len(fltActs))
		}
		if pointWeights != nil && len(pointWeights) != len(fxpActs) {
			return nil, errors.Errorf("loss has %d point weights for %d compare points",
				len(pointWeights), len(fxpActs))
		}
		var total *G.Node
		var weightSum float64
		for i := range fxpActs {
			diff, err := G.Sub(fxpActs[i], fltActs[i])
			if err != nil {
				return nil, errors.Wrapf(err, "compare point %d", i)
			}
			sq, err := G.Square(diff)
			if err != nil {
				return nil, errors.Wrapf(err, "compare point %d", i)
			}
			mse, err := G.Mean(sq)
			if err != nil {
				return nil, errors.Wrapf(err, "compare point %d", i)
			}
			w := 1.0
			if pointWeights != nil {
				w = pointWeights[i]
			}
			weightSum += w
			weighted, err := G.Mul(mse, G.NewConstant(float32(w), G.In(mse.Graph())))
			if err != nil {
				return nil, errors.Wrapf(err, "compare point %d", i)
			}
			if total == nil {
				total = weighted
				continue
			}
			if total, err = G.Add(total, weighted); err != nil {
				return nil, errors.Wrapf(err, "compare point %d", i)
			}
		}
		if weightSum == 0 {
			weightSum = 1
		}
		return G.Mul(total, G.NewConstant(float32(1/weightSum), G.In(total.Graph())))
	}
}
