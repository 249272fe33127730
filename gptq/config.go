// Package gptq - Gradient-based post-training quantization: wraps the
// quantized graph with trainable quantization parameters and refines them by
// gradient descent against the representative dataset.
package gptq

import (
	"math"

	G "gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-quant/quantization"
)

// RoundingType selects the GPTQ rounding policy.
type RoundingType string

// Rounding policies.
const (
	// RoundingSTE rounds on the forward pass and passes gradients through
	// the rounding op unmodified.
	RoundingSTE RoundingType = "STE"
	// RoundingSoftQuantizer relaxes rounding into a differentiable soft
	// assignment that anneals toward hard rounding over training.
	RoundingSoftQuantizer RoundingType = "SOFT_QUANTIZER"
)

// QuantizerConfig is the rounding-policy-specific configuration. The variant
// is checked structurally against the selected rounding type at construction;
// a mismatched pair fails construction instead of silently proceeding.
type QuantizerConfig interface {
	Rounding() RoundingType
}

// STEConfig configures straight-through-estimator rounding.
type STEConfig struct {
	// LSBChangePerBitWidth caps how far a trained weight may drift from its
	// initial value, in least-significant bits, indexed by bit width.
	LSBChangePerBitWidth *quantization.DefaultDict[int, int]
}

// NewSTEConfig creates an STEConfig with a fresh one-LSB default map.
func NewSTEConfig() *STEConfig {
	return &STEConfig{
		LSBChangePerBitWidth: quantization.NewDefaultDict[int, int](nil, func() int { return 1 }),
	}
}

// Rounding implements QuantizerConfig.
func (c *STEConfig) Rounding() RoundingType { return RoundingSTE }

// SoftQuantizerConfig configures the annealed soft rounding policy.
type SoftQuantizerConfig struct {
	// NBatches controls the anneal schedule: the rounding temperature
	// decays from BetaStart to BetaEnd over this many batches.
	NBatches  int
	BetaStart float64
	BetaEnd   float64
	// RegFactor weights the rounding regularizer that pushes the soft
	// assignment toward hard zero/one decisions.
	RegFactor float64
}

// NewSoftQuantizerConfig creates a SoftQuantizerConfig with the standard
// 20-to-2 temperature schedule.
func NewSoftQuantizerConfig(nBatches int) *SoftQuantizerConfig {
	return &SoftQuantizerConfig{
		NBatches:  nBatches,
		BetaStart: 20,
		BetaEnd:   2,
		RegFactor: 0.01,
	}
}

// Rounding implements QuantizerConfig.
func (c *SoftQuantizerConfig) Rounding() RoundingType { return RoundingSoftQuantizer }

// IterationUnit expresses the training budget as either a total step count
// or full passes over the representative dataset.
type IterationUnit struct {
	epochs bool
	n      int
}

// Iterations expresses the budget as a total step count.
func Iterations(n int) IterationUnit { return IterationUnit{n: n} }

// Epochs expresses the budget as full passes over the dataset.
func Epochs(n int) IterationUnit { return IterationUnit{epochs: true, n: n} }

// IsEpochs reports whether the budget counts epochs.
func (u IterationUnit) IsEpochs() bool { return u.epochs }

// Count returns the step or epoch count.
func (u IterationUnit) Count() int { return u.n }

// Config configures the GPTQ refinement stage. Construct it through
// NewBuilder; a zero Config is not usable.
type Config struct {
	Unit IterationUnit

	// Optimizer trains the rounding parameters (soft aux variables or STE
	// weights). OptimizerRest trains bias and quantization parameters;
	// OptimizerBias / OptimizerQuantParam override it per role.
	Optimizer           G.Solver
	OptimizerRest       G.Solver
	OptimizerBias       G.Solver
	OptimizerQuantParam G.Solver

	// Loss consumes six tensor lists: quantized/float activations,
	// quantized/float weights, and the activations' mean/std. Nil selects
	// MultipleTensorsMSELoss.
	Loss Loss

	TrainBias          bool
	QuantParamLearning bool
	Rounding           RoundingType
	Quantizer          QuantizerConfig

	Eps float64

	// UseJacBasedWeights weights each compare point's loss contribution by
	// a Jacobian-based sensitivity estimate.
	UseJacBasedWeights bool
	NumSamplesForLoss  int
	NormScores         bool
	LogNorm            bool
	// HessianIter is the number of random-direction iterations of the
	// Jacobian approximation.
	HessianIter int
}

// Builder assembles a Config, accumulating the first error it hits.
type Builder struct {
	cfg Config
	err error
}

// NewBuilder starts a Config for the given training budget and optimizer.
func NewBuilder(unit IterationUnit, optimizer G.Solver) *Builder {
	b := &Builder{cfg: Config{
		Unit:              unit,
		Optimizer:         optimizer,
		TrainBias:         true,
		Rounding:          RoundingSoftQuantizer,
		Eps:               1e-6,
		NumSamplesForLoss: 16,
		LogNorm:           true,
		HessianIter:       50,
	}}
	if unit.Count() <= 0 {
		b.err = quantization.NewConfigError("gptq budget must be positive, got %d", unit.Count())
	}
	if optimizer == nil && b.err == nil {
		b.err = quantization.NewConfigError("gptq requires an optimizer")
	}
	return b
}

// WithRounding selects the rounding policy.
func (b *Builder) WithRounding(r RoundingType) *Builder {
	b.cfg.Rounding = r
	return b
}

// WithQuantizer sets the rounding-policy-specific configuration.
func (b *Builder) WithQuantizer(qc QuantizerConfig) *Builder {
	b.cfg.Quantizer = qc
	return b
}

// WithLoss sets the loss function.
func (b *Builder) WithLoss(l Loss) *Builder {
	b.cfg.Loss = l
	return b
}

// WithOptimizerRest sets the optimizer for bias and quantization parameters.
func (b *Builder) WithOptimizerRest(s G.Solver) *Builder {
	b.cfg.OptimizerRest = s
	return b
}

// WithOptimizerBias overrides the rest optimizer for bias tensors.
func (b *Builder) WithOptimizerBias(s G.Solver) *Builder {
	b.cfg.OptimizerBias = s
	return b
}

// WithOptimizerQuantParam overrides the rest optimizer for quantization
// parameters.
func (b *Builder) WithOptimizerQuantParam(s G.Solver) *Builder {
	b.cfg.OptimizerQuantParam = s
	return b
}

// WithTrainBias toggles bias training.
func (b *Builder) WithTrainBias(v bool) *Builder {
	b.cfg.TrainBias = v
	return b
}

// WithQuantParamLearning toggles training of the quantization parameters
// themselves. Incompatible with STE rounding.
func (b *Builder) WithQuantParamLearning(v bool) *Builder {
	b.cfg.QuantParamLearning = v
	return b
}

// WithJacBasedWeights toggles Jacobian-based loss weighting.
func (b *Builder) WithJacBasedWeights(v bool) *Builder {
	b.cfg.UseJacBasedWeights = v
	return b
}

// WithNumSamplesForLoss sets the sample count of the Jacobian approximation.
func (b *Builder) WithNumSamplesForLoss(n int) *Builder {
	b.cfg.NumSamplesForLoss = n
	return b
}

// WithHessianIter sets the random-direction iteration count of the Jacobian
// approximation.
func (b *Builder) WithHessianIter(n int) *Builder {
	b.cfg.HessianIter = n
	return b
}

// WithNormScores toggles normalizing the Jacobian weights to [0,1].
func (b *Builder) WithNormScores(v bool) *Builder {
	b.cfg.NormScores = v
	return b
}

// WithLogNorm toggles log normalization of the Jacobian weights.
func (b *Builder) WithLogNorm(v bool) *Builder {
	b.cfg.LogNorm = v
	return b
}

// HasError reports whether the builder already failed.
func (b *Builder) HasError() bool { return b.err != nil }

// Build validates and returns the Config.
//
// Returns:
//   - *Config: The validated configuration.
//   - error: A ConfigError for incompatible combinations; the instance is
//     not usable when an error is returned.
func (b *Builder) Build() (*Config, error) {
	if b.err != nil {
		return nil, b.err
	}
	cfg := b.cfg
	if cfg.Quantizer == nil {
		switch cfg.Rounding {
		case RoundingSTE:
			cfg.Quantizer = NewSTEConfig()
		default:
			cfg.Quantizer = NewSoftQuantizerConfig(int(math.Max(1, float64(cfg.Unit.Count()))))
		}
	}
	if cfg.QuantParamLearning && cfg.Rounding == RoundingSTE {
		return nil, quantization.NewConfigError(
			"quantization parameter learning is not supported with STE rounding")
	}
	if cfg.Quantizer.Rounding() != cfg.Rounding {
		return nil, quantization.NewConfigError(
			"quantizer config for %s rounding is not suitable for rounding type %s",
			cfg.Quantizer.Rounding(), cfg.Rounding)
	}
	if cfg.OptimizerRest == nil {
		cfg.OptimizerRest = cfg.Optimizer
	}
	return &cfg, nil
}

// ConfigFromIterations converts an iteration-count budget into the
// epoch-count generation: epochs = round(nIter) / nPTQIter, where nPTQIter is
// the representative dataset length.
func ConfigFromIterations(nPTQIter int, cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, quantization.NewConfigError("nil gptq config")
	}
	if cfg.Unit.IsEpochs() {
		return nil, quantization.NewConfigError("config already counts epochs")
	}
	if nPTQIter <= 0 {
		return nil, quantization.NewConfigError("dataset length must be positive, got %d", nPTQIter)
	}
	out := *cfg
	out.Unit = Epochs(int(math.Round(float64(cfg.Unit.Count()))) / nPTQIter)
	return &out, nil
}

// Extended quantizer parameter keys.
const (
	ParamNBatches           = "n_batches"
	ParamQuantParamLearning = "quantization_parameter_learning"
	ParamNEpochs            = "n_epochs"
	ParamMaxLSBChange       = "max_lsbs_change_map"
)

// QuantizerParameters returns the extra keyword parameters a concrete
// quantizer implementation needs, keyed by rounding policy.
func (c *Config) QuantizerParameters() map[string]any {
	switch qc := c.Quantizer.(type) {
	case *SoftQuantizerConfig:
		return map[string]any{
			ParamNBatches:           qc.NBatches,
			ParamQuantParamLearning: c.QuantParamLearning,
			ParamNEpochs:            c.Unit.Count(),
		}
	case *STEConfig:
		return map[string]any{
			ParamMaxLSBChange: qc.LSBChangePerBitWidth,
		}
	}
	return map[string]any{}
}
