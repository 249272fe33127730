package quantization

// Config enumerates the stage-level toggles of the core pipeline. It is
// immutable once constructed and passed by pointer through every stage.
type Config struct {
	// WeightsMethod / ActivationsMethod select the quantization method used
	// when the target platform allows more than one.
	WeightsMethod     Method
	ActivationsMethod Method

	// WeightsNBits / ActivationNBits are the default bit widths used when
	// the target platform declares no candidates for an op.
	WeightsNBits    int
	ActivationNBits int

	EnableWeightsQuantization     bool
	EnableActivationsQuantization bool

	// WeightsPerChannel quantizes kernel attributes with one scale per
	// output channel.
	WeightsPerChannel bool

	// WeightsSecondMomentCorrection toggles the batch-norm statistics
	// correction pass; WeightsSecondMomentIters is the number of
	// representative batches it consumes.
	WeightsSecondMomentCorrection bool
	WeightsSecondMomentIters      int

	// ThresholdSearchSteps controls the size of the threshold grid the
	// parameter search evaluates per candidate bit width.
	ThresholdSearchSteps int

	// CalibrationIters is the number of representative batches the
	// statistics collector consumes.
	CalibrationIters int
}

// DefaultConfig returns the configuration used when the caller supplies none.
func DefaultConfig() *Config {
	return &Config{
		WeightsMethod:                 MethodPowerOfTwo,
		ActivationsMethod:             MethodPowerOfTwo,
		WeightsNBits:                  8,
		ActivationNBits:               8,
		EnableWeightsQuantization:     true,
		EnableActivationsQuantization: true,
		WeightsSecondMomentIters:      200,
		ThresholdSearchSteps:          16,
		CalibrationIters:              32,
	}
}

// Validate reports a ConfigError for out-of-range fields.
func (c *Config) Validate() error {
	if !c.WeightsMethod.Valid() {
		return NewConfigError("unknown weights method %q", c.WeightsMethod)
	}
	if !c.ActivationsMethod.Valid() {
		return NewConfigError("unknown activations method %q", c.ActivationsMethod)
	}
	if c.WeightsNBits < 2 || c.WeightsNBits > 16 {
		return NewConfigError("weights bit width %d out of range [2,16]", c.WeightsNBits)
	}
	if c.ActivationNBits < 2 || c.ActivationNBits > 16 {
		return NewConfigError("activation bit width %d out of range [2,16]", c.ActivationNBits)
	}
	if c.WeightsSecondMomentCorrection && c.WeightsSecondMomentIters <= 0 {
		return NewConfigError("second moment correction enabled with %d iterations", c.WeightsSecondMomentIters)
	}
	if c.CalibrationIters <= 0 {
		return NewConfigError("calibration iterations must be positive, got %d", c.CalibrationIters)
	}
	return nil
}
