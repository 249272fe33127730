package quantization

import (
	"github.com/chewxy/math32"
)

// Eps is the numeric stability floor substituted for zero or negative
// variances, ranges and scales.
const Eps float32 = 1e-8

// Params holds the quantization parameters selected for a single tensor.
type Params struct {
	Method    Method
	NBits     int
	Signed    bool
	Scale     float32
	ZeroPoint float32
	Threshold float32
	// RangeMin/RangeMax are only meaningful for MethodUniform.
	RangeMin float32
	RangeMax float32
	// PerChannel marks kernel attributes quantized with one scale per
	// output channel. Scales then holds the per-channel scales and Scale
	// the first entry.
	PerChannel bool
	Scales     []float32
}

// QMin returns the lowest representable quantized level.
func (p *Params) QMin() float32 {
	if p.Signed {
		return -math32.Exp2(float32(p.NBits - 1))
	}
	return 0
}

// QMax returns the highest representable quantized level.
func (p *Params) QMax() float32 {
	if p.Signed {
		return math32.Exp2(float32(p.NBits-1)) - 1
	}
	return math32.Exp2(float32(p.NBits)) - 1
}

// SymmetricParams computes signed symmetric parameters for a threshold.
func SymmetricParams(method Method, nBits int, threshold float32) *Params {
	if threshold < Eps {
		threshold = Eps
	}
	return &Params{
		Method:    method,
		NBits:     nBits,
		Signed:    true,
		Scale:     threshold / math32.Exp2(float32(nBits-1)),
		ZeroPoint: 0,
		Threshold: threshold,
	}
}

// UniformParams computes asymmetric parameters for a [rangeMin, rangeMax]
// range. The range is first adjusted to include zero so that zero is exactly
// representable.
func UniformParams(nBits int, rangeMin, rangeMax float32) *Params {
	if rangeMin > 0 {
		rangeMin = 0
	}
	if rangeMax < 0 {
		rangeMax = 0
	}
	if rangeMax-rangeMin < Eps {
		rangeMax = rangeMin + Eps
	}
	levels := math32.Exp2(float32(nBits)) - 1
	scale := (rangeMax - rangeMin) / levels
	return &Params{
		Method:    MethodUniform,
		NBits:     nBits,
		Signed:    false,
		Scale:     scale,
		ZeroPoint: math32.Round(-rangeMin / scale),
		Threshold: rangeMax,
		RangeMin:  rangeMin,
		RangeMax:  rangeMax,
	}
}

// PowerOfTwoThreshold returns the smallest power of two that covers maxAbs.
func PowerOfTwoThreshold(maxAbs float32) float32 {
	if maxAbs < Eps {
		maxAbs = Eps
	}
	return math32.Exp2(math32.Ceil(math32.Log2(maxAbs)))
}
