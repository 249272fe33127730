package quantization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymmetricParams(t *testing.T) {
	tests := []struct {
		name      string
		method    Method
		nBits     int
		threshold float32
		wantScale float32
	}{
		{
			name:      "8-bit power of two",
			method:    MethodPowerOfTwo,
			nBits:     8,
			threshold: 1.0,
			wantScale: 1.0 / 128,
		},
		{
			name:      "4-bit symmetric",
			method:    MethodSymmetric,
			nBits:     4,
			threshold: 2.0,
			wantScale: 0.25,
		},
		{
			name:      "degenerate threshold clamps to eps",
			method:    MethodSymmetric,
			nBits:     8,
			threshold: 0,
			wantScale: Eps / 128,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := SymmetricParams(tt.method, tt.nBits, tt.threshold)
			assert.True(t, p.Signed)
			assert.InDelta(t, tt.wantScale, p.Scale, 1e-9)
			assert.Equal(t, tt.nBits, p.NBits)
		})
	}
}

func TestUniformParamsIncludesZero(t *testing.T) {
	// A strictly positive range must be stretched down to zero so that zero
	// is exactly representable.
	p := UniformParams(8, 0.5, 2.0)
	assert.Equal(t, float32(0), p.RangeMin)
	assert.Equal(t, float32(2.0), p.RangeMax)
	assert.Equal(t, float32(0), QuantizeValue(0, p))

	// A strictly negative range stretches up to zero.
	p = UniformParams(8, -2.0, -0.5)
	assert.Equal(t, float32(0), p.RangeMax)
	assert.Equal(t, float32(0), QuantizeValue(0, p))
}

func TestPowerOfTwoThreshold(t *testing.T) {
	assert.Equal(t, float32(1), PowerOfTwoThreshold(0.6))
	assert.Equal(t, float32(4), PowerOfTwoThreshold(2.5))
	assert.Equal(t, float32(2), PowerOfTwoThreshold(2.0))
}

func TestQuantizeValueClampsToGrid(t *testing.T) {
	p := SymmetricParams(MethodSymmetric, 8, 1.0)
	// Out-of-range values saturate at the extreme levels.
	assert.InDelta(t, float32(-1.0), QuantizeValue(-5, p), 1e-6)
	assert.InDelta(t, p.Scale*127, QuantizeValue(5, p), 1e-6)
	// In-range values land on the nearest level.
	v := QuantizeValue(0.5, p)
	level := v / p.Scale
	assert.InDelta(t, float64(level), float64(int32(level+0.5)), 1e-4)
}

func TestQuantizeLengthMismatchPanics(t *testing.T) {
	p := SymmetricParams(MethodSymmetric, 8, 1.0)
	assert.Panics(t, func() {
		Quantize(make([]float32, 2), make([]float32, 3), p)
	})
}

func TestMSENonIncreasingInBits(t *testing.T) {
	data := []float32{-0.9, -0.5, -0.1, 0.05, 0.3, 0.77, 0.92}
	prev := 1e18
	for _, bits := range []int{2, 4, 8, 16} {
		p := SymmetricParams(MethodSymmetric, bits, 1.0)
		e := MSE(data, p)
		assert.LessOrEqual(t, e, prev, "bits=%d", bits)
		prev = e
	}
}

func TestWeightedMSEMatchesMSEOnUniformCounts(t *testing.T) {
	values := []float32{-0.5, 0.1, 0.4}
	counts := []float64{1, 1, 1}
	p := SymmetricParams(MethodPowerOfTwo, 8, 0.5)
	assert.InDelta(t, MSE(values, p), WeightedMSE(values, counts, p), 1e-12)
}

func TestDefaultDict(t *testing.T) {
	d := NewDefaultDict(map[int]int{8: 4}, func() int { return 1 })
	assert.Equal(t, 4, d.Get(8))
	assert.Equal(t, 1, d.Get(2))

	d.Set(2, 7)
	assert.Equal(t, 7, d.Get(2))
	assert.Equal(t, map[int]int{8: 4, 2: 7}, d.Known())
}

func TestDefaultDictInstancesAreIndependent(t *testing.T) {
	a := NewDefaultDict[int, int](nil, func() int { return 1 })
	b := NewDefaultDict[int, int](nil, func() int { return 1 })
	a.Set(4, 9)
	assert.Equal(t, 1, b.Get(4))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown weights method",
			mutate:  func(c *Config) { c.WeightsMethod = "LOGARITHMIC" },
			wantErr: "unknown weights method",
		},
		{
			name:    "weights bits out of range",
			mutate:  func(c *Config) { c.WeightsNBits = 1 },
			wantErr: "out of range",
		},
		{
			name: "second moment without iterations",
			mutate: func(c *Config) {
				c.WeightsSecondMomentCorrection = true
				c.WeightsSecondMomentIters = 0
			},
			wantErr: "second moment",
		},
		{
			name:    "calibration iterations must be positive",
			mutate:  func(c *Config) { c.CalibrationIters = 0 },
			wantErr: "calibration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
