package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestFromSlicesExhaustsAndResets(t *testing.T) {
	b1 := []tensor.Tensor{tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float32{1, 2}))}
	b2 := []tensor.Tensor{tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float32{3, 4}))}
	gen := FromSlices([][]tensor.Tensor{b1, b2})

	first, err := gen.Next()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, first[0].Data().([]float32))

	_, err = gen.Next()
	require.NoError(t, err)
	_, err = gen.Next()
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, gen.Reset())
	again, err := gen.Next()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, again[0].Data().([]float32))
}

func TestGaussianIsDeterministicAcrossResets(t *testing.T) {
	gen := Gaussian(7, 0, 1, tensor.Shape{2, 3}, 4)

	var firstRun [][]float32
	for {
		batch, err := gen.Next()
		if err != nil {
			assert.ErrorIs(t, err, ErrExhausted)
			break
		}
		firstRun = append(firstRun, append([]float32(nil), batch[0].Data().([]float32)...))
	}
	require.Len(t, firstRun, 4)

	require.NoError(t, gen.Reset())
	for i := 0; i < 4; i++ {
		batch, err := gen.Next()
		require.NoError(t, err)
		assert.Equal(t, firstRun[i], batch[0].Data().([]float32), "batch %d", i)
	}
}

func TestGaussianInfiniteWhenBatchesNonPositive(t *testing.T) {
	gen := Gaussian(1, 0, 1, tensor.Shape{1, 1}, 0)
	for i := 0; i < 100; i++ {
		_, err := gen.Next()
		require.NoError(t, err)
	}
}

func TestGaussianMatchesRequestedMoments(t *testing.T) {
	gen := Gaussian(3, 5.0, 0.5, tensor.Shape{1, 4096}, 1)
	batch, err := gen.Next()
	require.NoError(t, err)

	data := batch[0].Data().([]float32)
	var sum float64
	for _, v := range data {
		sum += float64(v)
	}
	mean := sum / float64(len(data))
	assert.InDelta(t, 5.0, mean, 0.05)
}

func TestDrain(t *testing.T) {
	gen := Gaussian(1, 0, 1, tensor.Shape{1, 2}, 3)

	batches, err := Drain(gen, 3, "calibration")
	require.NoError(t, err)
	assert.Len(t, batches, 3)

	// Asking beyond what the generator holds names the starved stage.
	require.NoError(t, gen.Reset())
	_, err = Drain(gen, 5, "calibration")
	require.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "calibration needs 5 batches, got 3")
}
