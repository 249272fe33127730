package quantization

import "github.com/chewxy/math32"

// QuantizeValue maps a float value to its fake-quantized reconstruction.
func QuantizeValue(v float32, p *Params) float32 {
	q := math32.Round(v/p.Scale + p.ZeroPoint)
	if q < p.QMin() {
		q = p.QMin()
	}
	if q > p.QMax() {
		q = p.QMax()
	}
	return (q - p.ZeroPoint) * p.Scale
}

// Quantize fake-quantizes src into dst. dst may alias src. Panics if the
// lengths differ, matching the tensor-in/tensor-out shape contract.
func Quantize(dst, src []float32, p *Params) {
	if len(dst) != len(src) {
		panic("quantization: dst/src length mismatch")
	}
	for i, v := range src {
		dst[i] = QuantizeValue(v, p)
	}
}

// QuantizeLevels maps src to integer quantization levels (before the
// dequantize step). Used by exporters that persist raw levels.
func QuantizeLevels(dst []int32, src []float32, p *Params) {
	for i, v := range src {
		q := math32.Round(v/p.Scale + p.ZeroPoint)
		if q < p.QMin() {
			q = p.QMin()
		}
		if q > p.QMax() {
			q = p.QMax()
		}
		dst[i] = int32(q)
	}
}

// MSE returns the mean squared reconstruction error of fake-quantizing x
// with the given parameters.
func MSE(x []float32, p *Params) float64 {
	if len(x) == 0 {
		return 0
	}
	var acc float64
	for _, v := range x {
		d := float64(v - QuantizeValue(v, p))
		acc += d * d
	}
	return acc / float64(len(x))
}

// WeightedMSE returns the reconstruction error of fake-quantizing the given
// values, each weighted by the matching count. Used with histogram bin
// centers where counts carry how often each value was observed.
func WeightedMSE(values []float32, counts []float64, p *Params) float64 {
	var acc, total float64
	for i, v := range values {
		d := float64(v - QuantizeValue(v, p))
		acc += counts[i] * d * d
		total += counts[i]
	}
	if total == 0 {
		return 0
	}
	return acc / total
}
