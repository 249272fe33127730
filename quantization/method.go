// Package quantization - Quantization configuration, parameters and the
// fake-quantization kernels shared by the pipeline stages.
package quantization

// Method represents a weights/activations quantization method.
type Method string

// Method constants are the supported quantization methods.
const (
	MethodPowerOfTwo Method = "POWER_OF_TWO"
	MethodSymmetric  Method = "SYMMETRIC"
	MethodUniform    Method = "UNIFORM"
)

// Valid reports whether m is a known quantization method.
func (m Method) Valid() bool {
	switch m {
	case MethodPowerOfTwo, MethodSymmetric, MethodUniform:
		return true
	}
	return false
}
