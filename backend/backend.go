// Package backend - The tensor-computation contract the pipeline calls into,
// and its gorgonia implementation. Forward passes are opaque synchronous
// calls; the core never reaches below this interface for tensor math.
package backend

import (
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/graph"
)

// Options selects how a forward pass treats quantization parameters.
type Options struct {
	// Quantized fake-quantizes weights and activations of every node whose
	// quantization is enabled and parameterized.
	Quantized bool
	// Only restricts quantization to the named nodes, producing the
	// semi-quantized model the second-moment correction pass runs.
	Only map[string]bool
}

// Runner executes a graph forward. The returned map carries every node's
// output tensor keyed by node name; built graphs guarantee unique names.
type Runner interface {
	Forward(g *graph.Graph, inputs []tensor.Tensor, opts Options) (map[string]*tensor.Dense, error)
}

// quantizeNode reports whether opts asks for node n's tensors to be
// fake-quantized on this pass.
func quantizeNode(n *graph.Node, opts Options) bool {
	if !opts.Quantized {
		return false
	}
	if opts.Only != nil && !opts.Only[n.Name] {
		return false
	}
	return true
}
