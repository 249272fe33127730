// Package graph - Framework-agnostic intermediate representation of a
// trained network: nodes are operator instances, edges connect producer
// outputs to consumer inputs. Every pipeline stage reads or mutates this IR.
package graph

import (
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/quantization"
)

// OpType identifies the operator an IR node represents.
type OpType string

// Operator types with registered handlers.
const (
	OpInput           OpType = "Input"
	OpConv2D          OpType = "Conv2D"
	OpDepthwiseConv2D OpType = "DepthwiseConv2D"
	OpDense           OpType = "Dense"
	OpBatchNorm       OpType = "BatchNormalization"
	OpReLU            OpType = "ReLU"
	OpAdd             OpType = "Add"
)

// Weight attribute keys. Kernel and bias belong to conv/dense nodes; the
// remaining four belong to batch-normalization nodes.
const (
	AttrKernel         = "kernel"
	AttrBias           = "bias"
	AttrGamma          = "gamma"
	AttrBeta           = "beta"
	AttrMovingMean     = "moving_mean"
	AttrMovingVariance = "moving_variance"
)

// ConvParams carries the structural parameters of a convolution node.
type ConvParams struct {
	Stride []int
	Pad    []int
	// DepthMultiplier is the per-channel filter count of a depthwise
	// convolution. Zero means one.
	DepthMultiplier int
}

// BNParams carries the structural parameters of a batch-normalization node.
type BNParams struct {
	Epsilon float32
}

// Node represents one operator instance. Nodes are created during float-model
// import and mutated in place by the pipeline stages: quantization flags are
// set first, then the selected parameters are attached.
type Node struct {
	Name    string
	Op      OpType
	Weights map[string]*tensor.Dense
	Conv    *ConvParams
	BN      *BNParams

	// OutputShape is the inferred shape of the node's (single) output.
	OutputShape tensor.Shape

	QuantizeWeights     bool
	QuantizeActivations bool

	// WeightParams maps a weight attribute key to its selected parameters.
	// ActivationParams holds one entry per node output.
	WeightParams     map[string]*quantization.Params
	ActivationParams []*quantization.Params
}

// IsWeightsQuantizationEnabled reports whether the parameter search should
// quantize this node's kernel attributes.
func (n *Node) IsWeightsQuantizationEnabled() bool {
	return n.QuantizeWeights
}

// IsActivationQuantizationEnabled reports whether the node's outputs are
// quantized at inference time.
func (n *Node) IsActivationQuantizationEnabled() bool {
	return n.QuantizeActivations
}

// WeightByKey returns the named weight tensor, or nil.
func (n *Node) WeightByKey(key string) *tensor.Dense {
	return n.Weights[key]
}

// SetWeight replaces the named weight tensor.
func (n *Node) SetWeight(key string, t *tensor.Dense) {
	if n.Weights == nil {
		n.Weights = map[string]*tensor.Dense{}
	}
	n.Weights[key] = t
}

// clone returns a deep copy of the node with no shared mutable state.
func (n *Node) clone() *Node {
	c := &Node{
		Name:                n.Name,
		Op:                  n.Op,
		QuantizeWeights:     n.QuantizeWeights,
		QuantizeActivations: n.QuantizeActivations,
	}
	if n.OutputShape != nil {
		c.OutputShape = n.OutputShape.Clone()
	}
	if n.Conv != nil {
		conv := *n.Conv
		conv.Stride = append([]int(nil), n.Conv.Stride...)
		conv.Pad = append([]int(nil), n.Conv.Pad...)
		c.Conv = &conv
	}
	if n.BN != nil {
		bn := *n.BN
		c.BN = &bn
	}
	if n.Weights != nil {
		c.Weights = make(map[string]*tensor.Dense, len(n.Weights))
		for k, w := range n.Weights {
			c.Weights[k] = w.Clone().(*tensor.Dense)
		}
	}
	if n.WeightParams != nil {
		c.WeightParams = make(map[string]*quantization.Params, len(n.WeightParams))
		for k, p := range n.WeightParams {
			c.WeightParams[k] = cloneParams(p)
		}
	}
	if n.ActivationParams != nil {
		c.ActivationParams = make([]*quantization.Params, len(n.ActivationParams))
		for i, p := range n.ActivationParams {
			c.ActivationParams[i] = cloneParams(p)
		}
	}
	return c
}

func cloneParams(p *quantization.Params) *quantization.Params {
	if p == nil {
		return nil
	}
	c := *p
	c.Scales = append([]float32(nil), p.Scales...)
	return &c
}
