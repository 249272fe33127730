// Package tpc - Target platform capabilities: a declarative, read-only
// registry of which operator types are quantizable on a deployment target,
// with what methods and candidate bit widths.
package tpc

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/quantization"
)

// OpQuantConfig declares the quantization capabilities of one operator type.
type OpQuantConfig struct {
	// Methods allowed for this op's weights; empty means any.
	WeightsMethods []quantization.Method
	// Candidate bit widths the parameter search may choose between.
	WeightsNBitsCandidates    []int
	ActivationNBitsCandidates []int
	// KernelAttributes names the weight attributes treated as kernels.
	KernelAttributes []string

	EnableWeightsQuantization     bool
	EnableActivationsQuantization bool
}

// Capabilities is an immutable registry mapping op type to quantization
// capabilities. It is loaded once per run and shared read-only by all stages.
type Capabilities struct {
	Name    string
	Version string
	ops     map[graph.OpType]OpQuantConfig
	frozen  bool
}

// New creates an empty, unfrozen registry.
func New(name, version string) *Capabilities {
	return &Capabilities{Name: name, Version: version, ops: map[graph.OpType]OpQuantConfig{}}
}

// Register declares capabilities for an op type. Fails once frozen.
func (c *Capabilities) Register(op graph.OpType, cfg OpQuantConfig) error {
	if c.frozen {
		return errors.Errorf("tpc %s/%s is frozen", c.Name, c.Version)
	}
	sort.Ints(cfg.WeightsNBitsCandidates)
	sort.Ints(cfg.ActivationNBitsCandidates)
	c.ops[op] = cfg
	return nil
}

// Freeze makes the registry immutable.
func (c *Capabilities) Freeze() *Capabilities {
	c.frozen = true
	return c
}

// Lookup returns the capabilities for an op type.
func (c *Capabilities) Lookup(op graph.OpType) (OpQuantConfig, bool) {
	cfg, ok := c.ops[op]
	return cfg, ok
}

// AllowsMethod reports whether the op permits the given weights method.
func (cfg OpQuantConfig) AllowsMethod(m quantization.Method) bool {
	if len(cfg.WeightsMethods) == 0 {
		return true
	}
	for _, allowed := range cfg.WeightsMethods {
		if allowed == m {
			return true
		}
	}
	return false
}

// Default returns the default target platform: conv and dense kernels plus
// all activations quantizable at 8 bits with 2/4/8-bit weight candidates.
func Default() *Capabilities {
	c := New("default", "v1")
	kernelOps := []graph.OpType{graph.OpConv2D, graph.OpDepthwiseConv2D, graph.OpDense}
	for _, op := range kernelOps {
		c.Register(op, OpQuantConfig{
			WeightsNBitsCandidates:        []int{2, 4, 8},
			ActivationNBitsCandidates:     []int{8},
			KernelAttributes:              []string{graph.AttrKernel},
			EnableWeightsQuantization:     true,
			EnableActivationsQuantization: true,
		})
	}
	passthrough := []graph.OpType{graph.OpReLU, graph.OpAdd, graph.OpInput}
	for _, op := range passthrough {
		c.Register(op, OpQuantConfig{
			ActivationNBitsCandidates:     []int{8},
			EnableActivationsQuantization: true,
		})
	}
	// Batch norm folds at export; its statistics attributes are never
	// quantized directly.
	c.Register(graph.OpBatchNorm, OpQuantConfig{
		ActivationNBitsCandidates:     []int{8},
		EnableActivationsQuantization: true,
	})
	return c.Freeze()
}

var registry = map[string]func() *Capabilities{
	"default": Default,
}

// Get looks up a named target platform. Version selects a model revision;
// only "v1" exists for the built-in platforms.
func Get(name, version string) (*Capabilities, error) {
	build, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown target platform %q", name)
	}
	c := build()
	if version != "" && version != c.Version {
		return nil, errors.Errorf("target platform %q has no version %q", name, version)
	}
	return c, nil
}
