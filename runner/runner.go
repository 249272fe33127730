// Package runner - Pipeline orchestration: builds the IR from layer
// specifications and drives it through statistics collection, parameter
// search, optional corrections and optional gradient refinement, producing
// the final quantized graph and a bit-width report.
package runner

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-quant/backend"
	"github.com/nvr-ai/go-quant/correction"
	"github.com/nvr-ai/go-quant/dataset"
	"github.com/nvr-ai/go-quant/gptq"
	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/logger"
	"github.com/nvr-ai/go-quant/quantization"
	"github.com/nvr-ai/go-quant/search"
	"github.com/nvr-ai/go-quant/stats"
	"github.com/nvr-ai/go-quant/tpc"
)

// CoreRunner sequences the quantization pipeline. Destructive stages work on
// deep copies; when one fails, the graph from before that stage is what the
// caller gets back with the error.
type CoreRunner struct {
	cfg     *quantization.Config
	caps    *tpc.Capabilities
	backend backend.Runner
	gptqCfg *gptq.Config
	debug   *DebugConfig
	log     logger.Logger
	profile *Profile
}

// New creates a CoreRunner. Nil arguments select defaults: DefaultConfig, the
// default platform capabilities, the gorgonia backend and a discard logger.
func New(cfg *quantization.Config, caps *tpc.Capabilities, r backend.Runner, log logger.Logger) *CoreRunner {
	if cfg == nil {
		cfg = quantization.DefaultConfig()
	}
	if caps == nil {
		caps = tpc.Default()
	}
	if log == nil {
		log = logger.Discard()
	}
	if r == nil {
		r = backend.NewGorgonia(log)
	}
	return &CoreRunner{
		cfg:     cfg,
		caps:    caps,
		backend: r,
		log:     log,
		profile: NewProfile(),
	}
}

// WithGPTQ enables the gradient refinement stage.
func (r *CoreRunner) WithGPTQ(cfg *gptq.Config) *CoreRunner {
	r.gptqCfg = cfg
	return r
}

// WithDebug attaches the introspection hooks.
func (r *CoreRunner) WithDebug(d *DebugConfig) *CoreRunner {
	r.debug = d
	return r
}

// Profile returns the stage timing profile of the last run.
func (r *CoreRunner) Profile() *Profile { return r.profile }

// Run quantizes a model end to end.
//
// Arguments:
//   - specs: The float model as ordered layer specifications.
//   - gen: The representative dataset feeding calibration and refinement.
//
// Returns:
//   - *graph.Graph: The quantized graph.
//   - *BitWidthReport: Selected bit widths per node.
//   - error: The first stage failure; the returned graph is the last good one.
func (r *CoreRunner) Run(specs []graph.LayerSpec, gen dataset.Generator) (*graph.Graph, *BitWidthReport, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, nil, err
	}

	stop := r.profile.Start("build")
	g, err := graph.Build(specs)
	stop()
	if err != nil {
		return nil, nil, errors.Wrap(err, "building model graph")
	}

	stop = r.profile.Start("collect")
	store, err := stats.NewCollector(r.backend, r.log).Collect(g, gen, r.cfg.CalibrationIters)
	stop()
	if err != nil {
		return g, nil, err
	}

	stop = r.profile.Start("search")
	err = search.New(r.caps, r.cfg, r.log).Run(g, store)
	stop()
	if err != nil {
		return g, nil, err
	}
	if r.debug != nil {
		applyEditRules(g, r.debug.EditRules, r.log)
	}

	if r.cfg.WeightsSecondMomentCorrection {
		stop = r.profile.Start("second_moment")
		g, err = correction.NewSecondMoment(r.backend, r.cfg, r.log).Apply(g, gen)
		stop()
		if err != nil {
			return g, nil, err
		}
	}

	if r.gptqCfg != nil {
		engine, err := gptq.NewEngine(r.gptqCfg, r.log)
		if err != nil {
			return g, nil, err
		}
		stop = r.profile.Start("gptq")
		g, err = engine.Train(g, gen)
		stop()
		if err != nil {
			return g, nil, err
		}
	}

	if r.debug != nil && r.debug.AnalyzeSimilarity {
		stop = r.profile.Start("similarity")
		err = analyzeSimilarity(r.backend, g, gen, r.log)
		stop()
		if err != nil {
			r.log.Warn("similarity analysis failed", "error", err.Error())
		}
	}

	r.profile.Log(r.log)
	return g, Report(g), nil
}

// BitWidthEntry is one node's selected precision.
type BitWidthEntry struct {
	Node           string
	Op             graph.OpType
	WeightsBits    int
	ActivationBits int
}

// BitWidthReport summarizes the precision the search settled on.
type BitWidthReport struct {
	Entries []BitWidthEntry
}

// Report extracts the bit-width report from a quantized graph, in topological
// order. Zero bits mean the respective quantization is disabled for the node.
func Report(g *graph.Graph) *BitWidthReport {
	order, err := g.TopoSort()
	if err != nil {
		order = g.Nodes()
	}
	rep := &BitWidthReport{}
	for _, n := range order {
		e := BitWidthEntry{Node: n.Name, Op: n.Op}
		if p := n.WeightParams[graph.AttrKernel]; n.IsWeightsQuantizationEnabled() && p != nil {
			e.WeightsBits = p.NBits
		}
		if n.IsActivationQuantizationEnabled() && len(n.ActivationParams) > 0 && n.ActivationParams[0] != nil {
			e.ActivationBits = n.ActivationParams[0].NBits
		}
		rep.Entries = append(rep.Entries, e)
	}
	return rep
}

// String renders the report as an aligned table.
func (r *BitWidthReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-20s %8s %12s\n", "NODE", "OP", "WEIGHTS", "ACTIVATIONS")
	for _, e := range r.Entries {
		w, a := "-", "-"
		if e.WeightsBits > 0 {
			w = fmt.Sprintf("%d", e.WeightsBits)
		}
		if e.ActivationBits > 0 {
			a = fmt.Sprintf("%d", e.ActivationBits)
		}
		fmt.Fprintf(&b, "%-24s %-20s %8s %12s\n", e.Node, e.Op, w, a)
	}
	return b.String()
}
