package stats

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-quant/backend"
	"github.com/nvr-ai/go-quant/dataset"
	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/logger"
)

// Store maps a node name to per-output statistics. Collection attaches one
// TensorStats per node output; built graphs have a single output per node.
type Store map[string][]*TensorStats

// Get returns the statistics of a node's first output, or nil.
func (s Store) Get(name string) *TensorStats {
	outs := s[name]
	if len(outs) == 0 {
		return nil
	}
	return outs[0]
}

// Collector runs representative batches through the float graph and
// accumulates per-tensor statistics. It never mutates graph structure and is
// deterministic given a deterministic generator.
type Collector struct {
	runner backend.Runner
	log    logger.Logger
}

// NewCollector creates a Collector over the given runner.
func NewCollector(runner backend.Runner, log logger.Logger) *Collector {
	if log == nil {
		log = logger.Discard()
	}
	return &Collector{runner: runner, log: log}
}

// Collect consumes iters batches from gen and returns the accumulated store.
//
// Arguments:
//   - g: The float graph to run.
//   - gen: The representative dataset; it is reset before collection.
//   - iters: Number of batches to consume.
//
// Returns:
//   - Store: Per-node-output statistics.
//   - error: dataset.ErrExhausted if gen yields fewer than iters batches.
func (c *Collector) Collect(g *graph.Graph, gen dataset.Generator, iters int) (Store, error) {
	if err := gen.Reset(); err != nil {
		return nil, errors.Wrap(err, "resetting representative dataset")
	}
	store := Store{}
	for i := 0; i < iters; i++ {
		batch, err := gen.Next()
		if err != nil {
			if errors.Is(err, dataset.ErrExhausted) {
				return nil, errors.Wrapf(dataset.ErrExhausted,
					"statistics collection needs %d batches, got %d", iters, i)
			}
			return nil, errors.Wrapf(err, "statistics batch %d", i)
		}
		outs, err := c.runner.Forward(g, batch, backend.Options{})
		if err != nil {
			return nil, errors.Wrapf(err, "statistics forward pass %d", i)
		}
		for _, n := range g.Nodes() {
			out, ok := outs[n.Name]
			if !ok {
				continue
			}
			if store[n.Name] == nil {
				store[n.Name] = []*TensorStats{NewTensorStats()}
			}
			store[n.Name][0].Update(out.Data().([]float32))
		}
	}
	c.log.Debug("statistics collected", "nodes", len(store), "batches", iters)
	return store, nil
}
