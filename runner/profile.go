package runner

import (
	"sync"
	"time"

	"github.com/nvr-ai/go-quant/logger"
)

// Profile tracks per-stage wall time across a pipeline run. It is thread-safe
// so stages may overlap in future parallel pipelines.
type Profile struct {
	mu     sync.Mutex
	stages map[string]*stageTimer
	order  []string
}

// stageTimer accumulates timing statistics for one stage name.
type stageTimer struct {
	total time.Duration
	min   time.Duration
	max   time.Duration
	count int64
}

// StageTiming is one row of the profile snapshot.
type StageTiming struct {
	Stage string
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	Count int64
}

// NewProfile creates an empty profile.
func NewProfile() *Profile {
	return &Profile{stages: map[string]*stageTimer{}}
}

// Start begins timing a stage.
//
// Arguments:
//   - stage: The stage name to track.
//
// Returns:
//   - A function to call when the stage completes.
func (p *Profile) Start(stage string) func() {
	start := time.Now()
	return func() {
		p.record(stage, time.Since(start))
	}
}

// record folds one completed stage duration into the tracker.
func (p *Profile) record(stage string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, exists := p.stages[stage]
	if !exists {
		t = &stageTimer{min: d, max: d}
		p.stages[stage] = t
		p.order = append(p.order, stage)
	}
	t.total += d
	t.count++
	if d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
}

// Stages returns the per-stage timings in first-start order.
func (p *Profile) Stages() []StageTiming {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]StageTiming, 0, len(p.order))
	for _, name := range p.order {
		t := p.stages[name]
		out = append(out, StageTiming{
			Stage: name,
			Total: t.total,
			Min:   t.min,
			Max:   t.max,
			Count: t.count,
		})
	}
	return out
}

// Log emits the profile through the pipeline logger.
func (p *Profile) Log(log logger.Logger) {
	for _, s := range p.Stages() {
		log.Info("stage timing",
			"stage", s.Stage,
			"total", s.Total.Truncate(time.Microsecond).String(),
			"count", s.Count)
	}
}
