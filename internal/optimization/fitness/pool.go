package fitness

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/optimization"
)

// Pool evaluates individuals across independent evaluators, one worker per
// evaluator. Each evaluator must own its synthesizer.
type Pool struct {
	evaluators []*Evaluator
}

// NewPool groups evaluators that share extractors and parameter layout.
func NewPool(evaluators ...*Evaluator) (*Pool, error) {
	if len(evaluators) == 0 {
		return nil, optimization.ConfigErrorf(component, "at least one evaluator is required")
	}
	first := evaluators[0]
	seen := make(map[optimization.Synthesizer]bool, len(evaluators))
	for i, ev := range evaluators {
		if ev == nil {
			return nil, optimization.ConfigErrorf(component, "evaluator %d is nil", i)
		}
		if ev.Objectives() != first.Objectives() {
			return nil, optimization.ConfigErrorf(component, "evaluator %d has %d objectives, want %d", i, ev.Objectives(), first.Objectives())
		}
		if ev.NumGenes() != first.NumGenes() {
			return nil, optimization.ConfigErrorf(component, "evaluator %d has %d free parameters, want %d", i, ev.NumGenes(), first.NumGenes())
		}
		if seen[ev.synth] {
			return nil, optimization.ConfigErrorf(component, "evaluator %d shares a synthesizer with another worker", i)
		}
		seen[ev.synth] = true
	}
	return &Pool{evaluators: append([]*Evaluator(nil), evaluators...)}, nil
}

// Workers is the number of parallel evaluators.
func (p *Pool) Workers() int { return len(p.evaluators) }

// Objectives is the fitness vector length.
func (p *Pool) Objectives() int { return p.evaluators[0].Objectives() }

// NumGenes is the number of free synthesizer parameters.
func (p *Pool) NumGenes() int { return p.evaluators[0].NumGenes() }

// Evaluator returns the first evaluator, whose synthesizer callers use to
// render the final patch.
func (p *Pool) Evaluator() *Evaluator { return p.evaluators[0] }

// SetTarget extracts the target features once and shares them with every
// worker.
func (p *Pool) SetTarget(buf *audio.Buffer) error {
	if err := p.evaluators[0].SetTarget(buf); err != nil {
		return err
	}
	target := p.evaluators[0].Target()
	for _, ev := range p.evaluators[1:] {
		if err := ev.SetTargetFeatures(target); err != nil {
			return err
		}
	}
	return nil
}

// EvaluateInvalid evaluates every individual of pop lacking a valid fitness
// and returns how many were evaluated. Fitness is written back only after
// all workers finish. The first error aborts the batch and no fitness is
// written.
func (p *Pool) EvaluateInvalid(pop optimization.Population) (int, error) {
	invalid := pop.Invalid()
	if len(invalid) == 0 {
		return 0, nil
	}
	results := make([][]float64, len(invalid))

	if len(p.evaluators) == 1 {
		ev := p.evaluators[0]
		for i, ind := range invalid {
			v, err := ev.Evaluate(ind.Genes)
			if err != nil {
				return 0, err
			}
			results[i] = v
		}
	} else {
		g, ctx := errgroup.WithContext(context.Background())
		n := len(p.evaluators)
		for w, ev := range p.evaluators {
			w, ev := w, ev
			g.Go(func() error {
				for i := w; i < len(invalid); i += n {
					if ctx.Err() != nil {
						return nil
					}
					v, err := ev.Evaluate(invalid[i].Genes)
					if err != nil {
						return err
					}
					results[i] = v
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, err
		}
	}

	for i, ind := range invalid {
		ind.SetFitness(results[i])
	}
	return len(invalid), nil
}
