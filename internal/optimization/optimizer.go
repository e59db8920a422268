// Package optimization holds the types shared by the evolutionary search
// engines: the synthesizer contract they drive, individuals and their
// fitness, per-generation statistics and the search result.
package optimization

import (
	"math/rand"
	"time"

	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/patch"
)

// Synthesizer is the black-box renderer a search drives. Implementations are
// not required to be reentrant; concurrent evaluation uses one Synthesizer
// per worker.
type Synthesizer interface {
	// SetPatch applies a raw vector, either free-length or full-length.
	SetPatch(values []float64) error
	// Render renders the current patch.
	Render() error
	// Audio returns the most recent render.
	Audio() (*audio.Buffer, error)
	// Patch returns the current patch, optionally without overridden entries.
	Patch(skipOverridden bool) patch.Patch
}

// Estimator predicts the genes that best reproduce a target sound.
type Estimator interface {
	// Name identifies the estimator in logs, metrics and stored results.
	Name() string
	// Predict runs a complete search against target.
	Predict(target *audio.Buffer) (*Result, error)
}

// Config contains the search parameters common to all estimators.
// Zero PopSize and Workers and nil pointers select the estimator's defaults;
// an explicit zero generation count or probability is kept.
type Config struct {
	// Random seed for reproducibility. Zero seeds from the clock.
	Seed int64 `json:"seed"`

	// Number of individuals per generation.
	PopSize int `json:"pop_size"`

	// Number of generations after the initial population.
	Generations *int `json:"ngen,omitempty"`

	// Probability that a pair of parents is recombined.
	CrossoverProb *float64 `json:"cxpb,omitempty"`

	// Probability that an offspring is mutated.
	MutationProb *float64 `json:"mutpb,omitempty"`

	// Number of parallel evaluators. Used by callers building the
	// evaluation pool.
	Workers int `json:"workers"`
}

// Int returns a pointer to n, for Config.Generations.
func Int(n int) *int { return &n }

// Float returns a pointer to v, for the Config probabilities.
func Float(v float64) *float64 { return &v }

// WithDefaults returns c with unset fields replaced by the given defaults.
func (c Config) WithDefaults(d Config) Config {
	if c.PopSize == 0 {
		c.PopSize = d.PopSize
	}
	if c.Generations == nil {
		c.Generations = d.Generations
	}
	if c.CrossoverProb == nil {
		c.CrossoverProb = d.CrossoverProb
	}
	if c.MutationProb == nil {
		c.MutationProb = d.MutationProb
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	return c
}

// NumGenerations returns the generation count, zero when unset.
func (c Config) NumGenerations() int {
	if c.Generations == nil {
		return 0
	}
	return *c.Generations
}

// Probabilities returns the crossover and mutation probabilities, zero when
// unset.
func (c Config) Probabilities() (cxpb, mutpb float64) {
	if c.CrossoverProb != nil {
		cxpb = *c.CrossoverProb
	}
	if c.MutationProb != nil {
		mutpb = *c.MutationProb
	}
	return cxpb, mutpb
}

// Validate checks ranges. component names the estimator in the error.
func (c Config) Validate(component string) error {
	switch {
	case c.PopSize < 1:
		return ConfigErrorf(component, "population size must be positive, got %d", c.PopSize)
	case c.NumGenerations() < 0:
		return ConfigErrorf(component, "generations must not be negative, got %d", c.NumGenerations())
	case c.CrossoverProb != nil && (*c.CrossoverProb < 0 || *c.CrossoverProb > 1):
		return ConfigErrorf(component, "crossover probability must be in [0, 1], got %g", *c.CrossoverProb)
	case c.MutationProb != nil && (*c.MutationProb < 0 || *c.MutationProb > 1):
		return ConfigErrorf(component, "mutation probability must be in [0, 1], got %g", *c.MutationProb)
	case c.Workers < 1:
		return ConfigErrorf(component, "workers must be positive, got %d", c.Workers)
	}
	return nil
}

// NewRand returns a generator seeded with seed, or with the clock when seed
// is zero.
func NewRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// Fitness is a vector of minimized objective values.
type Fitness struct {
	Values []float64 `json:"values"`
	Valid  bool      `json:"valid"`
}

// Less reports whether f is lexicographically smaller than o.
func (f Fitness) Less(o Fitness) bool {
	for i := 0; i < len(f.Values) && i < len(o.Values); i++ {
		if f.Values[i] != o.Values[i] {
			return f.Values[i] < o.Values[i]
		}
	}
	return len(f.Values) < len(o.Values)
}

// Individual is a candidate solution: one gene per free parameter.
type Individual struct {
	Genes   []float64 `json:"genes"`
	Fitness Fitness   `json:"fitness"`
}

// Clone returns a deep copy.
func (ind *Individual) Clone() *Individual {
	return &Individual{
		Genes: append([]float64(nil), ind.Genes...),
		Fitness: Fitness{
			Values: append([]float64(nil), ind.Fitness.Values...),
			Valid:  ind.Fitness.Valid,
		},
	}
}

// Invalidate drops the cached fitness after the genes changed.
func (ind *Individual) Invalidate() {
	ind.Fitness = Fitness{}
}

// SetFitness stores evaluated objective values.
func (ind *Individual) SetFitness(values []float64) {
	ind.Fitness = Fitness{Values: values, Valid: true}
}

// Population is an ordered set of individuals. The same individual may
// appear more than once after selection.
type Population []*Individual

// RandomPopulation draws size individuals with genes uniform in [0, 1).
func RandomPopulation(rng *rand.Rand, size, genes int) Population {
	pop := make(Population, size)
	for i := range pop {
		g := make([]float64, genes)
		for j := range g {
			g[j] = rng.Float64()
		}
		pop[i] = &Individual{Genes: g}
	}
	return pop
}

// Clone deep-copies every individual.
func (p Population) Clone() Population {
	out := make(Population, len(p))
	for i, ind := range p {
		out[i] = ind.Clone()
	}
	return out
}

// Invalid returns the individuals lacking a valid fitness.
func (p Population) Invalid() Population {
	var out Population
	for _, ind := range p {
		if !ind.Fitness.Valid {
			out = append(out, ind)
		}
	}
	return out
}

// Best returns the individual with the lexicographically smallest fitness.
// Ties keep the earliest. It returns nil for an empty population.
func (p Population) Best() *Individual {
	var best *Individual
	for _, ind := range p {
		if best == nil || ind.Fitness.Less(best.Fitness) {
			best = ind
		}
	}
	return best
}

// Result is the outcome of one Predict call.
type Result struct {
	// Best is the individual the estimator returns.
	Best *Individual `json:"best"`
	// Population is the final generation.
	Population Population `json:"-"`
	// Logbook holds one record per generation, starting at generation 0.
	Logbook Logbook `json:"logbook"`
	// HallOfFame is set by single-objective estimators.
	HallOfFame *HallOfFame `json:"-"`
	// Evaluations counts every fitness evaluation performed.
	Evaluations int `json:"evaluations"`
}

// Observer receives a record after every generation.
type Observer interface {
	ObserveGeneration(estimator string, rec Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(estimator string, rec Record)

// ObserveGeneration implements Observer.
func (f ObserverFunc) ObserveGeneration(estimator string, rec Record) { f(estimator, rec) }

// Observers fans a record out to several observers.
type Observers []Observer

// ObserveGeneration implements Observer.
func (o Observers) ObserveGeneration(estimator string, rec Record) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveGeneration(estimator, rec)
		}
	}
}
