// Package nsga3 implements a reference-point based many-objective
// evolutionary estimator. Each feature extractor of the evaluation pool is
// one minimized objective.
package nsga3

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/optimization"
	"github.com/copyleftdev/synthmatch/internal/optimization/fitness"
	"github.com/copyleftdev/synthmatch/internal/optimization/operators"
)

// Name identifies the estimator.
const Name = "nsga3"

// Distribution indices of the variation operators.
const (
	CrossoverEta = 30.0
	MutationEta  = 20.0
)

// Defaults applied to unset Config fields.
var Defaults = optimization.Config{
	PopSize:       100,
	Generations:   optimization.Int(25),
	CrossoverProb: optimization.Float(0.5),
	MutationProb:  optimization.Float(0.5),
}

// Option configures an NSGA3.
type Option func(*NSGA3)

// WithLogger sets the logger. Generations are logged at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(n *NSGA3) {
		if logger != nil {
			n.logger = logger.Named(Name)
		}
	}
}

// WithObserver registers an observer called after every generation.
func WithObserver(obs optimization.Observer) Option {
	return func(n *NSGA3) {
		if obs != nil {
			n.observers = append(n.observers, obs)
		}
	}
}

// NSGA3 is the multi-objective estimator.
type NSGA3 struct {
	pool      *fitness.Pool
	config    optimization.Config
	logger    *zap.Logger
	observers optimization.Observers

	rng      *rand.Rand
	selector *Selector

	mate   operators.Mate
	mutate operators.Mutate
}

// New creates an NSGA3. Unset config fields take Defaults.
func New(pool *fitness.Pool, config optimization.Config, opts ...Option) (*NSGA3, error) {
	if pool == nil {
		return nil, optimization.ConfigErrorf(Name, "evaluation pool is required")
	}
	config = config.WithDefaults(Defaults)
	if err := config.Validate(Name); err != nil {
		return nil, err
	}
	genes := pool.NumGenes()
	if genes == 0 {
		return nil, optimization.ConfigErrorf(Name, "synthesizer has no free parameters")
	}
	if grid := numReferencePoints(pool.Objectives(), Divisions); grid > MaxReferencePoints {
		return nil, optimization.ConfigErrorf(Name, "%d objectives need %d reference points, more than %d",
			pool.Objectives(), grid, MaxReferencePoints)
	}

	n := &NSGA3{
		pool:     pool,
		config:   config,
		logger:   zap.NewNop(),
		rng:      optimization.NewRand(config.Seed),
		selector: NewSelector(UniformReferencePoints(pool.Objectives(), Divisions)),
		mate:     operators.CxSimulatedBinaryBounded(CrossoverEta, 0, 1),
		mutate:   operators.MutPolynomialBounded(MutationEta, 0, 1, 1/float64(genes)),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Name implements optimization.Estimator.
func (n *NSGA3) Name() string { return Name }

// Config returns the effective configuration.
func (n *NSGA3) Config() optimization.Config { return n.config }

// Objectives is the number of minimized objectives.
func (n *NSGA3) Objectives() int { return n.pool.Objectives() }

// ReferencePoints returns the reference directions used for niching.
func (n *NSGA3) ReferencePoints() [][]float64 { return n.selector.ReferencePoints() }

// Predict runs the search against target. The returned best individual is a
// representative of the final Pareto front: the member with the
// lexicographically smallest fitness. Callers wanting another trade-off
// should pick from Result.Population.
func (n *NSGA3) Predict(target *audio.Buffer) (*optimization.Result, error) {
	start := time.Now()
	if err := n.pool.SetTarget(target); err != nil {
		return nil, err
	}
	n.rng = optimization.NewRand(n.config.Seed)
	n.selector.Reset()

	pop := optimization.RandomPopulation(n.rng, n.config.PopSize, n.pool.NumGenes())
	evals, err := n.pool.EvaluateInvalid(pop)
	if err != nil {
		return nil, err
	}
	logbook := optimization.Logbook{optimization.Compile(0, evals, pop)}
	n.emit(logbook[0])
	total := evals

	for gen := 1; gen <= n.config.NumGenerations(); gen++ {
		next, rec, err := n.Generation(pop)
		if err != nil {
			return nil, err
		}
		rec.Gen = gen
		pop = next
		total += rec.Evals
		logbook = append(logbook, rec)
		n.emit(rec)
	}

	front := SortNondominated(pop, 1)[0]
	best := front.Best()
	n.logger.Info("search complete",
		zap.Int("generations", n.config.NumGenerations()),
		zap.Int("evaluations", total),
		zap.Int("front_size", len(front)),
		zap.Float64s("best_fitness", best.Fitness.Values),
		zap.Duration("elapsed", time.Since(start)))

	return &optimization.Result{
		Best:        best.Clone(),
		Population:  pop,
		Logbook:     logbook,
		Evaluations: total,
	}, nil
}

// Generation runs one generational step on an evaluated population and
// returns the survivors with their statistics. The record has Gen unset.
func (n *NSGA3) Generation(pop optimization.Population) (optimization.Population, optimization.Record, error) {
	cxpb, mutpb := n.config.Probabilities()
	offspring := operators.VarAnd(n.rng, pop, cxpb, mutpb, n.mate, n.mutate)
	evals, err := n.pool.EvaluateInvalid(offspring)
	if err != nil {
		return nil, optimization.Record{}, err
	}

	candidates := make(optimization.Population, 0, len(pop)+len(offspring))
	candidates = append(candidates, pop...)
	candidates = append(candidates, offspring...)
	next := n.selector.Select(n.rng, candidates, n.config.PopSize)
	return next, optimization.Compile(0, evals, next), nil
}

// Seed reseeds the generator used by Generation and clears the selector
// memory. Predict does both on its own.
func (n *NSGA3) Seed(seed int64) {
	n.rng = optimization.NewRand(seed)
	n.selector.Reset()
}

func (n *NSGA3) emit(rec optimization.Record) {
	n.logger.Debug("generation",
		zap.Int("gen", rec.Gen),
		zap.Int("evals", rec.Evals),
		zap.Float64s("min", rec.Min),
		zap.Float64s("avg", rec.Avg))
	n.observers.ObserveGeneration(Name, rec)
}
