// Package ga implements a single-objective genetic algorithm estimator.
package ga

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
const Name = "ga"

// Operator settings.
const (
	FlipProb       = 0.05
	TournamentSize = 3
)

// Defaults applied to unset Config fields.
var Defaults = optimization.Config{
	PopSize:       100,
	Generations:   optimization.Int(25),
	CrossoverProb: optimization.Float(0.5),
	MutationProb:  optimization.Float(0.3),
}

// Option configures a GA.
type Option func(*GA)

// WithLogger sets the logger. Generations are logged at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(g *GA) {
		if logger != nil {
			g.logger = logger.Named(Name)
		}
	}
}

// WithObserver registers an observer called after every generation.
func WithObserver(obs optimization.Observer) Option {
	return func(g *GA) {
		if obs != nil {
			g.observers = append(g.observers, obs)
		}
	}
}

// GA searches the free parameter space for the genes whose render has the
// lowest error against the target. It needs a pool with exactly one
// objective.
type GA struct {
	pool      *fitness.Pool
	config    optimization.Config
	logger    *zap.Logger
	observers optimization.Observers

	// rng is reseeded at the start of every Predict.
	rng *rand.Rand

	mate   operators.Mate
	mutate operators.Mutate
}

// New creates a GA. Unset config fields take Defaults.
func New(pool *fitness.Pool, config optimization.Config, opts ...Option) (*GA, error) {
	if pool == nil {
		return nil, optimization.ConfigErrorf(Name, "evaluation pool is required")
	}
	config = config.WithDefaults(Defaults)
	if err := config.Validate(Name); err != nil {
		return nil, err
	}
	if pool.Objectives() != 1 {
		return nil, optimization.ConfigErrorf(Name, "single-objective search needs exactly one feature extractor, got %d", pool.Objectives())
	}
	if pool.NumGenes() == 0 {
		return nil, optimization.ConfigErrorf(Name, "synthesizer has no free parameters")
	}

	g := &GA{
		pool:   pool,
		config: config,
		logger: zap.NewNop(),
		rng:    optimization.NewRand(config.Seed),
		mate:   operators.CxTwoPoint,
		mutate: operators.MutFlipBit(FlipProb),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Name implements optimization.Estimator.
func (g *GA) Name() string { return Name }

// Config returns the effective configuration.
func (g *GA) Config() optimization.Config { return g.config }

// Predict runs the search against target and returns the best individual
// ever seen, not the best of the last generation.
func (g *GA) Predict(target *audio.Buffer) (*optimization.Result, error) {
	start := time.Now()
	if err := g.pool.SetTarget(target); err != nil {
		return nil, err
	}
	g.rng = optimization.NewRand(g.config.Seed)

	pop := optimization.RandomPopulation(g.rng, g.config.PopSize, g.pool.NumGenes())
	evals, err := g.pool.EvaluateInvalid(pop)
	if err != nil {
		return nil, err
	}

	hof := optimization.NewHallOfFame(1)
	hof.Update(pop)
	logbook := optimization.Logbook{g.record(0, evals, pop, hof)}
	g.emit(logbook[0])
	total := evals

	for gen := 1; gen <= g.config.NumGenerations(); gen++ {
		next, rec, err := g.Generation(pop, hof)
		if err != nil {
			return nil, err
		}
		rec.Gen = gen
		pop = next
		total += rec.Evals
		logbook = append(logbook, rec)
		g.emit(rec)
	}

	best := hof.Best()
	g.logger.Info("search complete",
		zap.Int("generations", g.config.NumGenerations()),
		zap.Int("evaluations", total),
		zap.Float64s("best_fitness", best.Fitness.Values),
		zap.Duration("elapsed", time.Since(start)))

	return &optimization.Result{
		Best:        best.Clone(),
		Population:  pop,
		Logbook:     logbook,
		HallOfFame:  hof,
		Evaluations: total,
	}, nil
}

// Generation runs one generational step on an evaluated population: variation
// of cloned parents, evaluation of changed offspring, then tournament
// selection from parents and offspring together. hof is offered every
// offspring. The returned record has Gen unset.
func (g *GA) Generation(pop optimization.Population, hof *optimization.HallOfFame) (optimization.Population, optimization.Record, error) {
	cxpb, mutpb := g.config.Probabilities()
	offspring := operators.VarAnd(g.rng, pop, cxpb, mutpb, g.mate, g.mutate)
	evals, err := g.pool.EvaluateInvalid(offspring)
	if err != nil {
		return nil, optimization.Record{}, err
	}

	hof.Update(offspring)

	candidates := make(optimization.Population, 0, len(pop)+len(offspring))
	candidates = append(candidates, pop...)
	candidates = append(candidates, offspring...)
	next := operators.SelTournament(g.rng, candidates, g.config.PopSize, TournamentSize)

	return next, g.record(0, evals, next, hof), nil
}

// Seed reseeds the generator used by Generation. Predict reseeds from the
// configured seed on its own.
func (g *GA) Seed(seed int64) {
	g.rng = optimization.NewRand(seed)
}

func (g *GA) record(gen, evals int, pop optimization.Population, hof *optimization.HallOfFame) optimization.Record {
	rec := optimization.Compile(gen, evals, pop)
	if best := hof.Best(); best != nil {
		rec.Best = append([]float64(nil), best.Fitness.Values...)
	}
	return rec
}

func (g *GA) emit(rec optimization.Record) {
	g.logger.Debug("generation",
		zap.Int("gen", rec.Gen),
		zap.Int("evals", rec.Evals),
		zap.Float64s("min", rec.Min),
		zap.Float64s("avg", rec.Avg),
		zap.Float64s("best", rec.Best))
	g.observers.ObserveGeneration(Name, rec)
}
