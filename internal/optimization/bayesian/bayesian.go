// Package bayesian implements a Bayesian optimization estimator: a Gaussian
// process surrogate of the render error, refined one batch of patches per
// generation by maximizing expected improvement.
package bayesian

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/optimization"
	"github.com/copyleftdev/synthmatch/internal/optimization/acquisition"
	"github.com/copyleftdev/synthmatch/internal/optimization/fitness"
	"github.com/copyleftdev/synthmatch/internal/optimization/kernels"
)

// Name identifies the estimator.
const Name = "bo"

// Surrogate settings.
const (
	DefaultXi          = 0.01
	DefaultNoiseVar    = 1e-6
	DefaultLengthScale = 0.3
	// maxAcquisitionEvals bounds each Nelder-Mead run on the surrogate.
	maxAcquisitionEvals = 300
)

// Defaults applied to unset Config fields. PopSize is the size of the
// initial Latin hypercube design; every later generation proposes one patch
// per evaluation worker.
var Defaults = optimization.Config{
	PopSize:     10,
	Generations: optimization.Int(30),
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Optimizer) {
		if logger != nil {
			o.logger = logger.Named(Name)
		}
	}
}

// WithObserver registers an observer called after every generation.
func WithObserver(obs optimization.Observer) Option {
	return func(o *Optimizer) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithKernel replaces the default Matérn 5/2 kernel.
func WithKernel(k kernels.Kernel) Option {
	return func(o *Optimizer) {
		if k != nil {
			o.kernel = k
		}
	}
}

// WithXi sets the exploration trade-off of expected improvement.
func WithXi(xi float64) Option {
	return func(o *Optimizer) { o.acquisition = acquisition.NewExpectedImprovement(xi) }
}

// Optimizer searches the free parameter space with a surrogate model. It
// needs a pool with exactly one objective.
type Optimizer struct {
	pool        *fitness.Pool
	config      optimization.Config
	logger      *zap.Logger
	observers   optimization.Observers
	kernel      kernels.Kernel
	acquisition acquisition.ExpectedImprovement

	rng *rand.Rand
}

// New creates an Optimizer. Unset config fields take Defaults.
func New(pool *fitness.Pool, config optimization.Config, opts ...Option) (*Optimizer, error) {
	if pool == nil {
		return nil, optimization.ConfigErrorf(Name, "evaluation pool is required")
	}
	config = config.WithDefaults(Defaults)
	if err := config.Validate(Name); err != nil {
		return nil, err
	}
	if pool.Objectives() != 1 {
		return nil, optimization.ConfigErrorf(Name, "surrogate search needs exactly one feature extractor, got %d", pool.Objectives())
	}
	if pool.NumGenes() == 0 {
		return nil, optimization.ConfigErrorf(Name, "synthesizer has no free parameters")
	}

	kernel, err := kernels.NewMatern52(DefaultLengthScale, 1.0)
	if err != nil {
		return nil, optimization.WrapError(err, "creating kernel").WithComponent(Name)
	}
	o := &Optimizer{
		pool:        pool,
		config:      config,
		logger:      zap.NewNop(),
		kernel:      kernel,
		acquisition: acquisition.NewExpectedImprovement(DefaultXi),
		rng:         optimization.NewRand(config.Seed),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Name implements optimization.Estimator.
func (o *Optimizer) Name() string { return Name }

// Config returns the effective configuration.
func (o *Optimizer) Config() optimization.Config { return o.config }

// Predict runs the search against target. Result.Population holds every
// evaluated patch in evaluation order.
func (o *Optimizer) Predict(target *audio.Buffer) (*optimization.Result, error) {
	start := time.Now()
	if err := o.pool.SetTarget(target); err != nil {
		return nil, err
	}
	o.rng = optimization.NewRand(o.config.Seed)

	design := o.latinHypercube(o.config.PopSize)
	evals, err := o.pool.EvaluateInvalid(design)
	if err != nil {
		return nil, err
	}
	history := append(optimization.Population(nil), design...)

	hof := optimization.NewHallOfFame(1)
	hof.Update(design)
	logbook := optimization.Logbook{o.record(0, evals, design, hof)}
	o.emit(logbook[0])
	total := evals

	gp := NewGP(o.kernel, DefaultNoiseVar, o.logger)
	for gen := 1; gen <= o.config.NumGenerations(); gen++ {
		batch, err := o.propose(gp, history, hof.Best(), o.pool.Workers())
		if err != nil {
			return nil, err
		}
		evals, err := o.pool.EvaluateInvalid(batch)
		if err != nil {
			return nil, err
		}
		history = append(history, batch...)
		hof.Update(batch)
		total += evals

		rec := o.record(gen, evals, batch, hof)
		logbook = append(logbook, rec)
		o.emit(rec)
	}

	best := hof.Best()
	o.logger.Info("search complete",
		zap.Int("generations", o.config.NumGenerations()),
		zap.Int("evaluations", total),
		zap.Float64s("best_fitness", best.Fitness.Values),
		zap.Duration("elapsed", time.Since(start)))

	return &optimization.Result{
		Best:        best.Clone(),
		Population:  history,
		Logbook:     logbook,
		HallOfFame:  hof,
		Evaluations: total,
	}, nil
}

// propose picks size unevaluated patches. After each pick the surrogate is
// refitted with the pick assumed to score the best observed error, which
// pushes the next pick elsewhere.
func (o *Optimizer) propose(gp *GP, history optimization.Population, best *optimization.Individual, size int) (optimization.Population, error) {
	x := make([][]float64, 0, len(history)+size)
	y := make([]float64, 0, len(history)+size)
	for _, ind := range history {
		x = append(x, ind.Genes)
		y = append(y, ind.Fitness.Values[0])
	}
	incumbent := best.Fitness.Values[0]

	batch := make(optimization.Population, 0, size)
	for len(batch) < size {
		if err := gp.Fit(x, y); err != nil {
			return nil, err
		}
		genes := o.maximizeAcquisition(gp, best.Genes, incumbent)
		batch = append(batch, &optimization.Individual{Genes: genes})
		x = append(x, genes)
		y = append(y, incumbent)
	}
	return batch, nil
}

// maximizeAcquisition runs Nelder-Mead on the negated expected improvement
// from the incumbent and from random starts. Candidates are clamped to the
// unit box. When no start finds any improvement a random patch is returned.
func (o *Optimizer) maximizeAcquisition(gp *GP, incumbent []float64, best float64) []float64 {
	dims := len(incumbent)
	clamp := func(x []float64) []float64 {
		out := make([]float64, len(x))
		for i, v := range x {
			out[i] = math.Max(0, math.Min(1, v))
		}
		return out
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			mu, sigma, err := gp.Predict(clamp(x))
			if err != nil {
				return math.Inf(1)
			}
			return -o.acquisition.Compute(mu, sigma, best)
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: maxAcquisitionEvals,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-9,
			Relative:   1e-9,
			Iterations: 50,
		},
	}

	starts := [][]float64{append([]float64(nil), incumbent...)}
	for i := 0; i < 4+int(2*math.Sqrt(float64(dims))); i++ {
		starts = append(starts, o.randomGenes(dims))
	}

	var bestX []float64
	bestVal := 0.0
	for _, s := range starts {
		res, err := optimize.Minimize(problem, s, settings, &optimize.NelderMead{SimplexSize: 0.2})
		if res == nil || (err != nil && math.IsInf(res.F, 0)) {
			continue
		}
		if res.F < bestVal {
			bestVal = res.F
			bestX = clamp(res.X)
		}
	}
	if bestX == nil {
		o.logger.Debug("acquisition is flat, sampling at random")
		return o.randomGenes(dims)
	}
	return bestX
}

// latinHypercube draws n patches with exactly one gene value in each of the
// n equal strata of every dimension.
func (o *Optimizer) latinHypercube(n int) optimization.Population {
	dims := o.pool.NumGenes()
	pop := make(optimization.Population, n)
	for i := range pop {
		pop[i] = &optimization.Individual{Genes: make([]float64, dims)}
	}
	strata := make([]int, n)
	for d := 0; d < dims; d++ {
		for i := range strata {
			strata[i] = i
		}
		o.rng.Shuffle(n, func(a, b int) { strata[a], strata[b] = strata[b], strata[a] })
		for i, ind := range pop {
			ind.Genes[d] = (float64(strata[i]) + o.rng.Float64()) / float64(n)
		}
	}
	return pop
}

func (o *Optimizer) randomGenes(dims int) []float64 {
	g := make([]float64, dims)
	for i := range g {
		g[i] = o.rng.Float64()
	}
	return g
}

func (o *Optimizer) record(gen, evals int, pop optimization.Population, hof *optimization.HallOfFame) optimization.Record {
	rec := optimization.Compile(gen, evals, pop)
	if best := hof.Best(); best != nil {
		rec.Best = append([]float64(nil), best.Fitness.Values...)
	}
	return rec
}

func (o *Optimizer) emit(rec optimization.Record) {
	o.logger.Debug("generation",
		zap.Int("gen", rec.Gen),
		zap.Int("evals", rec.Evals),
		zap.Float64s("min", rec.Min),
		zap.Float64s("best", rec.Best))
	o.observers.ObserveGeneration(Name, rec)
}
