// Package match finds the synthesizer patch that best reproduces a target
// sound. A Matcher runs an estimator against the target, loads the winning
// genes into the synthesizer and renders them.
package match

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/features"
	"github.com/copyleftdev/synthmatch/internal/optimization"
	"github.com/copyleftdev/synthmatch/internal/optimization/bayesian"
	"github.com/copyleftdev/synthmatch/internal/optimization/fitness"
	"github.com/copyleftdev/synthmatch/internal/optimization/ga"
	"github.com/copyleftdev/synthmatch/internal/optimization/nsga3"
	"github.com/copyleftdev/synthmatch/internal/patch"
	"github.com/copyleftdev/synthmatch/internal/synth"
)

const component = "match"

// Estimators lists the search engines Build understands.
var Estimators = []string{ga.Name, nsga3.Name, bayesian.Name}

// Match is the outcome of matching one target.
type Match struct {
	Estimator string               `json:"estimator"`
	Patch     patch.Patch          `json:"patch"`
	Genes     []float64            `json:"genes"`
	Fitness   []float64            `json:"fitness"`
	Audio     *audio.Buffer        `json:"-"`
	Result    *optimization.Result `json:"result"`
	Elapsed   time.Duration        `json:"elapsed"`
}

// Option configures a Matcher.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	observers optimization.Observers
}

// WithLogger sets the logger of the matcher and of the estimator it builds.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers a generation observer on the estimator Build creates.
func WithObserver(obs optimization.Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

func newOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Matcher pairs an estimator with the synthesizer that renders its answer.
// It is not safe for concurrent use.
type Matcher struct {
	estimator optimization.Estimator
	synth     *synth.Synth
	logger    *zap.Logger
}

// New creates a Matcher. s must be the synthesizer the estimator's
// evaluation drives, or one with the same parameter layout.
func New(estimator optimization.Estimator, s *synth.Synth, opts ...Option) (*Matcher, error) {
	if estimator == nil {
		return nil, optimization.ConfigErrorf(component, "estimator is required")
	}
	if s == nil {
		return nil, optimization.ConfigErrorf(component, "synthesizer is required")
	}
	o := newOptions(opts)
	return &Matcher{
		estimator: estimator,
		synth:     s,
		logger:    o.logger.Named(component),
	}, nil
}

// Estimator returns the search engine.
func (m *Matcher) Estimator() optimization.Estimator { return m.estimator }

// Synth returns the rendering synthesizer.
func (m *Matcher) Synth() *synth.Synth { return m.synth }

// Match searches for the patch reproducing target and renders it.
func (m *Matcher) Match(target *audio.Buffer) (*Match, error) {
	start := time.Now()
	if err := target.Validate(); err != nil {
		return nil, optimization.WrapError(err, "invalid target audio").
			WithComponent(component).WithOperation("match")
	}
	if rate := m.synth.Settings().SampleRate; target.SampleRate != rate {
		m.logger.Warn("target sample rate differs from render sample rate",
			zap.Int("target", target.SampleRate), zap.Int("render", rate))
	}

	res, err := m.estimator.Predict(target)
	if err != nil {
		return nil, err
	}
	if res.Best == nil {
		return nil, optimization.NewError("estimator returned no individual").
			WithComponent(component).WithOperation("match")
	}

	if err := m.synth.SetPatch(res.Best.Genes); err != nil {
		return nil, optimization.WrapError(err, "loading best patch").WithComponent(component).WithOperation("match")
	}
	if err := m.synth.Render(); err != nil {
		return nil, optimization.WrapError(err, "rendering best patch").WithComponent(component).WithOperation("match")
	}
	out, err := m.synth.Audio()
	if err != nil {
		return nil, optimization.WrapError(err, "reading rendered audio").WithComponent(component).WithOperation("match")
	}

	match := &Match{
		Estimator: m.estimator.Name(),
		Patch:     m.synth.Patch(false),
		Genes:     append([]float64(nil), res.Best.Genes...),
		Fitness:   append([]float64(nil), res.Best.Fitness.Values...),
		Audio:     out,
		Result:    res,
		Elapsed:   time.Since(start),
	}
	m.logger.Info("match complete",
		zap.String("estimator", match.Estimator),
		zap.Float64s("fitness", match.Fitness),
		zap.Int("evaluations", res.Evaluations),
		zap.Duration("elapsed", match.Elapsed))
	return match, nil
}

// MatchFile loads a WAV file and matches it.
func (m *Matcher) MatchFile(path string) (*Match, error) {
	target, err := audio.LoadWAV(path)
	if err != nil {
		return nil, optimization.WrapError(err, "loading target").WithComponent(component).WithOperation("match")
	}
	return m.Match(target)
}

// Settings selects and configures the search engine Build assembles.
type Settings struct {
	Estimator string              `json:"estimator"`
	Search    optimization.Config `json:"search"`
	Features  []string            `json:"features"`
	Metric    string              `json:"metric"`
}

// DefaultFeatures returns the default extractor list for an estimator: one
// spectrum for the single-objective searches and two complementary
// representations for the multi-objective one.
func DefaultFeatures(estimator string) []string {
	if normalize(estimator) == nsga3.Name {
		return []string{"fft", "spectral"}
	}
	return []string{"fft"}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Build creates one synthesizer session per evaluation worker from factory,
// assembles the evaluation pool and the estimator, and returns a Matcher
// rendering through the first session.
func Build(factory synth.Factory, set Settings, opts ...Option) (*Matcher, error) {
	if factory == nil {
		return nil, optimization.ConfigErrorf(component, "synthesizer factory is required")
	}
	name := normalize(set.Estimator)
	if name == "" {
		name = ga.Name
	}
	names := set.Features
	if len(names) == 0 {
		names = DefaultFeatures(name)
	}
	metric, err := fitness.MetricByName(set.Metric)
	if err != nil {
		return nil, optimization.WrapError(err, "resolving metric").WithComponent(component).WithOperation("configure")
	}

	workers := set.Search.Workers
	if workers < 1 {
		workers = 1
	}
	var primary *synth.Synth
	evaluators := make([]*fitness.Evaluator, workers)
	for i := range evaluators {
		s, err := factory()
		if err != nil {
			return nil, optimization.WrapErrorf(err, "creating synthesizer %d", i).WithComponent(component).WithOperation("configure")
		}
		if i == 0 {
			primary = s
		}
		extractors, err := features.NewList(names)
		if err != nil {
			return nil, optimization.WrapError(err, "resolving features").WithComponent(component).WithOperation("configure")
		}
		ev, err := fitness.New(s, extractors, fitness.WithMetric(metric))
		if err != nil {
			return nil, err
		}
		evaluators[i] = ev
	}
	pool, err := fitness.NewPool(evaluators...)
	if err != nil {
		return nil, err
	}

	o := newOptions(opts)
	var est optimization.Estimator
	switch name {
	case ga.Name:
		gaOpts := []ga.Option{ga.WithLogger(o.logger)}
		for _, obs := range o.observers {
			gaOpts = append(gaOpts, ga.WithObserver(obs))
		}
		est, err = ga.New(pool, set.Search, gaOpts...)
	case nsga3.Name:
		nOpts := []nsga3.Option{nsga3.WithLogger(o.logger)}
		for _, obs := range o.observers {
			nOpts = append(nOpts, nsga3.WithObserver(obs))
		}
		est, err = nsga3.New(pool, set.Search, nOpts...)
	case bayesian.Name:
		bOpts := []bayesian.Option{bayesian.WithLogger(o.logger)}
		for _, obs := range o.observers {
			bOpts = append(bOpts, bayesian.WithObserver(obs))
		}
		est, err = bayesian.New(pool, set.Search, bOpts...)
	default:
		return nil, optimization.ConfigErrorf(component, "unknown estimator %q (known: %s)", set.Estimator, strings.Join(Estimators, ", "))
	}
	if err != nil {
		return nil, err
	}
	return New(est, primary, opts...)
}
