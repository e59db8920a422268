// Package fitness scores candidate gene vectors by rendering them through a
// synthesizer and comparing their features with those of a target sound.
package fitness

import (
	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/features"
	"github.com/copyleftdev/synthmatch/internal/optimization"
)

const component = "fitness"

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMetric replaces the default mean absolute error.
func WithMetric(m Metric) Option {
	return func(e *Evaluator) {
		if m != nil {
			e.metric = m
		}
	}
}

// Evaluator computes one error per extractor for a gene vector. It drives a
// single synthesizer and is not safe for concurrent use; see Pool.
type Evaluator struct {
	synth      optimization.Synthesizer
	extractors []features.Extractor
	metric     Metric
	target     [][]float64
}

// New creates an evaluator. Extractor order defines objective order.
func New(synth optimization.Synthesizer, extractors []features.Extractor, opts ...Option) (*Evaluator, error) {
	if synth == nil {
		return nil, optimization.ConfigErrorf(component, "synthesizer is required")
	}
	if len(extractors) == 0 {
		return nil, optimization.ConfigErrorf(component, "at least one feature extractor is required")
	}
	for i, ex := range extractors {
		if ex == nil {
			return nil, optimization.ConfigErrorf(component, "feature extractor %d is nil", i)
		}
	}
	e := &Evaluator{
		synth:      synth,
		extractors: append([]features.Extractor(nil), extractors...),
		metric:     MeanAbsError,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Objectives is the length of every fitness vector this evaluator returns.
func (e *Evaluator) Objectives() int { return len(e.extractors) }

// NumGenes is the number of free synthesizer parameters.
func (e *Evaluator) NumGenes() int { return len(e.synth.Patch(true)) }

// Extractors returns the extractors in objective order.
func (e *Evaluator) Extractors() []features.Extractor {
	return append([]features.Extractor(nil), e.extractors...)
}

// Synth returns the synthesizer the evaluator drives.
func (e *Evaluator) Synth() optimization.Synthesizer { return e.synth }

// SetTarget extracts the target features, one vector per extractor.
func (e *Evaluator) SetTarget(buf *audio.Buffer) error {
	target, err := e.extract(buf)
	if err != nil {
		return optimization.WrapError(err, "extracting target features").
			WithComponent(component).WithOperation("set_target")
	}
	e.target = target
	return nil
}

// SetTargetFeatures installs precomputed target features.
func (e *Evaluator) SetTargetFeatures(target [][]float64) error {
	if len(target) != len(e.extractors) {
		return optimization.ConfigErrorf(component, "target has %d feature vectors, want %d", len(target), len(e.extractors))
	}
	e.target = target
	return nil
}

// Target returns the target features.
func (e *Evaluator) Target() [][]float64 { return e.target }

// Evaluate applies genes, renders and returns one error per extractor.
// Render and extraction failures are returned and never retried.
func (e *Evaluator) Evaluate(genes []float64) ([]float64, error) {
	if e.target == nil {
		return nil, optimization.ConfigErrorf(component, "target has not been set")
	}
	if err := e.synth.SetPatch(genes); err != nil {
		return nil, optimization.EvaluationError(err, component, "applying patch")
	}
	if err := e.synth.Render(); err != nil {
		return nil, optimization.EvaluationError(err, component, "rendering patch")
	}
	out, err := e.synth.Audio()
	if err != nil {
		return nil, optimization.EvaluationError(err, component, "reading audio")
	}
	feats, err := e.extract(out)
	if err != nil {
		return nil, optimization.EvaluationError(err, component, "extracting features")
	}

	errs := make([]float64, len(feats))
	for i := range feats {
		v, err := e.metric(e.target[i], feats[i])
		if err != nil {
			return nil, optimization.EvaluationError(err, component, e.extractors[i].Name())
		}
		errs[i] = v
	}
	return errs, nil
}

func (e *Evaluator) extract(buf *audio.Buffer) ([][]float64, error) {
	out := make([][]float64, len(e.extractors))
	for i, ex := range e.extractors {
		v, err := ex.Extract(buf)
		if err != nil {
			return nil, optimization.WrapErrorf(err, "extractor %s", ex.Name())
		}
		out[i] = v
	}
	return out, nil
}
