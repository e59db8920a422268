// Package synth wraps a rendering engine in a session that owns the patch
// model, the override configuration and the render settings. A Synth is the
// synthesizer the search engines drive.
package synth

import (
	"math/rand"

	"go.uber.org/zap"

	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/errors"
	"github.com/copyleftdev/synthmatch/internal/patch"
)

const component = "synth"

var (
	// ErrInvalidSettings reports render settings no engine can play.
	ErrInvalidSettings = errors.Sentinel("invalid render settings")

	// ErrNotRendered is returned by Audio when the patch changed since the
	// last render.
	ErrNotRendered = errors.Sentinel("current patch has not been rendered")

	// ErrUnknownEngine is returned for an engine name with no constructor.
	ErrUnknownEngine = errors.Sentinel("unknown synth engine")
)

// Engine renders audio for a patch. It is the boundary to a plugin host or a
// built-in voice. Engines are not required to be safe for concurrent use.
type Engine interface {
	// Parameters describes the controllable parameters.
	Parameters() []patch.Parameter
	// Load installs a full patch.
	Load(p patch.Patch) error
	// Render plays one note with the loaded patch.
	Render(s RenderSettings) ([]float64, error)
}

// RenderSettings describes the note an engine plays for each render.
type RenderSettings struct {
	SampleRate int     `json:"sample_rate"`
	MIDINote   int     `json:"midi_note"`
	Velocity   int     `json:"velocity"`
	NoteSecs   float64 `json:"note_secs"`
	RenderSecs float64 `json:"render_secs"`
}

// DefaultRenderSettings plays MIDI note 48 at full velocity for one second and
// renders two seconds in total.
var DefaultRenderSettings = RenderSettings{
	SampleRate: audio.DefaultSampleRate,
	MIDINote:   48,
	Velocity:   127,
	NoteSecs:   1.0,
	RenderSecs: 2.0,
}

// Validate checks the settings.
func (s RenderSettings) Validate() error {
	switch {
	case s.SampleRate <= 0:
		return errors.Wrapf(ErrInvalidSettings, "sample rate must be positive, got %d", s.SampleRate)
	case s.MIDINote < 0 || s.MIDINote > 127:
		return errors.Wrapf(ErrInvalidSettings, "midi note must be in [0, 127], got %d", s.MIDINote)
	case s.Velocity < 0 || s.Velocity > 127:
		return errors.Wrapf(ErrInvalidSettings, "velocity must be in [0, 127], got %d", s.Velocity)
	case s.NoteSecs < 0:
		return errors.Wrapf(ErrInvalidSettings, "note length must not be negative, got %g", s.NoteSecs)
	case s.RenderSecs <= 0:
		return errors.Wrapf(ErrInvalidSettings, "render length must be positive, got %g", s.RenderSecs)
	}
	return nil
}

// Samples is the number of samples one render produces.
func (s RenderSettings) Samples() int {
	return int(s.RenderSecs * float64(s.SampleRate))
}

// Option configures a Synth.
type Option func(*options)

type options struct {
	settings  RenderSettings
	clamp     bool
	overrides patch.Patch
	logger    *zap.Logger
}

// WithRenderSettings replaces DefaultRenderSettings.
func WithRenderSettings(s RenderSettings) Option {
	return func(o *options) { o.settings = s }
}

// WithClamp sets the clamp policy of the patch model.
func WithClamp(clamp bool) Option {
	return func(o *options) { o.clamp = clamp }
}

// WithOverrides freezes parameters at construction.
func WithOverrides(p patch.Patch) Option {
	return func(o *options) { o.overrides = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Synth is one synthesizer session. It is not safe for concurrent use; build
// one per worker with a Factory.
type Synth struct {
	engine   Engine
	model    *patch.Model
	settings RenderSettings
	logger   *zap.Logger

	out *audio.Buffer
}

// New creates a session around engine and loads the initial patch into it.
func New(engine Engine, opts ...Option) (*Synth, error) {
	if engine == nil {
		return nil, errors.New("synth engine is required").WithComponent(component).WithOperation("new")
	}
	o := options{settings: DefaultRenderSettings, clamp: true, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.settings.Validate(); err != nil {
		return nil, err
	}

	modelOpts := []patch.Option{patch.WithClamp(o.clamp)}
	if len(o.overrides) > 0 {
		modelOpts = append(modelOpts, patch.WithOverrides(o.overrides))
	}
	model, err := patch.NewModel(engine.Parameters(), modelOpts...)
	if err != nil {
		return nil, err
	}

	s := &Synth{
		engine:   engine,
		model:    model,
		settings: o.settings,
		logger:   o.logger.Named("synth"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Model returns the patch model.
func (s *Synth) Model() *patch.Model { return s.model }

// Settings returns the render settings.
func (s *Synth) Settings() RenderSettings { return s.settings }

// Parameters describes the engine parameters, sorted by index.
func (s *Synth) Parameters() []patch.Parameter { return s.model.Parameters() }

// SetPatch applies a raw vector of free-length or full-length.
func (s *Synth) SetPatch(values []float64) error {
	if len(values) == 0 {
		return nil
	}
	if err := s.model.SetPatch(values); err != nil {
		return err
	}
	return s.load()
}

// ApplyPatch applies explicit (index, value) pairs. Overridden parameters are
// skipped.
func (s *Synth) ApplyPatch(p patch.Patch) error {
	if len(p) == 0 {
		return nil
	}
	if err := s.model.SetPatchValues(p); err != nil {
		return err
	}
	return s.load()
}

// SetOverriddenParameters freezes parameters at the given values.
func (s *Synth) SetOverriddenParameters(p patch.Patch) error {
	if err := s.model.SetOverriddenParameters(p); err != nil {
		return err
	}
	return s.load()
}

// Patch returns the current patch.
func (s *Synth) Patch(skipOverridden bool) patch.Patch {
	return s.model.Patch(skipOverridden)
}

// Randomize draws new values for every free parameter.
func (s *Synth) Randomize(rng *rand.Rand) error {
	s.model.Randomize(rng)
	return s.load()
}

// Render renders the current patch.
func (s *Synth) Render() error {
	samples, err := s.engine.Render(s.settings)
	if err != nil {
		return errors.Wrap(err, "rendering patch").WithComponent(component).WithOperation("render")
	}
	s.out = audio.NewBuffer(samples, s.settings.SampleRate)
	s.model.MarkRendered()
	s.logger.Debug("rendered patch", zap.Int("samples", len(samples)))
	return nil
}

// Audio returns the audio of the last render. It fails when the patch changed
// since then.
func (s *Synth) Audio() (*audio.Buffer, error) {
	if s.out == nil || !s.model.Rendered() {
		return nil, errors.Wrap(ErrNotRendered, "reading audio").WithComponent(component)
	}
	return s.out.Clone(), nil
}

// RandomExample randomizes the patch, renders it and returns the audio.
func (s *Synth) RandomExample(rng *rand.Rand) (*audio.Buffer, error) {
	if err := s.Randomize(rng); err != nil {
		return nil, err
	}
	if err := s.Render(); err != nil {
		return nil, err
	}
	return s.Audio()
}

// SaveState writes the parameter state to a JSON file.
func (s *Synth) SaveState(path string) error {
	return s.model.SaveStateFile(path)
}

// LoadState restores overrides and patch from a JSON file.
func (s *Synth) LoadState(path string) error {
	if err := s.model.LoadStateFile(path); err != nil {
		return err
	}
	return s.load()
}

func (s *Synth) load() error {
	if err := s.engine.Load(s.model.Patch(false)); err != nil {
		return errors.Wrap(err, "loading patch into engine").WithComponent(component).WithOperation("load")
	}
	return nil
}

// Factory builds independent sessions, one per evaluation worker.
type Factory func() (*Synth, error)

// NewFactory returns a Factory creating a fresh engine for each session.
func NewFactory(newEngine func() (Engine, error), opts ...Option) Factory {
	return func() (*Synth, error) {
		engine, err := newEngine()
		if err != nil {
			return nil, err
		}
		return New(engine, opts...)
	}
}
