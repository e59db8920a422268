package synth

import (
	"math"
	"sort"
	"strings"

	"github.com/copyleftdev/synthmatch/internal/errors"
	"github.com/copyleftdev/synthmatch/internal/patch"
)

// FM engine parameter indices.
const (
	FMCarrierRatio = iota
	FMModRatio
	FMModIndex
	FMAttack
	FMDecay
	FMSustain
	FMRelease
	FMFeedback
	FMBrightness
	FMGain
	fmParamCount
)

const (
	clipThreshold = 0.6
	clipHardLimit = 0.95
)

var fmParams = []patch.Parameter{
	{Index: FMCarrierRatio, Name: "Carrier Ratio", Default: 0.2},
	{Index: FMModRatio, Name: "Modulator Ratio", Default: 0.2},
	{Index: FMModIndex, Name: "Modulation Index", Default: 0.3},
	{Index: FMAttack, Name: "Attack", Default: 0.05},
	{Index: FMDecay, Name: "Decay", Default: 0.3},
	{Index: FMSustain, Name: "Sustain", Default: 0.7},
	{Index: FMRelease, Name: "Release", Default: 0.3},
	{Index: FMFeedback, Name: "Modulator Feedback", Default: 0},
	{Index: FMBrightness, Name: "Index Envelope Depth", Default: 0.5},
	{Index: FMGain, Name: "Output Gain", Default: 0.8},
}

// FMEngine is a deterministic two-operator FM voice: a sine carrier phase
// modulated by a sine modulator with self feedback, shaped by an ADSR
// envelope that also scales the modulation index.
type FMEngine struct {
	values [fmParamCount]float64
}

// NewFMEngine creates an FM engine at its default patch.
func NewFMEngine() *FMEngine {
	e := &FMEngine{}
	for _, p := range fmParams {
		e.values[p.Index] = p.Default
	}
	return e
}

// Parameters implements Engine.
func (e *FMEngine) Parameters() []patch.Parameter {
	return append([]patch.Parameter(nil), fmParams...)
}

// Load implements Engine.
func (e *FMEngine) Load(p patch.Patch) error {
	for _, pv := range p {
		if pv.Index < 0 || pv.Index >= fmParamCount {
			return errors.Wrapf(patch.ErrUnknownParameter, "fm engine has no parameter %d", pv.Index)
		}
		e.values[pv.Index] = patch.Clamp(pv.Value, patch.MinValue, patch.MaxValue)
	}
	return nil
}

// Render implements Engine.
func (e *FMEngine) Render(s RenderSettings) ([]float64, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	v := e.values

	base := MIDINoteToFreq(s.MIDINote)
	carrier := base * ratio(v[FMCarrierRatio])
	modulator := base * ratio(v[FMModRatio])
	index := v[FMModIndex] * 10
	feedback := v[FMFeedback] * 1.5
	depth := v[FMBrightness]
	level := v[FMGain] * float64(s.Velocity) / 127

	env := ADSR{
		Attack:  0.001 + v[FMAttack]*0.5,
		Decay:   0.001 + v[FMDecay]*1.0,
		Sustain: v[FMSustain],
		Release: 0.001 + v[FMRelease]*1.0,
	}

	n := s.Samples()
	out := make([]float64, n)
	rate := float64(s.SampleRate)
	var prevMod float64
	for i := range out {
		t := float64(i) / rate
		amp := env.At(t, s.NoteSecs)
		modEnv := (1 - depth) + depth*amp

		mod := math.Sin(2*math.Pi*modulator*t + feedback*prevMod)
		prevMod = mod
		sample := math.Sin(2*math.Pi*carrier*t + index*modEnv*mod)
		out[i] = SoftClip(sample * amp * level)
	}
	return out, nil
}

// ratio maps [0, 1] onto harmonic ratios 0.5 to 8.
func ratio(v float64) float64 {
	return 0.5 + v*7.5
}

// MIDINoteToFreq converts a MIDI note number to frequency in Hz.
func MIDINoteToFreq(note int) float64 {
	return 440.0 * math.Pow(2, (float64(note)-69.0)/12.0)
}

// SoftClip compresses samples beyond a threshold so the output stays within
// [-clipHardLimit, clipHardLimit].
func SoftClip(sample float64) float64 {
	mag := math.Abs(sample)
	if mag <= clipThreshold {
		return sample
	}
	excess := mag - clipThreshold
	room := clipHardLimit - clipThreshold
	clipped := clipThreshold + room*math.Tanh(excess/room)
	return math.Copysign(clipped, sample)
}

// ADSR is a linear attack, decay, sustain, release envelope. Times are in
// seconds, Sustain is a level in [0, 1].
type ADSR struct {
	Attack  float64
	Decay   float64
	Sustain float64
	Release float64
}

// At returns the envelope level at time t for a note released at noteOff.
func (a ADSR) At(t, noteOff float64) float64 {
	if t >= noteOff {
		start := a.held(noteOff)
		rel := t - noteOff
		if rel >= a.Release {
			return 0
		}
		return start * (1 - rel/a.Release)
	}
	return a.held(t)
}

func (a ADSR) held(t float64) float64 {
	switch {
	case t < a.Attack:
		return t / a.Attack
	case t < a.Attack+a.Decay:
		return 1 - (1-a.Sustain)*(t-a.Attack)/a.Decay
	default:
		return a.Sustain
	}
}

var engines = map[string]func() (Engine, error){
	"fm": func() (Engine, error) { return NewFMEngine(), nil },
}

// EngineNames lists the built-in engines.
func EngineNames() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EngineConstructor returns the constructor of a built-in engine.
func EngineConstructor(name string) (func() (Engine, error), error) {
	ctor, ok := engines[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEngine, "%q (known: %s)", name, strings.Join(EngineNames(), ", "))
	}
	return ctor, nil
}
