// Package optimizationtest provides deterministic collaborators for testing
// the search engines without a real synthesizer.
package optimizationtest

import (
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"github.com/copyleftdev/synthmatch/internal/audio"
	"github.com/copyleftdev/synthmatch/internal/features"
	"github.com/copyleftdev/synthmatch/internal/patch"
)

// StubSampleRate is the sample rate of StubSynth renders.
const StubSampleRate = 8000

// StubSamples is the length of StubSynth renders.
const StubSamples = 256

// Params returns n parameters indexed 0..n-1 with default 0.5.
func Params(n int) []patch.Parameter {
	out := make([]patch.Parameter, n)
	for i := range out {
		out[i] = patch.Parameter{Index: i, Name: fmt.Sprintf("param-%d", i), Default: 0.5}
	}
	return out
}

// StubSynth renders a sum of sines whose amplitudes are the distance of each
// parameter from 0.5. A patch of 0.5 everywhere renders silence.
type StubSynth struct {
	Model *patch.Model

	// RenderErr, when set, is returned by Render.
	RenderErr error

	renders atomic.Int64
	out     *audio.Buffer
}

// NewStubSynth creates a stub with n parameters and the given model options.
func NewStubSynth(n int, opts ...patch.Option) (*StubSynth, error) {
	m, err := patch.NewModel(Params(n), opts...)
	if err != nil {
		return nil, err
	}
	return &StubSynth{Model: m}, nil
}

// MustStubSynth is NewStubSynth for tests.
func MustStubSynth(t testing.TB, n int, opts ...patch.Option) *StubSynth {
	t.Helper()
	s, err := NewStubSynth(n, opts...)
	if err != nil {
		t.Fatalf("creating stub synth: %v", err)
	}
	return s
}

// SetPatch implements optimization.Synthesizer.
func (s *StubSynth) SetPatch(values []float64) error {
	return s.Model.SetPatch(values)
}

// Render implements optimization.Synthesizer.
func (s *StubSynth) Render() error {
	if s.RenderErr != nil {
		return s.RenderErr
	}
	s.renders.Add(1)

	values := s.Model.Patch(false).Values()
	samples := make([]float64, StubSamples)
	for k, v := range values {
		amp := math.Abs(v - 0.5)
		freq := 200 * float64(k+1)
		for i := range samples {
			samples[i] += amp * math.Sin(2*math.Pi*freq*float64(i)/StubSampleRate)
		}
	}
	s.out = audio.NewBuffer(samples, StubSampleRate)
	s.Model.MarkRendered()
	return nil
}

// Audio implements optimization.Synthesizer.
func (s *StubSynth) Audio() (*audio.Buffer, error) {
	if s.out == nil || !s.Model.Rendered() {
		return nil, fmt.Errorf("patch has not been rendered")
	}
	return s.out.Clone(), nil
}

// Patch implements optimization.Synthesizer.
func (s *StubSynth) Patch(skipOverridden bool) patch.Patch {
	return s.Model.Patch(skipOverridden)
}

// Renders counts successful Render calls.
func (s *StubSynth) Renders() int {
	return int(s.renders.Load())
}

// RenderPatch renders values with a fresh stub and returns the audio.
func RenderPatch(t testing.TB, values []float64) *audio.Buffer {
	t.Helper()
	s := MustStubSynth(t, len(values))
	if err := s.SetPatch(values); err != nil {
		t.Fatalf("setting patch: %v", err)
	}
	if err := s.Render(); err != nil {
		t.Fatalf("rendering: %v", err)
	}
	buf, err := s.Audio()
	if err != nil {
		t.Fatalf("reading audio: %v", err)
	}
	return buf
}

// SamplesExtractor returns the raw samples as the feature vector.
func SamplesExtractor() features.Extractor {
	return features.ExtractorFunc{
		Label: "samples",
		Fn: func(b *audio.Buffer) ([]float64, error) {
			return append([]float64(nil), b.Samples...), nil
		},
	}
}

// EnergyExtractor returns the RMS level as a one-element vector.
func EnergyExtractor() features.Extractor {
	return features.ExtractorFunc{
		Label: "energy",
		Fn: func(b *audio.Buffer) ([]float64, error) {
			var sum float64
			for _, v := range b.Samples {
				sum += v * v
			}
			return []float64{math.Sqrt(sum / float64(len(b.Samples)))}, nil
		},
	}
}

// FailingExtractor always returns err.
func FailingExtractor(err error) features.Extractor {
	return features.ExtractorFunc{
		Label: "failing",
		Fn:    func(*audio.Buffer) ([]float64, error) { return nil, err },
	}
}

// AssertFloat64SlicesEqual checks that two slices are equal within tol.
func AssertFloat64SlicesEqual(t testing.TB, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}
