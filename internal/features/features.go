// Package features extracts numeric feature vectors from audio buffers.
// Extractors are deterministic and produce vectors whose length depends
// only on their configuration, so errors between a target and a candidate
// are always well defined.
package features

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"strings"

	"github.com/copyleftdev/synthmatch/internal/audio"
)

// Extractor turns audio into a flat feature vector.
type Extractor interface {
	// Name identifies the extractor in logs and metrics.
	Name() string
	// Extract computes the feature vector for buf.
	Extract(buf *audio.Buffer) ([]float64, error)
}

// ExtractorFunc adapts a plain function to the Extractor interface.
type ExtractorFunc struct {
	Label string
	Fn    func(*audio.Buffer) ([]float64, error)
}

// Name implements Extractor.
func (f ExtractorFunc) Name() string { return f.Label }

// Extract implements Extractor.
func (f ExtractorFunc) Extract(buf *audio.Buffer) ([]float64, error) { return f.Fn(buf) }

// Output selects how complex spectra are reduced to real values.
type Output string

const (
	Magnitude Output = "magnitude"
	Power     Output = "power"
	// Complex interleaves real and imaginary parts.
	Complex Output = "complex"
)

func (o Output) validate() error {
	switch o {
	case Magnitude, Power, Complex:
		return nil
	}
	return fmt.Errorf("unknown spectrum output %q", o)
}

func appendSpectrum(dst []float64, coeffs []complex128, out Output) []float64 {
	for _, c := range coeffs {
		switch out {
		case Power:
			m := cmplx.Abs(c)
			dst = append(dst, m*m)
		case Complex:
			dst = append(dst, real(c), imag(c))
		default:
			dst = append(dst, cmplx.Abs(c))
		}
	}
	return dst
}

// fitLength returns samples truncated or zero padded to n.
func fitLength(samples []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, samples)
	return out
}

// constructors for the named extractors accepted by New.
var registry = map[string]func() Extractor{
	"fft":      func() Extractor { return NewFFT(DefaultFFTSize, Magnitude) },
	"stft":     func() Extractor { return NewSTFT(DefaultFrameSize, DefaultHopSize, DefaultFrames, Magnitude) },
	"spectral": func() Extractor { return NewSpectralSummary(DefaultFrameSize, DefaultHopSize) },
}

// Names lists the extractors New understands.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns the named extractor with its default configuration.
func New(name string) (Extractor, error) {
	ctor, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown feature extractor %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return ctor(), nil
}

// NewList resolves a list of names, keeping their order. Order defines the
// objective order of a multi-objective search.
func NewList(names []string) ([]Extractor, error) {
	out := make([]Extractor, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		ex, err := New(name)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one feature extractor is required")
	}
	return out, nil
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}
