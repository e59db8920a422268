package features

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/copyleftdev/synthmatch/internal/audio"
)

// Defaults for the named extractors.
const (
	DefaultFFTSize   = 8192
	DefaultFrameSize = 2048
	DefaultHopSize   = 512
	DefaultFrames    = 32
)

// FFT is the spectrum of the whole buffer, truncated or zero padded to Size
// samples. It yields Size/2+1 bins.
type FFT struct {
	Size   int
	Output Output
}

// NewFFT creates an FFT extractor.
func NewFFT(size int, out Output) *FFT {
	return &FFT{Size: size, Output: out}
}

// Name implements Extractor.
func (f *FFT) Name() string { return "fft" }

// Extract implements Extractor.
func (f *FFT) Extract(buf *audio.Buffer) ([]float64, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	if f.Size < 2 {
		return nil, fmt.Errorf("fft size must be >= 2, got %d", f.Size)
	}
	if err := f.Output.validate(); err != nil {
		return nil, err
	}
	coeffs := fourier.NewFFT(f.Size).Coefficients(nil, fitLength(buf.Samples, f.Size))
	return appendSpectrum(make([]float64, 0, 2*len(coeffs)), coeffs, f.Output), nil
}

// STFT is a Hann-windowed short-time spectrum with a fixed number of frames.
// The result is the frames concatenated in time order.
type STFT struct {
	FrameSize int
	HopSize   int
	// Frames fixes the output shape; audio is padded or cut to fit.
	Frames int
	Output Output
}

// NewSTFT creates an STFT extractor.
func NewSTFT(frameSize, hopSize, frames int, out Output) *STFT {
	return &STFT{FrameSize: frameSize, HopSize: hopSize, Frames: frames, Output: out}
}

// Name implements Extractor.
func (s *STFT) Name() string { return "stft" }

// Extract implements Extractor.
func (s *STFT) Extract(buf *audio.Buffer) ([]float64, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	if s.FrameSize < 2 || s.HopSize < 1 || s.Frames < 1 {
		return nil, fmt.Errorf("invalid stft configuration frame=%d hop=%d frames=%d", s.FrameSize, s.HopSize, s.Frames)
	}
	if err := s.Output.validate(); err != nil {
		return nil, err
	}
	fft := fourier.NewFFT(s.FrameSize)
	var out []float64
	var coeffs []complex128
	for _, frame := range frames(buf.Samples, s.FrameSize, s.HopSize, s.Frames) {
		coeffs = fft.Coefficients(coeffs, window.Hann(frame))
		out = appendSpectrum(out, coeffs, s.Output)
	}
	return out, nil
}

// frames slices samples into n frames of size, hop apart, zero padding past
// the end of the input. Each frame is a fresh slice.
func frames(samples []float64, size, hop, n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		frame := make([]float64, size)
		start := i * hop
		if start < len(samples) {
			copy(frame, samples[start:])
		}
		out[i] = frame
	}
	return out
}
