package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/synthmatch/internal/audio"
)

// rolloffPercent is the share of spectral energy below the rolloff frequency.
const rolloffPercent = 0.85

// summaryFeatures is the number of per-frame features SpectralSummary tracks.
const summaryFeatures = 6

// SpectralSummary computes per-frame spectral centroid, bandwidth, rolloff,
// flatness, RMS and zero-crossing rate, then summarizes each over time by
// mean and standard deviation. Output length is always 12.
type SpectralSummary struct {
	FrameSize int
	HopSize   int
}

// NewSpectralSummary creates a SpectralSummary extractor.
func NewSpectralSummary(frameSize, hopSize int) *SpectralSummary {
	return &SpectralSummary{FrameSize: frameSize, HopSize: hopSize}
}

// Name implements Extractor.
func (s *SpectralSummary) Name() string { return "spectral" }

// Extract implements Extractor.
func (s *SpectralSummary) Extract(buf *audio.Buffer) ([]float64, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	if s.FrameSize < 2 || s.HopSize < 1 {
		return nil, fmt.Errorf("invalid spectral summary configuration frame=%d hop=%d", s.FrameSize, s.HopSize)
	}

	n := 1
	if len(buf.Samples) > s.FrameSize {
		n += (len(buf.Samples) - s.FrameSize + s.HopSize - 1) / s.HopSize
	}

	fft := fourier.NewFFT(s.FrameSize)
	binHz := float64(buf.SampleRate) / float64(s.FrameSize)

	series := make([][]float64, summaryFeatures)
	for i := range series {
		series[i] = make([]float64, 0, n)
	}

	var coeffs []complex128
	mags := make([]float64, s.FrameSize/2+1)
	for _, frame := range frames(buf.Samples, s.FrameSize, s.HopSize, n) {
		values := [summaryFeatures]float64{}
		values[4] = rms(frame)
		values[5] = zeroCrossingRate(frame)

		coeffs = fft.Coefficients(coeffs, window.Hann(frame))
		for i, c := range coeffs {
			mags[i] = math.Hypot(real(c), imag(c))
		}
		values[0], values[1], values[2], values[3] = spectralShape(mags, binHz)

		for i, v := range values {
			series[i] = append(series[i], v)
		}
	}

	out := make([]float64, 0, 2*summaryFeatures)
	for _, x := range series {
		mean, std := stat.PopMeanStdDev(x, nil)
		out = append(out, mean, std)
	}
	return out, nil
}

// spectralShape returns centroid and bandwidth in Hz, rolloff in Hz and
// flatness in [0, 1] for one magnitude spectrum. Silent frames are all zero.
func spectralShape(mags []float64, binHz float64) (centroid, bandwidth, rolloff, flatness float64) {
	var total float64
	for _, m := range mags {
		total += m
	}
	if total == 0 {
		return 0, 0, 0, 0
	}

	for i, m := range mags {
		centroid += float64(i) * binHz * m
	}
	centroid /= total

	var spread float64
	for i, m := range mags {
		d := float64(i)*binHz - centroid
		spread += d * d * m
	}
	bandwidth = math.Sqrt(spread / total)

	var energy, cum float64
	for _, m := range mags {
		energy += m * m
	}
	for i, m := range mags {
		cum += m * m
		if cum >= rolloffPercent*energy {
			rolloff = float64(i) * binHz
			break
		}
	}

	const floor = 1e-10
	var logSum float64
	for _, m := range mags {
		logSum += math.Log(m + floor)
	}
	geo := math.Exp(logSum / float64(len(mags)))
	arith := total / float64(len(mags))
	flatness = geo / (arith + floor)
	return centroid, bandwidth, rolloff, flatness
}

func zeroCrossingRate(frame []float64) float64 {
	if len(frame) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(frame); i++ {
		if (frame[i-1] >= 0) != (frame[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(frame)-1)
}
