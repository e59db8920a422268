// Package audio holds mono sample buffers exchanged between the synthesizer,
// the feature extractors and the WAV codec.
package audio

import (
	"fmt"
	"math"
	"time"
)

// DefaultSampleRate is used when a buffer is created without one.
const DefaultSampleRate = 44100

// Buffer is a mono buffer of float samples in [-1, 1].
type Buffer struct {
	Samples    []float64
	SampleRate int
}

// NewBuffer wraps samples. A non-positive rate falls back to DefaultSampleRate.
func NewBuffer(samples []float64, sampleRate int) *Buffer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate}
}

// Len returns the number of samples.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Samples)
}

// Duration returns the playback length.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(b.Samples)) / float64(b.SampleRate) * float64(time.Second))
}

// Clone returns a deep copy.
func (b *Buffer) Clone() *Buffer {
	return &Buffer{
		Samples:    append([]float64(nil), b.Samples...),
		SampleRate: b.SampleRate,
	}
}

// Peak returns the largest absolute sample value.
func (b *Buffer) Peak() float64 {
	peak := 0.0
	for _, s := range b.Samples {
		peak = math.Max(peak, math.Abs(s))
	}
	return peak
}

// Normalize scales the buffer in place so its peak is 1. Silent buffers are
// left untouched.
func (b *Buffer) Normalize() {
	peak := b.Peak()
	if peak == 0 {
		return
	}
	for i := range b.Samples {
		b.Samples[i] /= peak
	}
}

// Validate checks the buffer can be processed.
func (b *Buffer) Validate() error {
	if b == nil {
		return fmt.Errorf("audio buffer is nil")
	}
	if b.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", b.SampleRate)
	}
	if len(b.Samples) == 0 {
		return fmt.Errorf("audio buffer is empty")
	}
	return nil
}
