package audio

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DecodeWAV reads a PCM WAV stream and mixes it down to mono.
func DecodeWAV(r io.ReadSeeker) (*Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav stream")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding wav: %w", err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, fmt.Errorf("invalid wav buffer")
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 {
		return nil, fmt.Errorf("invalid wav bit depth %d", bitDepth)
	}
	scale := math.Pow(2, float64(bitDepth-1))

	ch := buf.Format.NumChannels
	frames := len(buf.Data) / ch
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += float64(buf.Data[i*ch+c])
		}
		out[i] = sum / float64(ch) / scale
	}
	return NewBuffer(out, buf.Format.SampleRate), nil
}

// LoadWAV decodes the WAV file at path.
func LoadWAV(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b, err := DecodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// EncodeWAV writes the buffer as mono PCM at the given bit depth.
func (b *Buffer) EncodeWAV(w io.WriteSeeker, bitDepth int) error {
	if bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		return fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	scale := math.Pow(2, float64(bitDepth-1)) - 1

	data := make([]int, len(b.Samples))
	for i, s := range b.Samples {
		s = math.Max(-1, math.Min(1, s))
		data[i] = int(math.Round(s * scale))
	}

	enc := wav.NewEncoder(w, b.SampleRate, bitDepth, 1, 1)
	ib := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			SampleRate:  b.SampleRate,
			NumChannels: 1,
		},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("encoding wav: %w", err)
	}
	return enc.Close()
}

// SaveWAV writes the buffer to path as 16-bit PCM.
func (b *Buffer) SaveWAV(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return b.EncodeWAV(f, 16)
}
